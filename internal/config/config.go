package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Mpesa     MpesaConfig
	Booking   BookingConfig
	Reconcile ReconcileConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	AutoMigrate        bool
}

// JWTConfig holds JWT-related configuration. Tokens are issued by the
// identity service; this service only validates access tokens.
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// MpesaConfig holds Daraja STK push configuration
type MpesaConfig struct {
	Environment     string // "sandbox" or "production"
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string // SECRET
	ShortCode       string
	PassKey         string // SECRET
	CallbackURL     string // public URL of POST /api/v1/payments/callback
	CallbackToken   string // shared secret appended to CallbackURL as ?token=
	TransactionType string
	Timeout         time.Duration
}

// BookingConfig holds seat lock and payment session windows
type BookingConfig struct {
	LockDuration      time.Duration
	PaymentSessionTTL time.Duration
	VerifyDelay       time.Duration
}

// ReconcileConfig holds background reconciliation configuration
type ReconcileConfig struct {
	Enabled          bool
	LockSweepSpec    string
	PaymentSweepSpec string
	OrphanSweepSpec  string
	TaskReclaimSpec  string
	HousekeepingSpec string
	BatchSize        int
	OrphanGrace      time.Duration
	TaskPollInterval time.Duration
	TaskBatchSize    int
	TaskMaxAttempts  int
	TaskBackoff      time.Duration
	TaskClaimTimeout time.Duration
	TaskRetention    time.Duration
}

// RedisConfig holds the idempotency store configuration
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
}

// RabbitMQConfig holds the notification broker configuration
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RateLimitConfig holds STK push throttling configuration
type RateLimitConfig struct {
	MaxPhoneRequests int
	PhoneWindow      time.Duration
	MaxUserRequests  int
	UserWindow       time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
			AutoMigrate:        getEnvAsBool("DATABASE_AUTO_MIGRATE", true),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "Idempotency-Key", "X-Request-ID"}),
		},
		Mpesa: MpesaConfig{
			Environment:     getEnv("MPESA_ENVIRONMENT", "sandbox"),
			BaseURL:         getEnv("MPESA_BASE_URL", ""),
			ConsumerKey:     getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:  getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:       getEnv("MPESA_SHORTCODE", "174379"),
			PassKey:         getEnv("MPESA_PASSKEY", ""),
			CallbackURL:     getEnv("MPESA_CALLBACK_URL", ""),
			CallbackToken:   getEnv("MPESA_CALLBACK_TOKEN", ""),
			TransactionType: getEnv("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline"),
			Timeout:         getEnvAsDuration("MPESA_TIMEOUT_SECONDS", 30*time.Second),
		},
		Booking: BookingConfig{
			LockDuration:      getEnvAsDuration("SEAT_LOCK_DURATION_SECONDS", 5*time.Minute),
			PaymentSessionTTL: getEnvAsDuration("PAYMENT_SESSION_TTL_SECONDS", 10*time.Minute),
			VerifyDelay:       getEnvAsDuration("PAYMENT_VERIFY_DELAY_SECONDS", 60*time.Second),
		},
		Reconcile: ReconcileConfig{
			Enabled:          getEnvAsBool("RECONCILE_ENABLED", true),
			LockSweepSpec:    getEnv("RECONCILE_LOCK_SWEEP_SPEC", "0 * * * * *"),
			PaymentSweepSpec: getEnv("RECONCILE_PAYMENT_SWEEP_SPEC", "30 * * * * *"),
			OrphanSweepSpec:  getEnv("RECONCILE_ORPHAN_SWEEP_SPEC", "0 */5 * * * *"),
			TaskReclaimSpec:  getEnv("RECONCILE_TASK_RECLAIM_SPEC", "15 */5 * * * *"),
			HousekeepingSpec: getEnv("RECONCILE_HOUSEKEEPING_SPEC", "0 0 3 * * *"),
			BatchSize:        getEnvAsInt("RECONCILE_BATCH_SIZE", 50),
			OrphanGrace:      getEnvAsDuration("RECONCILE_ORPHAN_GRACE_SECONDS", 2*time.Minute),
			TaskPollInterval: getEnvAsDuration("TASK_POLL_INTERVAL_SECONDS", 2*time.Second),
			TaskBatchSize:    getEnvAsInt("TASK_BATCH_SIZE", 10),
			TaskMaxAttempts:  getEnvAsInt("TASK_MAX_ATTEMPTS", 3),
			TaskBackoff:      getEnvAsDuration("TASK_BACKOFF_SECONDS", 5*time.Second),
			TaskClaimTimeout: getEnvAsDuration("TASK_CLAIM_TIMEOUT_SECONDS", 2*time.Minute),
			TaskRetention:    getEnvAsDuration("TASK_RETENTION_SECONDS", 7*24*time.Hour),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", ""),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL_SECONDS", 24*time.Hour),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      getEnv("RABBITMQ_URL", ""),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "seat.events"),
		},
		RateLimit: RateLimitConfig{
			MaxPhoneRequests: getEnvAsInt("PAYMENT_RATE_LIMIT_PHONE", 5),
			PhoneWindow:      getEnvAsDuration("PAYMENT_RATE_WINDOW_PHONE_SECONDS", 10*time.Minute),
			MaxUserRequests:  getEnvAsInt("PAYMENT_RATE_LIMIT_USER", 10),
			UserWindow:       getEnvAsDuration("PAYMENT_RATE_WINDOW_USER_SECONDS", time.Hour),
		},
	}

	if config.Mpesa.BaseURL == "" {
		config.Mpesa.BaseURL = defaultMpesaBaseURL(config.Mpesa.Environment)
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Booking.LockDuration <= 0 {
		return fmt.Errorf("SEAT_LOCK_DURATION_SECONDS must be positive")
	}

	if c.Booking.PaymentSessionTTL < c.Booking.LockDuration {
		return fmt.Errorf("PAYMENT_SESSION_TTL_SECONDS must not be shorter than SEAT_LOCK_DURATION_SECONDS")
	}

	if c.Reconcile.TaskMaxAttempts < 1 {
		return fmt.Errorf("TASK_MAX_ATTEMPTS must be at least 1")
	}

	// Gateway credentials are only mandatory against the live environment
	if c.Mpesa.Environment == "production" {
		if c.Mpesa.ConsumerKey == "" || c.Mpesa.ConsumerSecret == "" {
			return fmt.Errorf("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required in production")
		}
		if c.Mpesa.PassKey == "" {
			return fmt.Errorf("MPESA_PASSKEY is required in production")
		}
		if c.Mpesa.CallbackURL == "" {
			return fmt.Errorf("MPESA_CALLBACK_URL is required in production")
		}
		if c.Mpesa.CallbackToken == "" {
			return fmt.Errorf("MPESA_CALLBACK_TOKEN is required in production")
		}
	} else if c.Mpesa.Environment != "sandbox" {
		return fmt.Errorf("invalid MPESA_ENVIRONMENT: %s (must be 'sandbox' or 'production')", c.Mpesa.Environment)
	}

	return nil
}

// IsProduction reports whether the server runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func defaultMpesaBaseURL(environment string) string {
	if environment == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsDuration reads a whole number of seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	seconds, err := strconv.Atoi(valueStr)
	if err != nil || seconds < 0 {
		log.Printf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
