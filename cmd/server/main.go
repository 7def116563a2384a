package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/handlers"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/services"
	"github.com/smarttransit/seat-booking-backend/pkg/jwt"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// callbackTries is how many times a queued M-Pesa callback is re-applied
// before the task is parked as failed
const callbackTries = 5

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting SmartTransit Seat Booking Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := database.Migrate(migrateCtx, db.DB); err != nil {
			cancel()
			logger.Fatalf("Failed to migrate schema: %v", err)
		}
		cancel()
		logger.Info("Database schema up to date")
	}

	// Repositories
	routeRepo := database.NewRouteRepository(db.DB)
	tripRepo := database.NewTripRepository(db.DB)
	seatRepo := database.NewSeatRepository(db.DB)
	sessionRepo := database.NewPaymentSessionRepository(db.DB)
	bookingRepo := database.NewBookingRepository(db.DB)
	taskRepo := database.NewReconciliationTaskRepository(db.DB)
	auditRepo := database.NewPaymentAuditRepository(db.DB, logger)

	// Notifications go to RabbitMQ when a broker is configured
	var notifier services.Notifier = services.NewLogNotifier(logger)
	if cfg.RabbitMQ.URL != "" {
		rabbit, err := services.NewRabbitMQNotifier(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.WithError(err).Warn("RabbitMQ unavailable, booking notifications will only be logged")
		} else {
			defer rabbit.Close()
			notifier = rabbit
		}
	}

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	rateLimiter := services.NewRateLimitService(db, cfg.RateLimit)
	gateway := services.NewMpesaGateway(cfg.Mpesa, logger)

	tripService := services.NewTripService(routeRepo, tripRepo, logger)
	seatLocks := services.NewSeatLockService(seatRepo, sessionRepo, cfg.Booking.LockDuration, logger)
	finalizer := services.NewBookingFinalizer(bookingRepo, tripRepo, sessionRepo, auditRepo, notifier, logger)
	payments := services.NewPaymentSessionService(
		sessionRepo,
		seatRepo,
		bookingRepo,
		taskRepo,
		auditRepo,
		gateway,
		rateLimiter,
		finalizer,
		notifier,
		services.NewPaymentSessionConfig(cfg.Booking, cfg.Reconcile),
		logger,
	)
	taskWorker := services.NewTaskWorker(taskRepo, payments, cfg.Reconcile, logger)
	scheduler := services.NewReconciliationScheduler(seatLocks, payments, finalizer, taskRepo, rateLimiter, cfg.Reconcile, logger)
	logger.Info("Services initialized")

	redisClient := newRedisClient(cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Background work stops when rootCtx is cancelled
	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if cfg.Reconcile.Enabled {
		taskWorker.Start(rootCtx)
		if err := scheduler.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start reconciliation scheduler: %v", err)
		}
	} else {
		logger.Warn("Reconciliation disabled, expired locks and callbacks will not be processed")
	}

	router := setupRouter(routerDeps{
		cfg:         cfg,
		logger:      logger,
		jwtService:  jwtService,
		idempotency: middleware.NewRedisIdempotencyStore(redisClient),
		trips:       handlers.NewTripHandler(tripService, logger),
		seats:       handlers.NewSeatHandler(seatLocks, logger),
		payments:    handlers.NewPaymentHandler(payments, taskWorker, cfg.Mpesa.CallbackToken, callbackTries, logger),
		bookings:    handlers.NewBookingHandler(finalizer, logger),
		admin:       handlers.NewAdminHandler(scheduler, payments, logger),
		health:      handlers.NewHealthHandler(db, redisPinger(redisClient), version),
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second, // STK push waits on Daraja
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	// In-flight requests may still enqueue tasks, so the worker goes last
	logger.Info("Stopping reconciliation...")
	stopBackground()
	if cfg.Reconcile.Enabled {
		scheduler.Stop()
		taskWorker.Stop()
	}

	logger.Info("Server exited successfully")
}

type routerDeps struct {
	cfg         *config.Config
	logger      *logrus.Logger
	jwtService  *jwt.Service
	idempotency middleware.IdempotencyStore
	trips       *handlers.TripHandler
	seats       *handlers.SeatHandler
	payments    *handlers.PaymentHandler
	bookings    *handlers.BookingHandler
	admin       *handlers.AdminHandler
	health      *handlers.HealthHandler
}

func setupRouter(d routerDeps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(d.logger))

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     d.cfg.CORS.AllowedOrigins,
		AllowMethods:     d.cfg.CORS.AllowedMethods,
		AllowHeaders:     d.cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader, "Idempotent-Replayed", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check and metrics
	router.GET("/health", d.health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.AuthMiddleware(d.jwtService, d.logger)
	idempotent := middleware.Idempotency(d.idempotency, d.cfg.Redis.IdempotencyTTL, d.logger)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Public routes
		v1.GET("/trips", d.trips.ListUpcomingTrips)
		v1.GET("/trips/:id", d.trips.GetTrip)
		v1.GET("/routes/:id/trips", d.trips.ListRouteTrips)
		v1.GET("/bookings/verify", d.bookings.VerifyBooking)

		// Safaricom cannot send a bearer token; the handler checks ?token=
		v1.POST("/payments/callback", d.payments.Callback)

		// Rider routes (protected)
		rider := v1.Group("")
		rider.Use(auth)
		{
			rider.GET("/trips/:id/seats/:seat", d.seats.GetSeatStatus)
			rider.POST("/trips/:id/seats/:seat/lock", idempotent, d.seats.LockSeat)
			rider.DELETE("/trips/:id/seats/:seat/lock", d.seats.ReleaseLock)
			rider.GET("/locks/current", d.seats.GetCurrentLock)

			rider.POST("/payments", idempotent, d.payments.InitiatePayment)
			rider.GET("/payments", d.payments.ListPayments)
			rider.GET("/payments/:id", d.payments.GetPayment)
			rider.POST("/payments/:id/cancel", d.payments.CancelPayment)

			rider.GET("/bookings", d.bookings.ListMyBookings)
		}

		// Operator routes
		admin := v1.Group("/admin")
		admin.Use(auth, middleware.RequireRole(middleware.RoleAdmin))
		{
			admin.POST("/routes", d.trips.CreateRoute)
			admin.POST("/trips", d.trips.CreateTrip)
			admin.POST("/trips/:id/cancel", d.trips.CancelTrip)
			admin.GET("/trips/:id/bookings", d.bookings.ListTripBookings)
			admin.POST("/bookings/:id/cancel", d.bookings.CancelBooking)

			admin.POST("/reconcile", d.admin.RunReconcile)
			admin.GET("/reconcile/status", d.admin.GetReconcileStatus)
			admin.GET("/payments/:id/audit", d.admin.GetPaymentAudit)
		}
	}

	return router
}

// newRedisClient returns nil when Redis is not configured or unreachable.
// Idempotency replays are then disabled rather than failing every request.
func newRedisClient(cfg config.RedisConfig, logger *logrus.Logger) *redis.Client {
	if cfg.Addr == "" {
		logger.Warn("REDIS_ADDR not set, idempotency keys disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Redis unreachable, idempotency keys disabled")
		client.Close()
		return nil
	}

	logger.WithField("addr", cfg.Addr).Info("Redis connection established")
	return client
}

type redisHealth struct {
	client *redis.Client
}

func (r redisHealth) PingContext(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func redisPinger(client *redis.Client) handlers.Pinger {
	if client == nil {
		return nil
	}
	return redisHealth{client: client}
}
