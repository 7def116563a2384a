package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/domain"
)

const (
	limitByPhone = "phone"
	limitByUser  = "user"
)

// RateLimitService throttles STK push requests per phone number and per user
type RateLimitService struct {
	db     database.DB
	config config.RateLimitConfig
}

// NewRateLimitService creates a new rate limit service
func NewRateLimitService(db database.DB, cfg config.RateLimitConfig) *RateLimitService {
	return &RateLimitService{
		db:     db,
		config: cfg,
	}
}

// RateLimitError represents a rate limit exceeded error
type RateLimitError struct {
	Message    string
	RetryAfter time.Time
	Type       string // "phone" or "user"
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// AsConflict converts the error into the domain conflict the HTTP layer maps to 429
func (e *RateLimitError) AsConflict() error {
	return domain.ConflictError{
		Resource: "payment",
		Code:     domain.CodeRateLimited,
		Msg:      e.Message,
		Err:      e,
	}
}

// CheckPaymentRateLimit checks whether a phone number or user has exceeded
// the STK push limits
func (s *RateLimitService) CheckPaymentRateLimit(ctx context.Context, phone string, userID uuid.UUID) error {
	if phone != "" {
		count, lastRequest, err := s.getRequestCount(ctx, phone, limitByPhone, s.config.PhoneWindow)
		if err != nil {
			return fmt.Errorf("failed to check phone rate limit: %w", err)
		}

		if count >= s.config.MaxPhoneRequests {
			retryAfter := lastRequest.Add(s.config.PhoneWindow)
			return &RateLimitError{
				Message:    fmt.Sprintf("Too many payment requests for this phone number. Please try again after %s", retryAfter.Format("15:04:05")),
				RetryAfter: retryAfter,
				Type:       limitByPhone,
			}
		}
	}

	if userID != uuid.Nil {
		count, lastRequest, err := s.getRequestCount(ctx, userID.String(), limitByUser, s.config.UserWindow)
		if err != nil {
			return fmt.Errorf("failed to check user rate limit: %w", err)
		}

		if count >= s.config.MaxUserRequests {
			retryAfter := lastRequest.Add(s.config.UserWindow)
			return &RateLimitError{
				Message:    fmt.Sprintf("Too many payment requests. Please try again after %s", retryAfter.Format("15:04:05")),
				RetryAfter: retryAfter,
				Type:       limitByUser,
			}
		}
	}

	return nil
}

// getRequestCount gets the number of requests within the time window
func (s *RateLimitService) getRequestCount(ctx context.Context, identifier, identifierType string, window time.Duration) (int, time.Time, error) {
	windowStart := time.Now().Add(-window)

	query := `
		SELECT COUNT(*), COALESCE(MAX(created_at), NOW())
		FROM payment_rate_limits
		WHERE identifier = $1
		  AND identifier_type = $2
		  AND created_at > $3
	`

	var count int
	var lastRequest time.Time

	err := s.db.QueryRowContext(ctx, query, identifier, identifierType, windowStart).Scan(&count, &lastRequest)
	if err != nil && err != sql.ErrNoRows {
		return 0, time.Time{}, err
	}

	return count, lastRequest, nil
}

// RecordPaymentRequest records an STK push attempt for rate limiting
func (s *RateLimitService) RecordPaymentRequest(ctx context.Context, phone string, userID uuid.UUID) error {
	if phone != "" {
		if err := s.recordRequest(ctx, phone, limitByPhone); err != nil {
			return fmt.Errorf("failed to record phone request: %w", err)
		}
	}

	if userID != uuid.Nil {
		if err := s.recordRequest(ctx, userID.String(), limitByUser); err != nil {
			return fmt.Errorf("failed to record user request: %w", err)
		}
	}

	return nil
}

func (s *RateLimitService) recordRequest(ctx context.Context, identifier, identifierType string) error {
	query := `
		INSERT INTO payment_rate_limits (identifier, identifier_type, created_at)
		VALUES ($1, $2, NOW())
	`

	_, err := s.db.ExecContext(ctx, query, identifier, identifierType)
	return err
}

// CleanupExpiredRateLimits removes rows older than the longest window
func (s *RateLimitService) CleanupExpiredRateLimits(ctx context.Context) (int64, error) {
	maxWindow := s.config.UserWindow
	if s.config.PhoneWindow > maxWindow {
		maxWindow = s.config.PhoneWindow
	}

	cutoffTime := time.Now().Add(-maxWindow)

	query := `
		DELETE FROM payment_rate_limits
		WHERE created_at < $1
	`

	result, err := s.db.ExecContext(ctx, query, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup rate limits: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
