package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		MaxPhoneRequests: 3,
		PhoneWindow:      10 * time.Minute,
		MaxUserRequests:  5,
		UserWindow:       time.Hour,
	}
}

func setupRateLimitTest(t *testing.T) (*RateLimitService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	postgresDB := &database.PostgresDB{DB: sqlxDB}
	service := NewRateLimitService(postgresDB, testRateLimitConfig())

	cleanup := func() {
		db.Close()
	}

	return service, mock, cleanup
}

func TestCheckPaymentRateLimit_NoRequests(t *testing.T) {
	service, mock, cleanup := setupRateLimitTest(t)
	defer cleanup()

	phone := "254712345678"
	userID := uuid.New()

	mock.ExpectQuery("SELECT COUNT(.+) FROM payment_rate_limits").
		WithArgs(phone, "phone", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "created_at"}).
			AddRow(0, time.Now()))

	mock.ExpectQuery("SELECT COUNT(.+) FROM payment_rate_limits").
		WithArgs(userID.String(), "user", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "created_at"}).
			AddRow(0, time.Now()))

	err := service.CheckPaymentRateLimit(context.Background(), phone, userID)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPaymentRateLimit_PhoneExceeded(t *testing.T) {
	service, mock, cleanup := setupRateLimitTest(t)
	defer cleanup()

	phone := "254712345678"
	lastRequest := time.Now().Add(-5 * time.Minute)

	mock.ExpectQuery("SELECT COUNT(.+) FROM payment_rate_limits").
		WithArgs(phone, "phone", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "created_at"}).
			AddRow(3, lastRequest))

	err := service.CheckPaymentRateLimit(context.Background(), phone, uuid.New())
	require.Error(t, err)

	var rateLimitErr *RateLimitError
	require.True(t, errors.As(err, &rateLimitErr))
	assert.Equal(t, "phone", rateLimitErr.Type)
	assert.Contains(t, rateLimitErr.Message, "Too many payment requests for this phone number")
	assert.True(t, rateLimitErr.RetryAfter.After(time.Now()))

	conflict := rateLimitErr.AsConflict()
	assert.Equal(t, domain.CodeRateLimited, domain.ConflictCode(conflict))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPaymentRateLimit_UserExceeded(t *testing.T) {
	service, mock, cleanup := setupRateLimitTest(t)
	defer cleanup()

	phone := "254712345678"
	userID := uuid.New()
	lastRequest := time.Now().Add(-30 * time.Minute)

	mock.ExpectQuery("SELECT COUNT(.+) FROM payment_rate_limits").
		WithArgs(phone, "phone", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "created_at"}).
			AddRow(1, time.Now()))

	mock.ExpectQuery("SELECT COUNT(.+) FROM payment_rate_limits").
		WithArgs(userID.String(), "user", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "created_at"}).
			AddRow(5, lastRequest))

	err := service.CheckPaymentRateLimit(context.Background(), phone, userID)
	require.Error(t, err)

	var rateLimitErr *RateLimitError
	require.True(t, errors.As(err, &rateLimitErr))
	assert.Equal(t, "user", rateLimitErr.Type)
	assert.WithinDuration(t, lastRequest.Add(time.Hour), rateLimitErr.RetryAfter, time.Second)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPaymentRequest(t *testing.T) {
	service, mock, cleanup := setupRateLimitTest(t)
	defer cleanup()

	phone := "254712345678"
	userID := uuid.New()

	mock.ExpectExec("INSERT INTO payment_rate_limits").
		WithArgs(phone, "phone").
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec("INSERT INTO payment_rate_limits").
		WithArgs(userID.String(), "user").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := service.RecordPaymentRequest(context.Background(), phone, userID)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPaymentRequest_Error(t *testing.T) {
	service, mock, cleanup := setupRateLimitTest(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO payment_rate_limits").
		WithArgs("254712345678", "phone").
		WillReturnError(errors.New("connection reset"))

	err := service.RecordPaymentRequest(context.Background(), "254712345678", uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record phone request")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpiredRateLimits(t *testing.T) {
	service, mock, cleanup := setupRateLimitTest(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM payment_rate_limits").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 12))

	deleted, err := service.CleanupExpiredRateLimits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
