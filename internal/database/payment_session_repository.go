package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// PaymentSessionRepository persists payment sessions. Every status change is a
// conditional UPDATE guarded by the set of statuses it may leave from.
type PaymentSessionRepository struct {
	db *sqlx.DB
}

// NewPaymentSessionRepository creates a new PaymentSessionRepository
func NewPaymentSessionRepository(db *sqlx.DB) *PaymentSessionRepository {
	return &PaymentSessionRepository{db: db}
}

const paymentSessionColumns = `
	id, user_id, trip_id, seat_number, amount, phone_number, status,
	checkout_request_id, merchant_request_id, provider_response, result_code,
	receipt_number, transaction_date, expires_at, verification_attempts,
	error_log, created_at, updated_at, completed_at`

// ============================================================================
// CREATE / READ
// ============================================================================

// Create inserts a pending session. A unique violation on
// ConstraintActiveSession means the user already has a session in flight.
func (r *PaymentSessionRepository) Create(ctx context.Context, session *models.PaymentSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	session.CreatedAt = time.Now()
	session.UpdatedAt = session.CreatedAt
	if session.Status == "" {
		session.Status = models.PaymentStatusPending
	}
	if session.ErrorLog == nil {
		session.ErrorLog = models.ErrorLog{}
	}

	query := `
		INSERT INTO payment_sessions (
			id, user_id, trip_id, seat_number, amount, phone_number, status,
			expires_at, verification_attempts, error_log, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.TripID, session.SeatNumber, session.Amount,
		session.PhoneNumber, session.Status, session.ExpiresAt, session.ErrorLog,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment session: %w", err)
	}
	return nil
}

// GetByID retrieves a session, returning nil when it does not exist
func (r *PaymentSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

// GetByCheckoutRequestID retrieves a session by its provider reference
func (r *PaymentSessionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PaymentSession, error) {
	return r.getOne(ctx, `WHERE checkout_request_id = $1`, checkoutRequestID)
}

// GetActiveForUser returns the user's non-terminal session, or nil
func (r *PaymentSessionRepository) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*models.PaymentSession, error) {
	return r.getOne(ctx, `WHERE user_id = $1 AND status = ANY($2::text[])`,
		userID, statusArray(models.NonTerminalPaymentStatuses...))
}

func (r *PaymentSessionRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.PaymentSession, error) {
	var session models.PaymentSession
	query := `SELECT ` + paymentSessionColumns + ` FROM payment_sessions ` + where

	err := r.db.GetContext(ctx, &session, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment session: %w", err)
	}
	return &session, nil
}

// ListByUser returns a user's sessions, newest first
func (r *PaymentSessionRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.PaymentSession, error) {
	sessions := []models.PaymentSession{}
	query := `SELECT ` + paymentSessionColumns + `
		FROM payment_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	if err := r.db.SelectContext(ctx, &sessions, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list payment sessions: %w", err)
	}
	return sessions, nil
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// MarkSTKPushed records the provider references of an accepted push
func (r *PaymentSessionRepository) MarkSTKPushed(ctx context.Context, id uuid.UUID, checkoutRequestID, merchantRequestID, providerResponse string) (bool, error) {
	return r.transition(ctx, id, models.PaymentStatusSTKPushed,
		[]models.PaymentStatus{models.PaymentStatusPending},
		`checkout_request_id = $4, merchant_request_id = $5, provider_response = $6`,
		checkoutRequestID, merchantRequestID, providerResponse)
}

// MarkProcessing records that the provider reports the charge in flight
func (r *PaymentSessionRepository) MarkProcessing(ctx context.Context, id uuid.UUID, resultCode int, description string) (bool, error) {
	return r.transition(ctx, id, models.PaymentStatusProcessing,
		[]models.PaymentStatus{models.PaymentStatusSTKPushed},
		`result_code = $4, provider_response = $5`,
		resultCode, description)
}

// MarkCompleted records a successful payment
func (r *PaymentSessionRepository) MarkCompleted(ctx context.Context, id uuid.UUID, result *models.ProviderResult) (bool, error) {
	var receipt *string
	if result.ReceiptNumber != "" {
		receipt = &result.ReceiptNumber
	}
	return r.transition(ctx, id, models.PaymentStatusCompleted,
		[]models.PaymentStatus{models.PaymentStatusSTKPushed, models.PaymentStatusProcessing},
		`result_code = $4, provider_response = $5, receipt_number = $6,
		 transaction_date = $7, completed_at = NOW()`,
		result.ResultCode, result.Description, receipt, result.TransactionDate)
}

// MarkFailed records a provider decline or a rejected push
func (r *PaymentSessionRepository) MarkFailed(ctx context.Context, id uuid.UUID, resultCode *int, description string) (bool, error) {
	return r.transition(ctx, id, models.PaymentStatusFailed,
		models.NonTerminalPaymentStatuses,
		`result_code = COALESCE($4, result_code), provider_response = $5`,
		resultCode, description)
}

// MarkExpired moves a session whose expiry has passed to expired
func (r *PaymentSessionRepository) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transitionWhere(ctx, id, models.PaymentStatusExpired,
		models.NonTerminalPaymentStatuses,
		`provider_response = COALESCE(provider_response, 'Payment window elapsed')`,
		`AND expires_at < NOW()`)
}

// MarkCancelled lets the owner abandon a session before money moves
func (r *PaymentSessionRepository) MarkCancelled(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	return r.transitionWhere(ctx, id, models.PaymentStatusCancelled,
		[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusSTKPushed},
		`provider_response = 'Cancelled by user'`,
		`AND user_id = $4`, userID)
}

// MarkRefundRequired is the compensating transition out of completed
func (r *PaymentSessionRepository) MarkRefundRequired(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return r.transition(ctx, id, models.PaymentStatusRefundRequired,
		[]models.PaymentStatus{models.PaymentStatusCompleted},
		`error_log = error_log || jsonb_build_array(jsonb_build_object('message', $4::text, 'timestamp', NOW()))`,
		reason)
}

func (r *PaymentSessionRepository) transition(ctx context.Context, id uuid.UUID, to models.PaymentStatus, from []models.PaymentStatus, set string, args ...interface{}) (bool, error) {
	return r.transitionWhere(ctx, id, to, from, set, "", args...)
}

// transitionWhere builds UPDATE ... SET status=$2 WHERE id=$1 AND status=ANY($3).
// Extra SET and WHERE fragments number their placeholders from $4.
func (r *PaymentSessionRepository) transitionWhere(ctx context.Context, id uuid.UUID, to models.PaymentStatus, from []models.PaymentStatus, set, where string, args ...interface{}) (bool, error) {
	query := `UPDATE payment_sessions SET status = $2, updated_at = NOW()`
	if set != "" {
		query += `, ` + set
	}
	query += ` WHERE id = $1 AND status = ANY($3::text[]) ` + where

	params := append([]interface{}{id, to, statusArray(from...)}, args...)
	return execAffected(ctx, r.db, fmt.Sprintf("move payment session to %s", to), query, params...)
}

// ============================================================================
// BOOKKEEPING
// ============================================================================

// AppendError adds an entry to the session's error log
func (r *PaymentSessionRepository) AppendError(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE payment_sessions
		SET error_log = error_log || jsonb_build_array(jsonb_build_object('message', $2::text, 'timestamp', NOW())),
		    updated_at = NOW()
		WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, message); err != nil {
		return fmt.Errorf("failed to append payment error: %w", err)
	}
	return nil
}

// IncrementVerificationAttempts bumps the poll counter
func (r *PaymentSessionRepository) IncrementVerificationAttempts(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE payment_sessions
		SET verification_attempts = verification_attempts + 1, updated_at = NOW()
		WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to increment verification attempts: %w", err)
	}
	return nil
}

// ============================================================================
// SWEEPS
// ============================================================================

// ListExpiredNonTerminal returns unresolved sessions whose expiry has passed
func (r *PaymentSessionRepository) ListExpiredNonTerminal(ctx context.Context, limit int) ([]models.PaymentSession, error) {
	sessions := []models.PaymentSession{}
	query := `SELECT ` + paymentSessionColumns + `
		FROM payment_sessions
		WHERE status = ANY($1::text[]) AND expires_at < NOW()
		ORDER BY expires_at
		LIMIT $2`

	err := r.db.SelectContext(ctx, &sessions, query, statusArray(models.NonTerminalPaymentStatuses...), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired payment sessions: %w", err)
	}
	return sessions, nil
}

// ListCompletedWithoutBooking returns paid sessions that never produced a
// booking and were completed before olderThan
func (r *PaymentSessionRepository) ListCompletedWithoutBooking(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentSession, error) {
	sessions := []models.PaymentSession{}
	query := `SELECT ` + paymentSessionColumns + `
		FROM payment_sessions ps
		WHERE ps.status = 'completed'
		  AND ps.completed_at < $1
		  AND NOT EXISTS (SELECT 1 FROM bookings b WHERE b.payment_session_id = ps.id)
		ORDER BY ps.completed_at
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &sessions, query, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list orphaned payments: %w", err)
	}
	return sessions, nil
}

func statusArray(statuses ...models.PaymentStatus) interface{} {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return pq.Array(values)
}
