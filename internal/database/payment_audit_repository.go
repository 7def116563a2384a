package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// PaymentAuditRepository handles payment audit operations
type PaymentAuditRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentAuditRepository creates a new payment audit repository
func NewPaymentAuditRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentAuditRepository {
	return &PaymentAuditRepository{
		db:     db,
		logger: logger,
	}
}

const auditColumns = `
	id, payment_session_id, checkout_request_id, event_type, event_source,
	expected_amount, received_amount, amounts_match, payment_status, result_code,
	request_payload, response_payload, raw_body, http_status_code, error_message,
	is_duplicate, ip_address, user_agent, device_type, correlation_id, created_at`

// Log appends an audit entry. Entries are never updated or deleted.
func (r *PaymentAuditRepository) Log(ctx context.Context, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO payment_audits (` + auditColumns + `
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21
		)`

	_, err := r.db.ExecContext(ctx, query,
		audit.ID, audit.PaymentSessionID, audit.CheckoutRequestID, audit.EventType, audit.EventSource,
		audit.ExpectedAmount, audit.ReceivedAmount, audit.AmountsMatch, audit.PaymentStatus, audit.ResultCode,
		audit.RequestPayload, audit.ResponsePayload, audit.RawBody, audit.HTTPStatusCode, audit.ErrorMessage,
		audit.IsDuplicate, audit.IPAddress, audit.UserAgent, audit.DeviceType, audit.CorrelationID, audit.CreatedAt,
	)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type":         audit.EventType,
			"payment_session_id": audit.PaymentSessionID,
		}).Error("CRITICAL: Failed to log payment audit")
		return fmt.Errorf("failed to log payment audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":   audit.ID,
		"event_type": audit.EventType,
	}).Debug("Payment audit logged")

	return nil
}

// GetBySessionID returns the audit trail of one session in order
func (r *PaymentAuditRepository) GetBySessionID(ctx context.Context, sessionID uuid.UUID) ([]*models.PaymentAudit, error) {
	var audits []*models.PaymentAudit
	query := `SELECT ` + auditColumns + `
		FROM payment_audits
		WHERE payment_session_id = $1
		ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &audits, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to get audits by session: %w", err)
	}
	return audits, nil
}
