package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// PAYMENT SESSION STATUSES
// ============================================================================

// PaymentStatus is the state of a payment session
type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "pending"         // Session created, push not yet accepted
	PaymentStatusSTKPushed      PaymentStatus = "stk_pushed"      // Gateway accepted the push request
	PaymentStatusProcessing     PaymentStatus = "processing"      // Provider reports the charge in flight
	PaymentStatusCompleted      PaymentStatus = "completed"       // Money received
	PaymentStatusFailed         PaymentStatus = "failed"          // Provider declined or push rejected
	PaymentStatusExpired        PaymentStatus = "expired"         // Nothing resolved before expires_at
	PaymentStatusRefundRequired PaymentStatus = "refund_required" // Paid but booking could not be written
	PaymentStatusCancelled      PaymentStatus = "cancelled"       // Abandoned by the user
)

// NonTerminalPaymentStatuses are the states a session may still leave
var NonTerminalPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusSTKPushed,
	PaymentStatusProcessing,
}

// IsTerminal reports whether no further transition may leave this status.
// completed is terminal for provider-driven transitions; only the booking
// finalizer may move it to refund_required.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSTKPushed, PaymentStatusProcessing:
		return false
	default:
		return true
	}
}

// ============================================================================
// PAYMENT SESSION
// ============================================================================

// PaymentSession is one attempt to pay for one locked seat
type PaymentSession struct {
	ID                   uuid.UUID     `json:"id" db:"id"`
	UserID               uuid.UUID     `json:"user_id" db:"user_id"`
	TripID               uuid.UUID     `json:"trip_id" db:"trip_id"`
	SeatNumber           int           `json:"seat_number" db:"seat_number"`
	Amount               float64       `json:"amount" db:"amount"`
	PhoneNumber          string        `json:"phone_number" db:"phone_number"`
	Status               PaymentStatus `json:"status" db:"status"`
	CheckoutRequestID    *string       `json:"checkout_request_id,omitempty" db:"checkout_request_id"`
	MerchantRequestID    *string       `json:"merchant_request_id,omitempty" db:"merchant_request_id"`
	ProviderResponse     *string       `json:"provider_response,omitempty" db:"provider_response"`
	ResultCode           *int          `json:"result_code,omitempty" db:"result_code"`
	ReceiptNumber        *string       `json:"receipt_number,omitempty" db:"receipt_number"`
	TransactionDate      *time.Time    `json:"transaction_date,omitempty" db:"transaction_date"`
	ExpiresAt            time.Time     `json:"expires_at" db:"expires_at"`
	VerificationAttempts int           `json:"verification_attempts" db:"verification_attempts"`
	ErrorLog             ErrorLog      `json:"error_log" db:"error_log"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// IsExpired reports whether the session's absolute expiry has passed
func (p *PaymentSession) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

// Checkout returns the provider checkout reference or ""
func (p *PaymentSession) Checkout() string {
	if p.CheckoutRequestID == nil {
		return ""
	}
	return *p.CheckoutRequestID
}

// PaymentSessionView is the owner-facing projection of a session
type PaymentSessionView struct {
	ID                uuid.UUID     `json:"id"`
	TripID            uuid.UUID     `json:"trip_id"`
	SeatNumber        int           `json:"seat_number"`
	Amount            float64       `json:"amount"`
	PhoneNumber       string        `json:"phone_number"`
	Status            PaymentStatus `json:"status"`
	CheckoutRequestID string        `json:"checkout_request_id,omitempty"`
	ReceiptNumber     *string       `json:"receipt_number,omitempty"`
	Message           string        `json:"message,omitempty"`
	ExpiresAt         time.Time     `json:"expires_at"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	BookingID         *uuid.UUID    `json:"booking_id,omitempty"`
}

// ToView builds the owner-facing projection
func (p *PaymentSession) ToView() *PaymentSessionView {
	view := &PaymentSessionView{
		ID:                p.ID,
		TripID:            p.TripID,
		SeatNumber:        p.SeatNumber,
		Amount:            p.Amount,
		PhoneNumber:       p.PhoneNumber,
		Status:            p.Status,
		CheckoutRequestID: p.Checkout(),
		ReceiptNumber:     p.ReceiptNumber,
		ExpiresAt:         p.ExpiresAt,
		CreatedAt:         p.CreatedAt,
		CompletedAt:       p.CompletedAt,
	}
	if p.ProviderResponse != nil {
		view.Message = *p.ProviderResponse
	}
	return view
}

// ============================================================================
// PROVIDER RESULT (provider-neutral)
// ============================================================================

// ProviderOutcome is the normalised meaning of a provider result code
type ProviderOutcome string

const (
	ProviderOutcomeSuccess ProviderOutcome = "success"
	ProviderOutcomeFailed  ProviderOutcome = "failed"
	ProviderOutcomePending ProviderOutcome = "pending"
)

// ProviderResult is a callback or status query translated out of the
// provider's wire format
type ProviderResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	Outcome           ProviderOutcome
	ResultCode        int
	Description       string
	ReceiptNumber     string
	TransactionDate   *time.Time
	Amount            *float64
	PhoneNumber       string
}

// InitiatePaymentRequest is the body of POST /payments
type InitiatePaymentRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// RequestMeta carries caller details recorded on the payment audit trail
type RequestMeta struct {
	IPAddress     string
	UserAgent     string
	CorrelationID string
}
