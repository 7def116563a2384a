package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventSTKPushRequest   PaymentEventType = "stk_push_request"
	PaymentEventSTKPushResponse  PaymentEventType = "stk_push_response"
	PaymentEventCallbackReceived PaymentEventType = "callback_received"
	PaymentEventStatusQuery      PaymentEventType = "status_query"
	PaymentEventTransition       PaymentEventType = "status_transition"
	PaymentEventBookingConfirmed PaymentEventType = "booking_confirmed"
	PaymentEventRefundRequired   PaymentEventType = "refund_required"
	PaymentEventAmountMismatch   PaymentEventType = "amount_mismatch"
	PaymentEventCallbackRejected PaymentEventType = "callback_rejected"
	PaymentEventError            PaymentEventType = "error"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourceBackend   PaymentEventSource = "backend"
	PaymentSourceCallback  PaymentEventSource = "mpesa_callback"
	PaymentSourceGateway   PaymentEventSource = "mpesa_api"
	PaymentSourceUser      PaymentEventSource = "user"
	PaymentSourceScheduler PaymentEventSource = "scheduler"
)

// PaymentAudit is an immutable audit log entry for a payment event
type PaymentAudit struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	PaymentSessionID  *uuid.UUID `json:"payment_session_id,omitempty" db:"payment_session_id"`
	CheckoutRequestID *string    `json:"checkout_request_id,omitempty" db:"checkout_request_id"`

	EventType   PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource PaymentEventSource `json:"event_source" db:"event_source"`

	ExpectedAmount *float64 `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *float64 `json:"received_amount,omitempty" db:"received_amount"`
	AmountsMatch   *bool    `json:"amounts_match,omitempty" db:"amounts_match"`

	PaymentStatus *string `json:"payment_status,omitempty" db:"payment_status"`
	ResultCode    *int    `json:"result_code,omitempty" db:"result_code"`

	RequestPayload  JSONB   `json:"request_payload,omitempty" db:"request_payload"`
	ResponsePayload JSONB   `json:"response_payload,omitempty" db:"response_payload"`
	RawBody         *string `json:"raw_body,omitempty" db:"raw_body"`
	HTTPStatusCode  *int    `json:"http_status_code,omitempty" db:"http_status_code"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
	IsDuplicate  bool    `json:"is_duplicate" db:"is_duplicate"`

	IPAddress     *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent     *string `json:"user_agent,omitempty" db:"user_agent"`
	DeviceType    *string `json:"device_type,omitempty" db:"device_type"`
	CorrelationID *string `json:"correlation_id,omitempty" db:"correlation_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetSession links the audit to a payment session
func (pa *PaymentAudit) SetSession(sessionID uuid.UUID) *PaymentAudit {
	pa.PaymentSessionID = &sessionID
	return pa
}

// SetCheckout sets the provider checkout reference
func (pa *PaymentAudit) SetCheckout(checkoutID string) *PaymentAudit {
	if checkoutID != "" {
		pa.CheckoutRequestID = &checkoutID
	}
	return pa
}

// SetAmounts records expected and received amounts and returns whether they match
func (pa *PaymentAudit) SetAmounts(expected, received float64) bool {
	pa.ExpectedAmount = &expected
	pa.ReceivedAmount = &received

	const tolerance = 0.01
	diff := expected - received
	if diff < 0 {
		diff = -diff
	}
	match := diff < tolerance
	pa.AmountsMatch = &match
	return match
}

// SetPaymentStatus records the session status at the time of the event
func (pa *PaymentAudit) SetPaymentStatus(status PaymentStatus) *PaymentAudit {
	s := string(status)
	pa.PaymentStatus = &s
	return pa
}

// SetResultCode records the provider result code
func (pa *PaymentAudit) SetResultCode(code int) *PaymentAudit {
	pa.ResultCode = &code
	return pa
}

// SetError sets error information
func (pa *PaymentAudit) SetError(message string) *PaymentAudit {
	pa.ErrorMessage = &message
	return pa
}

// SetRawBody stores the raw body before parsing
func (pa *PaymentAudit) SetRawBody(body string) *PaymentAudit {
	pa.RawBody = &body
	return pa
}

// SetHTTPStatus sets the HTTP status code of a gateway exchange
func (pa *PaymentAudit) SetHTTPStatus(statusCode int) *PaymentAudit {
	pa.HTTPStatusCode = &statusCode
	return pa
}

// SetRequestPayload sets the request payload sent
func (pa *PaymentAudit) SetRequestPayload(payload map[string]interface{}) *PaymentAudit {
	pa.RequestPayload = JSONB(payload)
	return pa
}

// SetResponsePayload sets the response payload received
func (pa *PaymentAudit) SetResponsePayload(payload map[string]interface{}) *PaymentAudit {
	pa.ResponsePayload = JSONB(payload)
	return pa
}

// SetMetadata sets caller metadata
func (pa *PaymentAudit) SetMetadata(ip, userAgent, deviceType, correlationID string) *PaymentAudit {
	if ip != "" {
		pa.IPAddress = &ip
	}
	if userAgent != "" {
		pa.UserAgent = &userAgent
	}
	if deviceType != "" {
		pa.DeviceType = &deviceType
	}
	if correlationID != "" {
		pa.CorrelationID = &correlationID
	}
	return pa
}

// MarkAsDuplicate marks this event as a duplicate delivery
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}
