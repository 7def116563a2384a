package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the handler a reconciliation task is dispatched to
type TaskType string

const (
	TaskProcessCallback TaskType = "process_callback"
	TaskVerifyPayment   TaskType = "verify_payment"
)

// TaskStatus is the queue state of a reconciliation task
type TaskStatus string

const (
	TaskStatusNew        TaskStatus = "new"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
)

// ReconciliationTask is a durable unit of deferred payment work
type ReconciliationTask struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	TaskType         TaskType   `json:"task_type" db:"task_type"`
	PaymentSessionID *uuid.UUID `json:"payment_session_id,omitempty" db:"payment_session_id"`
	Payload          JSONB      `json:"payload,omitempty" db:"payload"`
	Status           TaskStatus `json:"status" db:"status"`
	Attempts         int        `json:"attempts" db:"attempts"`
	MaxAttempts      int        `json:"max_attempts" db:"max_attempts"`
	RunAt            time.Time  `json:"run_at" db:"run_at"`
	LastError        *string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// NewReconciliationTask creates a task ready to run at runAt
func NewReconciliationTask(taskType TaskType, sessionID *uuid.UUID, payload JSONB, runAt time.Time, maxAttempts int) *ReconciliationTask {
	now := time.Now()
	return &ReconciliationTask{
		ID:               uuid.New(),
		TaskType:         taskType,
		PaymentSessionID: sessionID,
		Payload:          payload,
		Status:           TaskStatusNew,
		MaxAttempts:      maxAttempts,
		RunAt:            runAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// ExhaustedAfterFailure reports whether one more failure uses the last attempt
func (t *ReconciliationTask) ExhaustedAfterFailure() bool {
	return t.Attempts+1 >= t.MaxAttempts
}

// RawBody returns the stored callback body for process_callback tasks
func (t *ReconciliationTask) RawBody() string {
	if t.Payload == nil {
		return ""
	}
	body, _ := t.Payload["body"].(string)
	return body
}

// PushedCheckout returns the checkout reference a verify_payment task carries
// when the push was accepted but could not be recorded on the session
func (t *ReconciliationTask) PushedCheckout() (checkoutRequestID, merchantRequestID string) {
	if t.Payload == nil {
		return "", ""
	}
	checkoutRequestID, _ = t.Payload["checkout_request_id"].(string)
	merchantRequestID, _ = t.Payload["merchant_request_id"].(string)
	return checkoutRequestID, merchantRequestID
}
