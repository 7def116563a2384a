package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event names published to subscribers
const (
	EventBookingConfirmed = "booking_confirmed"
	EventSeatUpdate       = "seat_update"
	EventPaymentFailed    = "payment_failed"
	EventRefundRequired   = "refund_required"
)

// RoomOperators receives alerts that need a human
const RoomOperators = "operators"

// UserRoom is the room a single rider listens on
func UserRoom(userID uuid.UUID) string {
	return fmt.Sprintf("user-%s", userID)
}

// TripRoom is the room for live seat maps of one trip
func TripRoom(tripID uuid.UUID) string {
	return fmt.Sprintf("trip-%s", tripID)
}

// Notifier publishes best-effort events. Callers log failures and never
// roll back state because of them.
type Notifier interface {
	Publish(ctx context.Context, room, event string, payload interface{}) error
}

// LogNotifier writes events to the log when no broker is configured
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Publish logs the event
func (n *LogNotifier) Publish(ctx context.Context, room, event string, payload interface{}) error {
	n.logger.WithFields(logrus.Fields{
		"room":    room,
		"event":   event,
		"payload": payload,
	}).Info("Notification")
	return nil
}

// publish sends an event and logs instead of failing the caller
func publish(ctx context.Context, notifier Notifier, logger *logrus.Logger, room, event string, payload interface{}) {
	if notifier == nil {
		return
	}
	if err := notifier.Publish(ctx, room, event, payload); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"room":  room,
			"event": event,
		}).Warn("Failed to publish notification")
		notificationFailures.WithLabelValues(event).Inc()
	}
}
