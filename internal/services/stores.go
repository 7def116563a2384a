package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// Storage contracts consumed by the services. The sqlx repositories in
// internal/database satisfy them; tests substitute in-memory fakes.

type RouteStore interface {
	Create(ctx context.Context, route *models.Route) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Route, error)
	ListActive(ctx context.Context) ([]models.Route, error)
}

type TripStore interface {
	CreateWithSeats(ctx context.Context, trip *models.Trip) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Trip, error)
	GetSeats(ctx context.Context, tripID uuid.UUID) ([]models.Seat, error)
	ListByRoute(ctx context.Context, routeID uuid.UUID) ([]models.Trip, error)
	ListUpcoming(ctx context.Context, now time.Time, limit int) ([]models.TripWithRoute, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

type SeatStore interface {
	LockSeat(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID, duration time.Duration) (*database.LockAttempt, error)
	ExtendLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID, until time.Time) (bool, error)
	ReleaseLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (bool, error)
	ReleaseExpiredLocks(ctx context.Context) (int64, error)
	GetSeatDetail(ctx context.Context, tripID uuid.UUID, seatNumber int) (*models.SeatDetail, error)
	GetUserLock(ctx context.Context, userID uuid.UUID) (*models.UserLock, error)
}

type PaymentSessionStore interface {
	Create(ctx context.Context, session *models.PaymentSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PaymentSession, error)
	GetActiveForUser(ctx context.Context, userID uuid.UUID) (*models.PaymentSession, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.PaymentSession, error)

	MarkSTKPushed(ctx context.Context, id uuid.UUID, checkoutRequestID, merchantRequestID, providerResponse string) (bool, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, resultCode int, description string) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result *models.ProviderResult) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, resultCode *int, description string) (bool, error)
	MarkExpired(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCancelled(ctx context.Context, id, userID uuid.UUID) (bool, error)
	MarkRefundRequired(ctx context.Context, id uuid.UUID, reason string) (bool, error)

	AppendError(ctx context.Context, id uuid.UUID, message string) error
	IncrementVerificationAttempts(ctx context.Context, id uuid.UUID) error
	ListExpiredNonTerminal(ctx context.Context, limit int) ([]models.PaymentSession, error)
	ListCompletedWithoutBooking(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentSession, error)
}

type BookingStore interface {
	Finalize(ctx context.Context, booking *models.Booking) error
	GetByPaymentSessionID(ctx context.Context, sessionID uuid.UUID) (*models.Booking, error)
	GetWithTrip(ctx context.Context, id uuid.UUID) (*models.BookingWithTrip, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.BookingWithTrip, error)
	ListByTrip(ctx context.Context, tripID uuid.UUID) ([]models.Booking, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Booking, error)
}

type TaskStore interface {
	Enqueue(ctx context.Context, task *models.ReconciliationTask) error
	ClaimDue(ctx context.Context, limit int) ([]models.ReconciliationTask, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	ReclaimStuck(ctx context.Context, claimTimeout time.Duration) (int64, error)
	PruneFinished(ctx context.Context, retention time.Duration) (int64, error)
	CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error)
}

type AuditStore interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
	GetBySessionID(ctx context.Context, sessionID uuid.UUID) ([]*models.PaymentAudit, error)
}

// PaymentRateLimiter is satisfied by *RateLimitService
type PaymentRateLimiter interface {
	CheckPaymentRateLimit(ctx context.Context, phone string, userID uuid.UUID) error
	RecordPaymentRequest(ctx context.Context, phone string, userID uuid.UUID) error
}
