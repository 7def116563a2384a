package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/domain"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// SeatLockService grants, inspects and releases temporary seat locks.
// Correctness rests on the conditional UPDATE in SeatRepository.LockSeat and
// the unique index on locked_by; nothing here holds an in-process lock.
type SeatLockService struct {
	seatRepo     SeatStore
	sessionRepo  PaymentSessionStore
	lockDuration time.Duration
	logger       *logrus.Logger
	now          func() time.Time
}

// NewSeatLockService creates a new seat lock service
func NewSeatLockService(seatRepo SeatStore, sessionRepo PaymentSessionStore, lockDuration time.Duration, logger *logrus.Logger) *SeatLockService {
	return &SeatLockService{
		seatRepo:     seatRepo,
		sessionRepo:  sessionRepo,
		lockDuration: lockDuration,
		logger:       logger,
		now:          time.Now,
	}
}

// LockSeat gives userID a lock on the seat. Any other lock the user holds is
// released in the same transaction; re-locking one's own seat refreshes it.
func (s *SeatLockService) LockSeat(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (*models.LockResult, error) {
	if seatNumber <= 0 {
		return nil, domain.ValidationError{Field: "seat_number", Msg: "must be positive"}
	}

	active, err := s.sessionRepo.GetActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		seatLocksRefused.WithLabelValues("active_payment").Inc()
		return nil, domain.ConflictError{
			Resource: "seat",
			Code:     domain.CodeActivePayment,
			Msg:      "finish or cancel your current payment before choosing another seat",
		}
	}

	log := s.logger.WithFields(logrus.Fields{
		"trip_id":     tripID,
		"seat_number": seatNumber,
		"user_id":     userID,
	})

	attempt, err := s.seatRepo.LockSeat(ctx, tripID, seatNumber, userID, s.lockDuration)
	if err != nil {
		if database.ViolatedConstraint(err) == database.ConstraintSeatLockOwner {
			seatLocksRefused.WithLabelValues("concurrent").Inc()
			return nil, domain.ConflictError{
				Resource: "seat",
				Code:     domain.CodeSeatLocked,
				Msg:      "another lock request for this user is in progress",
				Err:      err,
			}
		}
		log.WithError(err).Error("Failed to lock seat")
		return nil, err
	}

	switch attempt.Outcome {
	case database.LockGranted:
		seatLocksGranted.Inc()
		log.WithField("lock_expiry", attempt.LockExpiry).Info("Seat locked")
		return &models.LockResult{
			TripID:     tripID,
			SeatNumber: seatNumber,
			LockExpiry: attempt.LockExpiry,
		}, nil
	case database.LockSeatMissing:
		seatLocksRefused.WithLabelValues("not_found").Inc()
		return nil, domain.NotFoundError{Resource: "seat"}
	case database.LockSeatBooked:
		seatLocksRefused.WithLabelValues("booked").Inc()
		return nil, domain.ConflictError{Resource: "seat", Code: domain.CodeSeatUnavailable, Msg: "seat is already booked"}
	case database.LockTripInactive:
		seatLocksRefused.WithLabelValues("trip_inactive").Inc()
		return nil, domain.ConflictError{Resource: "seat", Code: domain.CodeSeatUnavailable, Msg: "trip is not open for booking"}
	default:
		seatLocksRefused.WithLabelValues("locked").Inc()
		return nil, domain.ConflictError{Resource: "seat", Code: domain.CodeSeatLocked, Msg: "seat is temporarily held by another rider"}
	}
}

// CheckSeatStatus reports the seat's state relative to userID. An expired
// lock reads as available even before the sweep clears it.
func (s *SeatLockService) CheckSeatStatus(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (*models.SeatStatusResult, error) {
	detail, err := s.seatRepo.GetSeatDetail(ctx, tripID, seatNumber)
	if err != nil {
		return nil, err
	}
	if detail == nil {
		return nil, domain.NotFoundError{Resource: "seat"}
	}

	now := s.now()
	availability := detail.Seat.AvailabilityFor(userID, now)
	departure := detail.DepartureTime

	result := &models.SeatStatusResult{
		TripID:       tripID,
		SeatNumber:   seatNumber,
		Status:       availability,
		LockedByYou:  availability == models.SeatLockedByYou,
		Registration: detail.RegistrationNumber,
		Departure:    &departure,
	}
	if availability == models.SeatLockedByYou || availability == models.SeatLockedByOther {
		result.LockExpiry = detail.LockExpiry
	}
	return result, nil
}

// ReleaseLock clears the user's lock on the seat. Releasing a lock the user
// does not hold is a no-op.
func (s *SeatLockService) ReleaseLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (bool, error) {
	released, err := s.seatRepo.ReleaseLock(ctx, tripID, seatNumber, userID)
	if err != nil {
		return false, err
	}
	if released {
		s.logger.WithFields(logrus.Fields{
			"trip_id":     tripID,
			"seat_number": seatNumber,
			"user_id":     userID,
		}).Info("Seat lock released")
	}
	return released, nil
}

// ExtendLock stretches the user's unexpired lock to until. Locks are never
// shortened.
func (s *SeatLockService) ExtendLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID, until time.Time) (bool, error) {
	return s.seatRepo.ExtendLock(ctx, tripID, seatNumber, userID, until)
}

// ReleaseExpiredLocks clears every lock whose expiry has passed
func (s *SeatLockService) ReleaseExpiredLocks(ctx context.Context) (int64, error) {
	n, err := s.seatRepo.ReleaseExpiredLocks(ctx)
	if err != nil {
		return 0, err
	}
	seatLocksExpired.Add(float64(n))
	return n, nil
}

// CurrentLock returns the single unexpired lock the user holds, or nil
func (s *SeatLockService) CurrentLock(ctx context.Context, userID uuid.UUID) (*models.UserLock, error) {
	return s.seatRepo.GetUserLock(ctx, userID)
}
