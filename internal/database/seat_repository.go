package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// LockOutcome classifies the result of a lock attempt
type LockOutcome int

const (
	LockGranted LockOutcome = iota
	LockSeatMissing
	LockSeatBooked
	LockTripInactive
	LockHeldByOther
)

// LockAttempt is the result of SeatRepository.LockSeat
type LockAttempt struct {
	Outcome    LockOutcome
	LockExpiry time.Time
}

// SeatRepository owns every mutation of trip_seats lock columns
type SeatRepository struct {
	db *sqlx.DB
}

// NewSeatRepository creates a new SeatRepository
func NewSeatRepository(db *sqlx.DB) *SeatRepository {
	return &SeatRepository{db: db}
}

// ============================================================================
// LOCKING
// ============================================================================

// LockSeat grants userID a lock on (tripID, seatNumber) for duration.
// Expired locks on the trip and any other lock held by the user are cleared in
// the same transaction. When the seat cannot be taken the transaction is rolled
// back so the user's previous lock survives.
func (r *SeatRepository) LockSeat(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID, duration time.Duration) (*LockAttempt, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	clearExpired := `
		UPDATE trip_seats
		SET locked_by = NULL, lock_expiry = NULL, updated_at = NOW()
		WHERE trip_id = $1 AND locked_by IS NOT NULL AND lock_expiry < NOW()`
	if _, err := tx.ExecContext(ctx, clearExpired, tripID); err != nil {
		return nil, fmt.Errorf("failed to clear expired locks: %w", err)
	}

	clearOwn := `
		UPDATE trip_seats
		SET locked_by = NULL, lock_expiry = NULL, updated_at = NOW()
		WHERE locked_by = $1 AND NOT (trip_id = $2 AND seat_number = $3)`
	if _, err := tx.ExecContext(ctx, clearOwn, userID, tripID, seatNumber); err != nil {
		return nil, fmt.Errorf("failed to clear previous user lock: %w", err)
	}

	// GREATEST ignores the NULL branch, so a re-lock never shortens the expiry
	acquire := `
		UPDATE trip_seats s
		SET locked_by = $3,
		    lock_expiry = GREATEST(NOW() + $4 * INTERVAL '1 second',
		                           CASE WHEN s.locked_by = $3 THEN s.lock_expiry END),
		    updated_at = NOW()
		FROM trips t
		WHERE s.trip_id = $1
		  AND s.seat_number = $2
		  AND t.id = s.trip_id
		  AND t.status = 'active'
		  AND s.is_booked = FALSE
		  AND (s.locked_by IS NULL OR s.lock_expiry < NOW() OR s.locked_by = $3)
		RETURNING s.lock_expiry`

	var expiry time.Time
	err = tx.QueryRowxContext(ctx, acquire, tripID, seatNumber, userID, duration.Seconds()).Scan(&expiry)
	if err == sql.ErrNoRows {
		outcome, holderExpiry, classifyErr := classifySeat(ctx, tx, tripID, seatNumber)
		if classifyErr != nil {
			return nil, classifyErr
		}
		return &LockAttempt{Outcome: outcome, LockExpiry: holderExpiry}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire seat lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit seat lock: %w", err)
	}
	return &LockAttempt{Outcome: LockGranted, LockExpiry: expiry}, nil
}

// classifySeat explains why the compare-and-set matched no row
func classifySeat(ctx context.Context, tx *sqlx.Tx, tripID uuid.UUID, seatNumber int) (LockOutcome, time.Time, error) {
	var row struct {
		IsBooked   bool       `db:"is_booked"`
		LockExpiry *time.Time `db:"lock_expiry"`
		TripStatus string     `db:"trip_status"`
	}
	query := `
		SELECT s.is_booked, s.lock_expiry, t.status AS trip_status
		FROM trip_seats s
		JOIN trips t ON t.id = s.trip_id
		WHERE s.trip_id = $1 AND s.seat_number = $2`

	err := tx.GetContext(ctx, &row, query, tripID, seatNumber)
	if err == sql.ErrNoRows {
		return LockSeatMissing, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to classify seat: %w", err)
	}

	switch {
	case row.IsBooked:
		return LockSeatBooked, time.Time{}, nil
	case row.TripStatus != string(models.TripStatusActive):
		return LockTripInactive, time.Time{}, nil
	default:
		var expiry time.Time
		if row.LockExpiry != nil {
			expiry = *row.LockExpiry
		}
		return LockHeldByOther, expiry, nil
	}
}

// ExtendLock stretches an unexpired lock held by userID to at least until
func (r *SeatRepository) ExtendLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID, until time.Time) (bool, error) {
	query := `
		UPDATE trip_seats
		SET lock_expiry = GREATEST(lock_expiry, $4), updated_at = NOW()
		WHERE trip_id = $1 AND seat_number = $2
		  AND locked_by = $3 AND is_booked = FALSE AND lock_expiry > NOW()`

	return execAffected(ctx, r.db, "extend seat lock", query, tripID, seatNumber, userID, until)
}

// ReleaseLock clears the lock only when userID holds it
func (r *SeatRepository) ReleaseLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (bool, error) {
	query := `
		UPDATE trip_seats
		SET locked_by = NULL, lock_expiry = NULL, updated_at = NOW()
		WHERE trip_id = $1 AND seat_number = $2 AND locked_by = $3`

	return execAffected(ctx, r.db, "release seat lock", query, tripID, seatNumber, userID)
}

// ReleaseExpiredLocks clears every lock whose expiry has passed
func (r *SeatRepository) ReleaseExpiredLocks(ctx context.Context) (int64, error) {
	query := `
		UPDATE trip_seats
		SET locked_by = NULL, lock_expiry = NULL, updated_at = NOW()
		WHERE locked_by IS NOT NULL AND lock_expiry < NOW() AND is_booked = FALSE`

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	return result.RowsAffected()
}

// ============================================================================
// READS
// ============================================================================

// GetSeatDetail retrieves a seat with its trip, returning nil when unknown
func (r *SeatRepository) GetSeatDetail(ctx context.Context, tripID uuid.UUID, seatNumber int) (*models.SeatDetail, error) {
	var detail models.SeatDetail
	query := `
		SELECT s.trip_id, s.seat_number, s.is_booked, s.locked_by, s.lock_expiry,
		       s.booked_by, s.booking_time, s.updated_at,
		       t.registration_number, t.departure_time, t.status AS trip_status
		FROM trip_seats s
		JOIN trips t ON t.id = s.trip_id
		WHERE s.trip_id = $1 AND s.seat_number = $2`

	err := r.db.GetContext(ctx, &detail, query, tripID, seatNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get seat: %w", err)
	}
	return &detail, nil
}

// GetUserLock returns the unexpired lock held by userID, or nil
func (r *SeatRepository) GetUserLock(ctx context.Context, userID uuid.UUID) (*models.UserLock, error) {
	var lock models.UserLock
	query := `
		SELECT s.trip_id, s.seat_number, s.lock_expiry, t.base_fare, t.route_id
		FROM trip_seats s
		JOIN trips t ON t.id = s.trip_id
		WHERE s.locked_by = $1 AND s.lock_expiry > NOW() AND s.is_booked = FALSE
		  AND t.status = 'active'`

	err := r.db.GetContext(ctx, &lock, query, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user lock: %w", err)
	}
	return &lock, nil
}

// execAffected runs an UPDATE and reports whether it matched any row
func execAffected(ctx context.Context, db sqlx.ExecerContext, op, query string, args ...interface{}) (bool, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
