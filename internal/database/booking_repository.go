package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// ErrSeatNotBookable is returned by Finalize when the seat flip matched no row:
// the seat is already booked or locked by another user.
var ErrSeatNotBookable = errors.New("seat is no longer bookable")

// BookingRepository handles booking database operations
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `
	b.id, b.trip_id, b.seat_number, b.user_id, b.route_id, b.payment_session_id,
	b.payment_reference, b.fare, b.travel_date, b.status, b.created_at,
	b.updated_at, b.cancelled_at`

// ============================================================================
// FINALIZATION
// ============================================================================

// Finalize flips the seat to booked and inserts the booking in one transaction.
// Any error leaves both tables untouched. Unique violations on the booking
// indexes are returned wrapped so callers can inspect ViolatedConstraint.
func (r *BookingRepository) Finalize(ctx context.Context, booking *models.Booking) error {
	booking.ID = uuid.New()
	booking.Status = models.BookingStatusConfirmed
	booking.CreatedAt = time.Now()
	booking.UpdatedAt = booking.CreatedAt

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	flip := `
		UPDATE trip_seats
		SET is_booked = TRUE, booked_by = $3, booking_time = NOW(),
		    locked_by = NULL, lock_expiry = NULL, updated_at = NOW()
		WHERE trip_id = $1 AND seat_number = $2 AND is_booked = FALSE
		  AND (locked_by IS NULL OR locked_by = $3 OR lock_expiry < NOW())`

	flipped, err := execAffected(ctx, tx, "mark seat booked", flip, booking.TripID, booking.SeatNumber, booking.UserID)
	if err != nil {
		return err
	}
	if !flipped {
		return ErrSeatNotBookable
	}

	insert := `
		INSERT INTO bookings (
			id, trip_id, seat_number, user_id, route_id, payment_session_id,
			payment_reference, fare, travel_date, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = tx.ExecContext(ctx, insert,
		booking.ID, booking.TripID, booking.SeatNumber, booking.UserID, booking.RouteID,
		booking.PaymentSessionID, booking.PaymentReference, booking.Fare, booking.TravelDate,
		booking.Status, booking.CreatedAt, booking.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}

	markFull := `
		UPDATE trips
		SET status = 'full', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		  AND NOT EXISTS (SELECT 1 FROM trip_seats WHERE trip_id = $1 AND is_booked = FALSE)`
	if _, err := tx.ExecContext(ctx, markFull, booking.TripID); err != nil {
		return fmt.Errorf("failed to update trip capacity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking: %w", err)
	}
	return nil
}

// ============================================================================
// READS
// ============================================================================

// GetByPaymentSessionID returns the booking produced by a session, or nil
func (r *BookingRepository) GetByPaymentSessionID(ctx context.Context, sessionID uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	query := `SELECT ` + bookingColumns + ` FROM bookings b WHERE b.payment_session_id = $1`

	err := r.db.GetContext(ctx, &booking, query, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking by payment session: %w", err)
	}
	return &booking, nil
}

// GetWithTrip returns a booking joined with its trip and route, or nil
func (r *BookingRepository) GetWithTrip(ctx context.Context, id uuid.UUID) (*models.BookingWithTrip, error) {
	var booking models.BookingWithTrip
	query := `SELECT ` + bookingColumns + `,
			t.registration_number, t.departure_time, ro.origin, ro.destination
		FROM bookings b
		JOIN trips t ON t.id = b.trip_id
		JOIN routes ro ON ro.id = b.route_id
		WHERE b.id = $1`

	err := r.db.GetContext(ctx, &booking, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &booking, nil
}

// ListByUser returns a user's bookings, newest first
func (r *BookingRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.BookingWithTrip, error) {
	bookings := []models.BookingWithTrip{}
	query := `SELECT ` + bookingColumns + `,
			t.registration_number, t.departure_time, ro.origin, ro.destination
		FROM bookings b
		JOIN trips t ON t.id = b.trip_id
		JOIN routes ro ON ro.id = b.route_id
		WHERE b.user_id = $1
		ORDER BY b.created_at DESC
		LIMIT $2 OFFSET $3`

	if err := r.db.SelectContext(ctx, &bookings, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list user bookings: %w", err)
	}
	return bookings, nil
}

// ListByTrip returns every booking on a trip ordered by seat
func (r *BookingRepository) ListByTrip(ctx context.Context, tripID uuid.UUID) ([]models.Booking, error) {
	bookings := []models.Booking{}
	query := `SELECT ` + bookingColumns + `
		FROM bookings b
		WHERE b.trip_id = $1
		ORDER BY b.seat_number, b.created_at`

	if err := r.db.SelectContext(ctx, &bookings, query, tripID); err != nil {
		return nil, fmt.Errorf("failed to list trip bookings: %w", err)
	}
	return bookings, nil
}

// ============================================================================
// CANCELLATION
// ============================================================================

// Cancel marks a confirmed booking cancelled and frees its seat in one
// transaction. Returns nil when no confirmed booking has that id.
func (r *BookingRepository) Cancel(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var booking models.Booking
	query := `
		UPDATE bookings b
		SET status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
		WHERE b.id = $1 AND b.status = 'confirmed'
		RETURNING ` + bookingColumns

	err = tx.GetContext(ctx, &booking, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel booking: %w", err)
	}

	freeSeat := `
		UPDATE trip_seats
		SET is_booked = FALSE, booked_by = NULL, booking_time = NULL, updated_at = NOW()
		WHERE trip_id = $1 AND seat_number = $2`
	if _, err := tx.ExecContext(ctx, freeSeat, booking.TripID, booking.SeatNumber); err != nil {
		return nil, fmt.Errorf("failed to free seat: %w", err)
	}

	reopen := `UPDATE trips SET status = 'active', updated_at = NOW() WHERE id = $1 AND status = 'full'`
	if _, err := tx.ExecContext(ctx, reopen, booking.TripID); err != nil {
		return nil, fmt.Errorf("failed to reopen trip: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit booking cancellation: %w", err)
	}
	return &booking, nil
}
