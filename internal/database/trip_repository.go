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

// TripRepository handles trip and seat-inventory database operations
type TripRepository struct {
	db *sqlx.DB
}

// NewTripRepository creates a new TripRepository
func NewTripRepository(db *sqlx.DB) *TripRepository {
	return &TripRepository{db: db}
}

const tripColumns = `
	t.id, t.route_id, t.registration_number, t.total_seats, t.departure_time,
	t.base_fare, t.status, t.created_at, t.updated_at`

// ============================================================================
// TRIP CREATION
// ============================================================================

// CreateWithSeats inserts a trip and its seats 1..TotalSeats in one transaction
func (r *TripRepository) CreateWithSeats(ctx context.Context, trip *models.Trip) error {
	trip.ID = uuid.New()
	trip.CreatedAt = time.Now()
	trip.UpdatedAt = trip.CreatedAt
	if trip.Status == "" {
		trip.Status = models.TripStatusActive
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tripQuery := `
		INSERT INTO trips (
			id, route_id, registration_number, total_seats, departure_time,
			base_fare, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = tx.ExecContext(ctx, tripQuery,
		trip.ID, trip.RouteID, trip.RegistrationNumber, trip.TotalSeats, trip.DepartureTime,
		trip.BaseFare, trip.Status, trip.CreatedAt, trip.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trip: %w", err)
	}

	seatQuery := `
		INSERT INTO trip_seats (trip_id, seat_number, is_booked, updated_at)
		SELECT $1, n, FALSE, $3
		FROM generate_series(1, $2::int) AS n`

	if _, err := tx.ExecContext(ctx, seatQuery, trip.ID, trip.TotalSeats, trip.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert trip seats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trip: %w", err)
	}
	return nil
}

// ============================================================================
// READS
// ============================================================================

// GetByID retrieves a trip without seats, returning nil when it does not exist
func (r *TripRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	var trip models.Trip
	query := `SELECT ` + tripColumns + ` FROM trips t WHERE t.id = $1`

	err := r.db.GetContext(ctx, &trip, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip: %w", err)
	}
	return &trip, nil
}

// GetSeats returns every seat of a trip ordered by seat number
func (r *TripRepository) GetSeats(ctx context.Context, tripID uuid.UUID) ([]models.Seat, error) {
	seats := []models.Seat{}
	query := `
		SELECT trip_id, seat_number, is_booked, locked_by, lock_expiry,
		       booked_by, booking_time, updated_at
		FROM trip_seats
		WHERE trip_id = $1
		ORDER BY seat_number`

	if err := r.db.SelectContext(ctx, &seats, query, tripID); err != nil {
		return nil, fmt.Errorf("failed to get trip seats: %w", err)
	}
	return seats, nil
}

// ListByRoute returns the trips on a route ordered by departure
func (r *TripRepository) ListByRoute(ctx context.Context, routeID uuid.UUID) ([]models.Trip, error) {
	trips := []models.Trip{}
	query := `SELECT ` + tripColumns + `
		FROM trips t
		WHERE t.route_id = $1
		ORDER BY t.departure_time`

	if err := r.db.SelectContext(ctx, &trips, query, routeID); err != nil {
		return nil, fmt.Errorf("failed to list trips by route: %w", err)
	}
	return trips, nil
}

// ListUpcoming returns active trips departing after now, joined with their route
func (r *TripRepository) ListUpcoming(ctx context.Context, now time.Time, limit int) ([]models.TripWithRoute, error) {
	trips := []models.TripWithRoute{}
	query := `SELECT ` + tripColumns + `, ro.origin, ro.destination
		FROM trips t
		JOIN routes ro ON ro.id = t.route_id
		WHERE t.status = 'active' AND t.departure_time > $1
		ORDER BY t.departure_time
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &trips, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list upcoming trips: %w", err)
	}
	return trips, nil
}

// ============================================================================
// STATUS
// ============================================================================

// Cancel marks an active or full trip cancelled. Returns false when the trip
// was already cancelled or does not exist.
func (r *TripRepository) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE trips
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status <> 'cancelled'`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel trip: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
