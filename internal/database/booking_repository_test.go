package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBooking() *models.Booking {
	receipt := "QKJ1ABC2DE"
	return &models.Booking{
		TripID:           uuid.New(),
		SeatNumber:       9,
		UserID:           uuid.New(),
		RouteID:          uuid.New(),
		PaymentSessionID: uuid.New(),
		PaymentReference: &receipt,
		Fare:             500,
		TravelDate:       time.Now().Add(24 * time.Hour),
	}
}

func TestBookingRepository_Finalize(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewBookingRepository(db)
		booking := newTestBooking()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE trip_seats SET is_booked = TRUE`).
			WithArgs(booking.TripID, 9, booking.UserID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO bookings`).
			WithArgs(sqlmock.AnyArg(), booking.TripID, 9, booking.UserID, booking.RouteID,
				booking.PaymentSessionID, "QKJ1ABC2DE", 500.0, sqlmock.AnyArg(),
				"confirmed", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE trips SET status = 'full'`).
			WithArgs(booking.TripID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		require.NoError(t, repo.Finalize(ctx, booking))
		assert.NotEqual(t, uuid.Nil, booking.ID)
		assert.True(t, booking.IsConfirmed())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Seat Already Booked", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewBookingRepository(db)
		booking := newTestBooking()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE trip_seats SET is_booked = TRUE`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.Finalize(ctx, booking)
		assert.True(t, errors.Is(err, ErrSeatNotBookable))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Confirmed Seat Unique Violation", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewBookingRepository(db)
		booking := newTestBooking()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE trip_seats SET is_booked = TRUE`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO bookings`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: ConstraintConfirmedSeat})
		mock.ExpectRollback()

		err := repo.Finalize(ctx, booking)
		require.Error(t, err)
		assert.Equal(t, ConstraintConfirmedSeat, ViolatedConstraint(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBookingRepository_GetByPaymentSessionID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)
	sessionID := uuid.New()

	mock.ExpectQuery(`FROM bookings b WHERE b.payment_session_id = \$1`).
		WithArgs(sessionID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	booking, err := repo.GetByPaymentSessionID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Nil(t, booking)
}

func TestBookingRepository_Cancel(t *testing.T) {
	ctx := context.Background()
	columns := []string{
		"id", "trip_id", "seat_number", "user_id", "route_id", "payment_session_id",
		"payment_reference", "fare", "travel_date", "status", "created_at",
		"updated_at", "cancelled_at",
	}

	t.Run("Frees Seat", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewBookingRepository(db)
		id, tripID := uuid.New(), uuid.New()
		now := time.Now()

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE bookings b SET status = 'cancelled'`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(
				id.String(), tripID.String(), 14, uuid.NewString(), uuid.NewString(), uuid.NewString(),
				"QKJ1", 500.0, now, "cancelled", now, now, now,
			))
		mock.ExpectExec(`UPDATE trip_seats SET is_booked = FALSE`).
			WithArgs(tripID, 14).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE trips SET status = 'active'`).
			WithArgs(tripID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		booking, err := repo.Cancel(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, booking)
		assert.Equal(t, models.BookingStatusCancelled, booking.Status)
		assert.Equal(t, 14, booking.SeatNumber)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not Confirmed", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewBookingRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE bookings b SET status = 'cancelled'`).
			WillReturnRows(sqlmock.NewRows(columns))
		mock.ExpectRollback()

		booking, err := repo.Cancel(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, booking)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
