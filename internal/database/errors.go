package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

// Constraint names referenced by callers
const (
	ConstraintConfirmedSeat   = "ux_bookings_confirmed_seat"
	ConstraintBookingSession  = "ux_bookings_payment_session"
	ConstraintSeatLockOwner   = "ux_trip_seats_locked_by"
	ConstraintActiveSession   = "ux_payment_sessions_active_user"
	ConstraintSessionCheckout = "ux_payment_sessions_checkout"
)

// IsUniqueViolation reports whether err is a unique_violation raised by
// either the pgx or the lib/pq driver
func IsUniqueViolation(err error) bool {
	_, ok := uniqueConstraint(err)
	return ok
}

// ViolatedConstraint returns the constraint name of a unique violation, or ""
func ViolatedConstraint(err error) string {
	name, _ := uniqueConstraint(err)
	return name
}

func uniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return pgErr.ConstraintName, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolationCode {
		return pqErr.Constraint, true
	}
	return "", false
}
