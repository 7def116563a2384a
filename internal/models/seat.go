package models

import (
	"time"

	"github.com/google/uuid"
)

// SeatState is the physical state of a seat row
type SeatState string

const (
	SeatStateFree   SeatState = "free"
	SeatStateLocked SeatState = "locked"
	SeatStateBooked SeatState = "booked"
)

// SeatAvailability is the state of a seat as seen by one user
type SeatAvailability string

const (
	SeatAvailable     SeatAvailability = "available"
	SeatLockedByYou   SeatAvailability = "locked_by_you"
	SeatLockedByOther SeatAvailability = "locked_by_other"
	SeatBooked        SeatAvailability = "booked"
)

// Seat is one numbered seat on a trip, keyed by (trip_id, seat_number)
type Seat struct {
	TripID      uuid.UUID  `json:"trip_id" db:"trip_id"`
	SeatNumber  int        `json:"seat_number" db:"seat_number"`
	IsBooked    bool       `json:"is_booked" db:"is_booked"`
	LockedBy    *uuid.UUID `json:"-" db:"locked_by"`
	LockExpiry  *time.Time `json:"lock_expiry,omitempty" db:"lock_expiry"`
	BookedBy    *uuid.UUID `json:"-" db:"booked_by"`
	BookingTime *time.Time `json:"booking_time,omitempty" db:"booking_time"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// HasValidLock reports whether the seat carries an unexpired lock at now.
// A lock whose expiry has passed is treated as absent even if not yet cleared.
func (s *Seat) HasValidLock(now time.Time) bool {
	return s.LockedBy != nil && s.LockExpiry != nil && s.LockExpiry.After(now)
}

// StateAt projects the seat's state at the given instant
func (s *Seat) StateAt(now time.Time) SeatState {
	if s.IsBooked {
		return SeatStateBooked
	}
	if s.HasValidLock(now) {
		return SeatStateLocked
	}
	return SeatStateFree
}

// AvailabilityFor projects the seat's state relative to a user
func (s *Seat) AvailabilityFor(userID uuid.UUID, now time.Time) SeatAvailability {
	switch s.StateAt(now) {
	case SeatStateBooked:
		return SeatBooked
	case SeatStateLocked:
		if *s.LockedBy == userID {
			return SeatLockedByYou
		}
		return SeatLockedByOther
	default:
		return SeatAvailable
	}
}

// SeatView is the public projection of a seat inside a trip listing
type SeatView struct {
	SeatNumber int       `json:"seat_number"`
	State      SeatState `json:"state"`
}

// LockResult is returned when a seat lock is granted
type LockResult struct {
	TripID     uuid.UUID `json:"trip_id"`
	SeatNumber int       `json:"seat_number"`
	LockExpiry time.Time `json:"lock_expiry"`
}

// SeatStatusResult is the response of a seat status check
type SeatStatusResult struct {
	TripID       uuid.UUID        `json:"trip_id"`
	SeatNumber   int              `json:"seat_number"`
	Status       SeatAvailability `json:"status"`
	LockedByYou  bool             `json:"locked_by_you"`
	LockExpiry   *time.Time       `json:"lock_expiry,omitempty"`
	Registration string           `json:"registration,omitempty"`
	Departure    *time.Time       `json:"departure_time,omitempty"`
}

// UserLock identifies the single seat a user currently holds
type UserLock struct {
	TripID     uuid.UUID `db:"trip_id"`
	SeatNumber int       `db:"seat_number"`
	LockExpiry time.Time `db:"lock_expiry"`
	BaseFare   float64   `db:"base_fare"`
	RouteID    uuid.UUID `db:"route_id"`
}

// SeatDetail is a seat joined with the trip fields needed for status checks
type SeatDetail struct {
	Seat
	RegistrationNumber string     `db:"registration_number"`
	DepartureTime      time.Time  `db:"departure_time"`
	TripStatus         TripStatus `db:"trip_status"`
}
