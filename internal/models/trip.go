package models

import (
	"time"

	"github.com/google/uuid"
)

// TripStatus represents the lifecycle status of a scheduled trip
type TripStatus string

const (
	TripStatusActive    TripStatus = "active"
	TripStatusCancelled TripStatus = "cancelled"
	TripStatusFull      TripStatus = "full"
)

// Trip is one scheduled vehicle run on a route
type Trip struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	RouteID            uuid.UUID  `json:"route_id" db:"route_id"`
	RegistrationNumber string     `json:"registration_number" db:"registration_number"`
	TotalSeats         int        `json:"total_seats" db:"total_seats"`
	DepartureTime      time.Time  `json:"departure_time" db:"departure_time"`
	BaseFare           float64    `json:"base_fare" db:"base_fare"`
	Status             TripStatus `json:"status" db:"status"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`

	// Populated on detail reads only
	Seats []Seat `json:"seats,omitempty" db:"-"`
}

// IsBookable reports whether seats on this trip may still be locked
func (t *Trip) IsBookable() bool {
	return t.Status == TripStatusActive
}

// AvailableSeats counts seats that are free at the given instant
func (t *Trip) AvailableSeats(now time.Time) int {
	count := 0
	for i := range t.Seats {
		if t.Seats[i].StateAt(now) == SeatStateFree {
			count++
		}
	}
	return count
}

// TripWithRoute is a trip row joined with its route for listings
type TripWithRoute struct {
	Trip
	Origin      string `json:"origin" db:"origin"`
	Destination string `json:"destination" db:"destination"`
}

// CreateTripRequest is the admin payload for scheduling a trip
type CreateTripRequest struct {
	RouteID            string    `json:"route_id" binding:"required"`
	RegistrationNumber string    `json:"registration_number" binding:"required"`
	SeatCount          int       `json:"seat_count" binding:"required"`
	BaseFare           float64   `json:"base_fare" binding:"gte=0"`
	DepartureTime      time.Time `json:"departure_time" binding:"required"`
}
