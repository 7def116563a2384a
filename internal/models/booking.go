package models

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus represents the status of a booking
type BookingStatus string

const (
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Booking is the permanent record of a paid seat
type Booking struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	TripID           uuid.UUID     `json:"trip_id" db:"trip_id"`
	SeatNumber       int           `json:"seat_number" db:"seat_number"`
	UserID           uuid.UUID     `json:"user_id" db:"user_id"`
	RouteID          uuid.UUID     `json:"route_id" db:"route_id"`
	PaymentSessionID uuid.UUID     `json:"payment_session_id" db:"payment_session_id"`
	PaymentReference *string       `json:"payment_reference,omitempty" db:"payment_reference"`
	Fare             float64       `json:"fare" db:"fare"`
	TravelDate       time.Time     `json:"travel_date" db:"travel_date"`
	Status           BookingStatus `json:"status" db:"status"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
	CancelledAt      *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// IsConfirmed checks if the booking is confirmed
func (b *Booking) IsConfirmed() bool {
	return b.Status == BookingStatusConfirmed
}

// BookingWithTrip is a booking joined with trip and route details for display
type BookingWithTrip struct {
	Booking
	RegistrationNumber string    `json:"registration_number" db:"registration_number"`
	DepartureTime      time.Time `json:"departure_time" db:"departure_time"`
	Origin             string    `json:"origin" db:"origin"`
	Destination        string    `json:"destination" db:"destination"`
}

// BookingVerification is the public answer to "is this ticket genuine"
type BookingVerification struct {
	Valid              bool          `json:"valid"`
	BookingID          uuid.UUID     `json:"booking_id"`
	Status             BookingStatus `json:"status"`
	SeatNumber         int           `json:"seat_number"`
	RegistrationNumber string        `json:"registration_number"`
	Origin             string        `json:"origin"`
	Destination        string        `json:"destination"`
	DepartureTime      time.Time     `json:"departure_time"`
	PaymentReference   *string       `json:"payment_reference,omitempty"`
}
