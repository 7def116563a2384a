package models

import (
	"time"

	"github.com/google/uuid"
)

// Route is an origin/destination pair that trips are scheduled on
type Route struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Origin      string    `json:"origin" db:"origin"`
	Destination string    `json:"destination" db:"destination"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// DisplayName returns a formatted route display name
func (r *Route) DisplayName() string {
	if r.Name != "" {
		return r.Name + ": " + r.Origin + " - " + r.Destination
	}
	return r.Origin + " - " + r.Destination
}

// CreateRouteRequest is the admin payload for registering a route
type CreateRouteRequest struct {
	Name        string `json:"name"`
	Origin      string `json:"origin" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}
