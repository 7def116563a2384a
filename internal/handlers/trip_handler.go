package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// TripRegistry is satisfied by *services.TripService
type TripRegistry interface {
	CreateRoute(ctx context.Context, req *models.CreateRouteRequest) (*models.Route, error)
	CreateTrip(ctx context.Context, routeID uuid.UUID, registration string, seatCount int, fare float64, departure time.Time) (*models.Trip, error)
	GetTrip(ctx context.Context, id uuid.UUID) (*models.Trip, error)
	SeatMap(trip *models.Trip) []models.SeatView
	AvailableSeats(trip *models.Trip) int
	ListTripsByRoute(ctx context.Context, routeID uuid.UUID) ([]models.Trip, error)
	ListUpcomingTrips(ctx context.Context, limit int) ([]models.TripWithRoute, error)
	CancelTrip(ctx context.Context, id uuid.UUID) (*models.Trip, error)
}

// TripHandler handles route and trip endpoints
type TripHandler struct {
	trips  TripRegistry
	logger *logrus.Logger
}

// NewTripHandler creates a new TripHandler
func NewTripHandler(trips TripRegistry, logger *logrus.Logger) *TripHandler {
	return &TripHandler{
		trips:  trips,
		logger: logger,
	}
}

// TripDetailResponse is a trip with its projected seat map
type TripDetailResponse struct {
	*models.Trip
	SeatMap        []models.SeatView `json:"seat_map"`
	AvailableSeats int               `json:"available_seats"`
}

// ===========================================================================
// PUBLIC ENDPOINTS
// ===========================================================================

// ListUpcomingTrips lists active trips departing from now on
// GET /api/v1/trips?limit=
func (h *TripHandler) ListUpcomingTrips(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	trips, err := h.trips.ListUpcomingTrips(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trips": trips,
		"count": len(trips),
	})
}

// GetTrip returns a trip with its seat map. Lock holders are not exposed.
// GET /api/v1/trips/:id
func (h *TripHandler) GetTrip(c *gin.Context) {
	tripID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	trip, err := h.trips.GetTrip(c.Request.Context(), tripID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	seatMap := h.trips.SeatMap(trip)
	available := h.trips.AvailableSeats(trip)
	trip.Seats = nil

	c.JSON(http.StatusOK, TripDetailResponse{
		Trip:           trip,
		SeatMap:        seatMap,
		AvailableSeats: available,
	})
}

// ListRouteTrips lists the trips scheduled on a route
// GET /api/v1/routes/:id/trips
func (h *TripHandler) ListRouteTrips(c *gin.Context) {
	routeID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	trips, err := h.trips.ListTripsByRoute(c.Request.Context(), routeID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"route_id": routeID,
		"trips":    trips,
		"count":    len(trips),
	})
}

// ===========================================================================
// ADMIN ENDPOINTS
// ===========================================================================

// CreateRoute registers a route
// POST /api/v1/admin/routes
func (h *TripHandler) CreateRoute(c *gin.Context) {
	var req models.CreateRouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "", "Invalid request body: "+err.Error())
		return
	}

	route, err := h.trips.CreateRoute(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, route)
}

// CreateTrip schedules a trip and materialises its seats
// POST /api/v1/admin/trips
func (h *TripHandler) CreateTrip(c *gin.Context) {
	var req models.CreateTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "", "Invalid request body: "+err.Error())
		return
	}

	routeID, err := uuid.Parse(req.RouteID)
	if err != nil {
		badRequest(c, "route_id", "Invalid route_id")
		return
	}

	trip, err := h.trips.CreateTrip(c.Request.Context(), routeID, req.RegistrationNumber, req.SeatCount, req.BaseFare, req.DepartureTime)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"trip_id":  trip.ID,
		"route_id": routeID,
		"seats":    trip.TotalSeats,
	}).Info("Trip scheduled")

	c.JSON(http.StatusCreated, trip)
}

// CancelTrip stops further seat locking on a trip
// POST /api/v1/admin/trips/:id/cancel
func (h *TripHandler) CancelTrip(c *gin.Context) {
	tripID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	trip, err := h.trips.CancelTrip(c.Request.Context(), tripID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	trip.Seats = nil
	c.JSON(http.StatusOK, trip)
}
