package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/domain"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

const (
	maxSeatsPerTrip     = 100
	defaultUpcomingTrip = 50
	maxUpcomingTrips    = 200
)

// TripService is the trip registry: scheduling, lookups and cancellation.
// It never changes seat state.
type TripService struct {
	routeRepo RouteStore
	tripRepo  TripStore
	logger    *logrus.Logger
	now       func() time.Time
}

// NewTripService creates a new trip service
func NewTripService(routeRepo RouteStore, tripRepo TripStore, logger *logrus.Logger) *TripService {
	return &TripService{
		routeRepo: routeRepo,
		tripRepo:  tripRepo,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateRoute registers a route trips can be scheduled on
func (s *TripService) CreateRoute(ctx context.Context, req *models.CreateRouteRequest) (*models.Route, error) {
	origin := strings.TrimSpace(req.Origin)
	destination := strings.TrimSpace(req.Destination)
	if origin == "" {
		return nil, domain.ValidationError{Field: "origin", Msg: "is required"}
	}
	if destination == "" {
		return nil, domain.ValidationError{Field: "destination", Msg: "is required"}
	}
	if strings.EqualFold(origin, destination) {
		return nil, domain.ValidationError{Field: "destination", Msg: "must differ from origin"}
	}

	route := &models.Route{
		Name:        strings.TrimSpace(req.Name),
		Origin:      origin,
		Destination: destination,
	}
	if err := s.routeRepo.Create(ctx, route); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"route_id": route.ID,
		"route":    route.DisplayName(),
	}).Info("Route created")
	return route, nil
}

// CreateTrip schedules a trip and generates seats 1..seatCount, all free
func (s *TripService) CreateTrip(ctx context.Context, routeID uuid.UUID, registration string, seatCount int, fare float64, departure time.Time) (*models.Trip, error) {
	registration = strings.ToUpper(strings.TrimSpace(registration))
	switch {
	case registration == "":
		return nil, domain.ValidationError{Field: "registration_number", Msg: "is required"}
	case seatCount <= 0:
		return nil, domain.ValidationError{Field: "seat_count", Msg: "must be positive"}
	case seatCount > maxSeatsPerTrip:
		return nil, domain.ValidationError{Field: "seat_count", Msg: fmt.Sprintf("must not exceed %d", maxSeatsPerTrip)}
	case fare < 0:
		return nil, domain.ValidationError{Field: "base_fare", Msg: "must not be negative"}
	case departure.IsZero():
		return nil, domain.ValidationError{Field: "departure_time", Msg: "is required"}
	}

	route, err := s.routeRepo.GetByID(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, domain.ValidationError{Field: "route_id", Msg: "unknown route"}
	}
	if !route.IsActive {
		return nil, domain.ValidationError{Field: "route_id", Msg: "route is not active"}
	}

	trip := &models.Trip{
		RouteID:            routeID,
		RegistrationNumber: registration,
		TotalSeats:         seatCount,
		DepartureTime:      departure,
		BaseFare:           fare,
	}
	if err := s.tripRepo.CreateWithSeats(ctx, trip); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"trip_id":        trip.ID,
		"route_id":       routeID,
		"seat_count":     seatCount,
		"departure_time": departure,
	}).Info("Trip created")
	return trip, nil
}

// GetTrip returns a trip with its seats
func (s *TripService) GetTrip(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	trip, err := s.tripRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if trip == nil {
		return nil, domain.NotFoundError{Resource: "trip"}
	}

	seats, err := s.tripRepo.GetSeats(ctx, id)
	if err != nil {
		return nil, err
	}
	trip.Seats = seats
	return trip, nil
}

// SeatMap projects a trip's seats at the current instant. Lock holders are
// never exposed.
func (s *TripService) SeatMap(trip *models.Trip) []models.SeatView {
	now := s.now()
	views := make([]models.SeatView, 0, len(trip.Seats))
	for i := range trip.Seats {
		views = append(views, models.SeatView{
			SeatNumber: trip.Seats[i].SeatNumber,
			State:      trip.Seats[i].StateAt(now),
		})
	}
	return views
}

// AvailableSeats counts seats free at the current instant
func (s *TripService) AvailableSeats(trip *models.Trip) int {
	return trip.AvailableSeats(s.now())
}

// ListTripsByRoute lists trips on a route ordered by departure
func (s *TripService) ListTripsByRoute(ctx context.Context, routeID uuid.UUID) ([]models.Trip, error) {
	route, err := s.routeRepo.GetByID(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, domain.NotFoundError{Resource: "route"}
	}
	return s.tripRepo.ListByRoute(ctx, routeID)
}

// ListUpcomingTrips lists active trips departing after now
func (s *TripService) ListUpcomingTrips(ctx context.Context, limit int) ([]models.TripWithRoute, error) {
	if limit <= 0 {
		limit = defaultUpcomingTrip
	}
	if limit > maxUpcomingTrips {
		limit = maxUpcomingTrips
	}
	return s.tripRepo.ListUpcoming(ctx, s.now(), limit)
}

// CancelTrip stops further locking on a trip. Existing bookings are kept for
// refund handling.
func (s *TripService) CancelTrip(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	cancelled, err := s.tripRepo.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}

	trip, err := s.tripRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if trip == nil {
		return nil, domain.NotFoundError{Resource: "trip"}
	}
	if !cancelled {
		return nil, domain.ConflictError{Resource: "trip", Code: domain.CodeInvalidState, Msg: "trip is already cancelled"}
	}

	s.logger.WithField("trip_id", id).Info("Trip cancelled")
	return trip, nil
}
