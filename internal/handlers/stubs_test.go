package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/middleware"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/smarttransit/seat-booking-backend/internal/services"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestRouter builds an engine that authenticates every request as userID
func newTestRouter(userID uuid.UUID, roles ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RequestID())
	if userID != uuid.Nil {
		router.Use(func(c *gin.Context) {
			c.Set(middleware.UserContextKey, middleware.UserContext{UserID: userID, Roles: roles})
			c.Next()
		})
	}
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// ----------------------------------------------------------------------------

type stubTrips struct {
	trip      *models.Trip
	trips     []models.Trip
	upcoming  []models.TripWithRoute
	err       error
	lastLimit int
	created   struct {
		routeID      uuid.UUID
		registration string
		seats        int
	}
}

func (s *stubTrips) CreateRoute(ctx context.Context, req *models.CreateRouteRequest) (*models.Route, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Route{ID: uuid.New(), Name: req.Name, Origin: req.Origin, Destination: req.Destination, IsActive: true}, nil
}

func (s *stubTrips) CreateTrip(ctx context.Context, routeID uuid.UUID, registration string, seatCount int, fare float64, departure time.Time) (*models.Trip, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.created.routeID, s.created.registration, s.created.seats = routeID, registration, seatCount
	return &models.Trip{ID: uuid.New(), RouteID: routeID, RegistrationNumber: registration, TotalSeats: seatCount, BaseFare: fare, DepartureTime: departure, Status: models.TripStatusActive}, nil
}

func (s *stubTrips) GetTrip(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	return s.trip, s.err
}

func (s *stubTrips) SeatMap(trip *models.Trip) []models.SeatView {
	views := make([]models.SeatView, 0, len(trip.Seats))
	for i := range trip.Seats {
		views = append(views, models.SeatView{SeatNumber: trip.Seats[i].SeatNumber, State: trip.Seats[i].StateAt(time.Now())})
	}
	return views
}

func (s *stubTrips) AvailableSeats(trip *models.Trip) int {
	return trip.AvailableSeats(time.Now())
}

func (s *stubTrips) ListTripsByRoute(ctx context.Context, routeID uuid.UUID) ([]models.Trip, error) {
	return s.trips, s.err
}

func (s *stubTrips) ListUpcomingTrips(ctx context.Context, limit int) ([]models.TripWithRoute, error) {
	s.lastLimit = limit
	return s.upcoming, s.err
}

func (s *stubTrips) CancelTrip(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Trip{ID: id, Status: models.TripStatusCancelled}, nil
}

// ----------------------------------------------------------------------------

type stubLocks struct {
	status   *models.SeatStatusResult
	lock     *models.UserLock
	released bool
	err      error
	lastUser uuid.UUID
	lastSeat int
}

func (s *stubLocks) LockSeat(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (*models.LockResult, error) {
	s.lastUser, s.lastSeat = userID, seatNumber
	if s.err != nil {
		return nil, s.err
	}
	return &models.LockResult{TripID: tripID, SeatNumber: seatNumber, LockExpiry: time.Now().Add(5 * time.Minute)}, nil
}

func (s *stubLocks) CheckSeatStatus(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (*models.SeatStatusResult, error) {
	s.lastUser, s.lastSeat = userID, seatNumber
	return s.status, s.err
}

func (s *stubLocks) ReleaseLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (bool, error) {
	s.lastUser, s.lastSeat = userID, seatNumber
	return s.released, s.err
}

func (s *stubLocks) CurrentLock(ctx context.Context, userID uuid.UUID) (*models.UserLock, error) {
	return s.lock, s.err
}

// ----------------------------------------------------------------------------

type stubPayments struct {
	session   *models.PaymentSession
	view      *models.PaymentSessionView
	views     []*models.PaymentSessionView
	err       error
	refreshed bool
	lastPhone string
	lastMeta  models.RequestMeta
	lastLimit int
}

func (s *stubPayments) InitiatePayment(ctx context.Context, userID uuid.UUID, phone string, meta models.RequestMeta) (*models.PaymentSession, error) {
	s.lastPhone, s.lastMeta = phone, meta
	return s.session, s.err
}

func (s *stubPayments) CheckStatus(ctx context.Context, paymentID, userID uuid.UUID) (*models.PaymentSessionView, error) {
	return s.view, s.err
}

func (s *stubPayments) RefreshStatus(ctx context.Context, paymentID, userID uuid.UUID) (*models.PaymentSessionView, error) {
	s.refreshed = true
	return s.view, s.err
}

func (s *stubPayments) CancelPayment(ctx context.Context, paymentID, userID uuid.UUID, meta models.RequestMeta) (*models.PaymentSessionView, error) {
	s.lastMeta = meta
	return s.view, s.err
}

func (s *stubPayments) ListUserPayments(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.PaymentSessionView, error) {
	s.lastLimit = limit
	return s.views, s.err
}

type stubCallbackQueue struct {
	mu     sync.Mutex
	bodies []string
	metas  []models.RequestMeta
	tries  int
	err    error
}

func (s *stubCallbackQueue) EnqueueCallback(ctx context.Context, body []byte, meta models.RequestMeta, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, string(body))
	s.metas = append(s.metas, meta)
	s.tries = maxAttempts
	return s.err
}

// ----------------------------------------------------------------------------

type stubBookings struct {
	bookings     []models.BookingWithTrip
	tripBookings []models.Booking
	verification *models.BookingVerification
	cancelled    *models.Booking
	err          error
}

func (s *stubBookings) ListUserBookings(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.BookingWithTrip, error) {
	return s.bookings, s.err
}

func (s *stubBookings) VerifyBooking(ctx context.Context, bookingID uuid.UUID) (*models.BookingVerification, error) {
	return s.verification, s.err
}

func (s *stubBookings) ListTripBookings(ctx context.Context, tripID uuid.UUID) ([]models.Booking, error) {
	return s.tripBookings, s.err
}

func (s *stubBookings) CancelBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	return s.cancelled, s.err
}

// ----------------------------------------------------------------------------

type stubReconciler struct {
	report *services.ReconcileReport
	err    error
	runs   int
}

func (s *stubReconciler) RunOnce(ctx context.Context) (*services.ReconcileReport, error) {
	s.runs++
	return s.report, s.err
}

func (s *stubReconciler) GetJobStatus(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{"running": true, "job_count": 5}
}

type stubAuditTrail struct {
	trail []*models.PaymentAudit
	err   error
}

func (s *stubAuditTrail) GetAuditTrail(ctx context.Context, paymentID uuid.UUID) ([]*models.PaymentAudit, error) {
	return s.trail, s.err
}

type stubPinger struct {
	err error
}

func (s stubPinger) PingContext(ctx context.Context) error {
	return s.err
}
