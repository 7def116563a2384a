package services

import (
	"context"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// In-memory stores mirroring the conditional updates of the SQL repositories

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type seatKey struct {
	trip uuid.UUID
	seat int
}

// ----------------------------------------------------------------------------
// routes and trips
// ----------------------------------------------------------------------------

type fakeRouteStore struct {
	mu     sync.Mutex
	routes map[uuid.UUID]*models.Route
}

func newFakeRouteStore() *fakeRouteStore {
	return &fakeRouteStore{routes: make(map[uuid.UUID]*models.Route)}
}

func (f *fakeRouteStore) Create(ctx context.Context, route *models.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	route.ID = uuid.New()
	route.IsActive = true
	cp := *route
	f.routes[route.ID] = &cp
	return nil
}

func (f *fakeRouteStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routes[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRouteStore) ListActive(ctx context.Context) ([]models.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Route
	for _, r := range f.routes {
		if r.IsActive {
			out = append(out, *r)
		}
	}
	return out, nil
}

type fakeTripStore struct {
	mu     sync.Mutex
	trips  map[uuid.UUID]*models.Trip
	seats  *fakeSeatStore
	getErr error
}

func newFakeTripStore(seats *fakeSeatStore) *fakeTripStore {
	return &fakeTripStore{trips: make(map[uuid.UUID]*models.Trip), seats: seats}
}

func (f *fakeTripStore) CreateWithSeats(ctx context.Context, trip *models.Trip) error {
	f.mu.Lock()
	trip.ID = uuid.New()
	if trip.Status == "" {
		trip.Status = models.TripStatusActive
	}
	cp := *trip
	f.trips[trip.ID] = &cp
	f.mu.Unlock()

	f.seats.addTrip(trip.ID, trip.TotalSeats, trip.BaseFare, trip.RouteID, f)
	return nil
}

func (f *fakeTripStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	t, ok := f.trips[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	cp.Seats = nil
	return &cp, nil
}

func (f *fakeTripStore) status(id uuid.UUID) models.TripStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.trips[id]; ok {
		return t.Status
	}
	return ""
}

func (f *fakeTripStore) GetSeats(ctx context.Context, tripID uuid.UUID) ([]models.Seat, error) {
	return f.seats.list(tripID), nil
}

func (f *fakeTripStore) ListByRoute(ctx context.Context, routeID uuid.UUID) ([]models.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Trip
	for _, t := range f.trips {
		if t.RouteID == routeID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureTime.Before(out[j].DepartureTime) })
	return out, nil
}

func (f *fakeTripStore) ListUpcoming(ctx context.Context, now time.Time, limit int) ([]models.TripWithRoute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TripWithRoute
	for _, t := range f.trips {
		if t.Status == models.TripStatusActive && t.DepartureTime.After(now) {
			out = append(out, models.TripWithRoute{Trip: *t})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTripStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trips[id]
	if !ok || t.Status == models.TripStatusCancelled {
		return false, nil
	}
	t.Status = models.TripStatusCancelled
	return true, nil
}

// ----------------------------------------------------------------------------
// seats
// ----------------------------------------------------------------------------

type tripInfo struct {
	fare    float64
	routeID uuid.UUID
}

type fakeSeatStore struct {
	mu    sync.Mutex
	seats map[seatKey]*models.Seat
	trips map[uuid.UUID]tripInfo
	tripS *fakeTripStore
	now   func() time.Time
}

func newFakeSeatStore() *fakeSeatStore {
	return &fakeSeatStore{
		seats: make(map[seatKey]*models.Seat),
		trips: make(map[uuid.UUID]tripInfo),
		now:   time.Now,
	}
}

func (f *fakeSeatStore) addTrip(tripID uuid.UUID, seats int, fare float64, routeID uuid.UUID, trips *fakeTripStore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripS = trips
	f.trips[tripID] = tripInfo{fare: fare, routeID: routeID}
	for n := 1; n <= seats; n++ {
		f.seats[seatKey{tripID, n}] = &models.Seat{TripID: tripID, SeatNumber: n}
	}
}

func (f *fakeSeatStore) list(tripID uuid.UUID) []models.Seat {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Seat
	for k, s := range f.seats {
		if k.trip == tripID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatNumber < out[j].SeatNumber })
	return out
}

func (f *fakeSeatStore) seat(tripID uuid.UUID, n int) models.Seat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.seats[seatKey{tripID, n}]
}

func (f *fakeSeatStore) LockSeat(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID, duration time.Duration) (*database.LockAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()

	s, ok := f.seats[seatKey{tripID, seatNumber}]
	if !ok {
		return &database.LockAttempt{Outcome: database.LockSeatMissing}, nil
	}
	if f.tripS != nil && f.tripS.status(tripID) != models.TripStatusActive {
		return &database.LockAttempt{Outcome: database.LockTripInactive}, nil
	}
	if s.IsBooked {
		return &database.LockAttempt{Outcome: database.LockSeatBooked}, nil
	}
	if s.HasValidLock(now) && *s.LockedBy != userID {
		return &database.LockAttempt{Outcome: database.LockHeldByOther, LockExpiry: *s.LockExpiry}, nil
	}

	// Only now, with the CAS succeeding, drop the user's other locks
	for k, other := range f.seats {
		if other.LockedBy != nil && *other.LockedBy == userID && k != (seatKey{tripID, seatNumber}) {
			other.LockedBy, other.LockExpiry = nil, nil
		}
	}

	expiry := now.Add(duration)
	if s.LockedBy != nil && *s.LockedBy == userID && s.LockExpiry != nil && s.LockExpiry.After(expiry) {
		expiry = *s.LockExpiry
	}
	uid := userID
	s.LockedBy, s.LockExpiry = &uid, &expiry
	return &database.LockAttempt{Outcome: database.LockGranted, LockExpiry: expiry}, nil
}

func (f *fakeSeatStore) ExtendLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID, until time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.seats[seatKey{tripID, seatNumber}]
	if !ok || !s.HasValidLock(f.now()) || *s.LockedBy != userID {
		return false, nil
	}
	if until.After(*s.LockExpiry) {
		s.LockExpiry = &until
	}
	return true, nil
}

func (f *fakeSeatStore) ReleaseLock(ctx context.Context, tripID uuid.UUID, seatNumber int, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.seats[seatKey{tripID, seatNumber}]
	if !ok || s.LockedBy == nil || *s.LockedBy != userID {
		return false, nil
	}
	s.LockedBy, s.LockExpiry = nil, nil
	return true, nil
}

func (f *fakeSeatStore) ReleaseExpiredLocks(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.seats {
		if s.LockedBy != nil && !s.HasValidLock(f.now()) {
			s.LockedBy, s.LockExpiry = nil, nil
			n++
		}
	}
	return n, nil
}

func (f *fakeSeatStore) GetSeatDetail(ctx context.Context, tripID uuid.UUID, seatNumber int) (*models.SeatDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.seats[seatKey{tripID, seatNumber}]
	if !ok {
		return nil, nil
	}
	return &models.SeatDetail{Seat: *s, RegistrationNumber: "KDA 123A", TripStatus: models.TripStatusActive}, nil
}

func (f *fakeSeatStore) GetUserLock(ctx context.Context, userID uuid.UUID) (*models.UserLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, s := range f.seats {
		if s.HasValidLock(f.now()) && *s.LockedBy == userID {
			info := f.trips[k.trip]
			return &models.UserLock{
				TripID:     k.trip,
				SeatNumber: k.seat,
				LockExpiry: *s.LockExpiry,
				BaseFare:   info.fare,
				RouteID:    info.routeID,
			}, nil
		}
	}
	return nil, nil
}

// ----------------------------------------------------------------------------
// payment sessions
// ----------------------------------------------------------------------------

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.PaymentSession
	bookings *fakeBookingStore
	now      func() time.Time
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[uuid.UUID]*models.PaymentSession), now: time.Now}
}

func (f *fakeSessionStore) get(id uuid.UUID) *models.PaymentSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.sessions[id]
	return &cp
}

func (f *fakeSessionStore) Create(ctx context.Context, session *models.PaymentSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == session.UserID && !s.Status.IsTerminal() {
			return &pq.Error{Code: "23505", Constraint: database.ConstraintActiveSession}
		}
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	session.Status = models.PaymentStatusPending
	session.CreatedAt = f.now()
	cp := *session
	f.sessions[session.ID] = &cp
	return nil
}

func (f *fakeSessionStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.Checkout() == checkoutRequestID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*models.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID && !s.Status.IsTerminal() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) transition(id uuid.UUID, to models.PaymentStatus, from []models.PaymentStatus, apply func(*models.PaymentSession)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return false
	}
	for _, st := range from {
		if s.Status == st {
			s.Status = to
			if apply != nil {
				apply(s)
			}
			return true
		}
	}
	return false
}

func (f *fakeSessionStore) MarkSTKPushed(ctx context.Context, id uuid.UUID, checkoutRequestID, merchantRequestID, providerResponse string) (bool, error) {
	return f.transition(id, models.PaymentStatusSTKPushed, []models.PaymentStatus{models.PaymentStatusPending}, func(s *models.PaymentSession) {
		s.CheckoutRequestID = &checkoutRequestID
		s.MerchantRequestID = &merchantRequestID
		s.ProviderResponse = &providerResponse
	}), nil
}

func (f *fakeSessionStore) MarkProcessing(ctx context.Context, id uuid.UUID, resultCode int, description string) (bool, error) {
	return f.transition(id, models.PaymentStatusProcessing, []models.PaymentStatus{models.PaymentStatusSTKPushed}, func(s *models.PaymentSession) {
		s.ResultCode = &resultCode
	}), nil
}

func (f *fakeSessionStore) MarkCompleted(ctx context.Context, id uuid.UUID, result *models.ProviderResult) (bool, error) {
	return f.transition(id, models.PaymentStatusCompleted,
		[]models.PaymentStatus{models.PaymentStatusSTKPushed, models.PaymentStatusProcessing},
		func(s *models.PaymentSession) {
			receipt := result.ReceiptNumber
			code := result.ResultCode
			now := f.now()
			s.ReceiptNumber = &receipt
			s.ResultCode = &code
			s.CompletedAt = &now
		}), nil
}

func (f *fakeSessionStore) MarkFailed(ctx context.Context, id uuid.UUID, resultCode *int, description string) (bool, error) {
	return f.transition(id, models.PaymentStatusFailed, models.NonTerminalPaymentStatuses, func(s *models.PaymentSession) {
		if resultCode != nil {
			s.ResultCode = resultCode
		}
	}), nil
}

func (f *fakeSessionStore) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	s, ok := f.sessions[id]
	expired := ok && s.IsExpired(f.now())
	f.mu.Unlock()
	if !expired {
		return false, nil
	}
	return f.transition(id, models.PaymentStatusExpired, models.NonTerminalPaymentStatuses, nil), nil
}

func (f *fakeSessionStore) MarkCancelled(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	s, ok := f.sessions[id]
	owned := ok && s.UserID == userID
	f.mu.Unlock()
	if !owned {
		return false, nil
	}
	return f.transition(id, models.PaymentStatusCancelled,
		[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusSTKPushed}, nil), nil
}

func (f *fakeSessionStore) MarkRefundRequired(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return f.transition(id, models.PaymentStatusRefundRequired, []models.PaymentStatus{models.PaymentStatusCompleted}, func(s *models.PaymentSession) {
		s.ErrorLog = append(s.ErrorLog, models.ErrorEntry{Message: reason, Timestamp: f.now()})
	}), nil
}

func (f *fakeSessionStore) AppendError(ctx context.Context, id uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.ErrorLog = append(s.ErrorLog, models.ErrorEntry{Message: message, Timestamp: f.now()})
	}
	return nil
}

func (f *fakeSessionStore) IncrementVerificationAttempts(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.VerificationAttempts++
	}
	return nil
}

func (f *fakeSessionStore) ListExpiredNonTerminal(ctx context.Context, limit int) ([]models.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentSession
	for _, s := range f.sessions {
		if !s.Status.IsTerminal() && s.IsExpired(f.now()) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) ListCompletedWithoutBooking(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentSession
	for _, s := range f.sessions {
		if s.Status != models.PaymentStatusCompleted {
			continue
		}
		if f.bookings != nil && f.bookings.hasSession(s.ID) {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// bookings
// ----------------------------------------------------------------------------

type fakeBookingStore struct {
	mu        sync.Mutex
	bookings  map[uuid.UUID]*models.Booking
	seats     *fakeSeatStore
	failNext  error
	finalizes int
}

func newFakeBookingStore(seats *fakeSeatStore) *fakeBookingStore {
	return &fakeBookingStore{bookings: make(map[uuid.UUID]*models.Booking), seats: seats}
}

func (f *fakeBookingStore) hasSession(sessionID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.PaymentSessionID == sessionID {
			return true
		}
	}
	return false
}

func (f *fakeBookingStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bookings)
}

func (f *fakeBookingStore) Finalize(ctx context.Context, booking *models.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes++
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}

	f.seats.mu.Lock()
	defer f.seats.mu.Unlock()
	s, ok := f.seats.seats[seatKey{booking.TripID, booking.SeatNumber}]
	if !ok || s.IsBooked {
		return database.ErrSeatNotBookable
	}
	if s.HasValidLock(f.seats.now()) && *s.LockedBy != booking.UserID {
		return database.ErrSeatNotBookable
	}
	uid := booking.UserID
	s.IsBooked, s.BookedBy = true, &uid
	s.LockedBy, s.LockExpiry = nil, nil

	booking.ID = uuid.New()
	booking.Status = models.BookingStatusConfirmed
	cp := *booking
	f.bookings[booking.ID] = &cp
	return nil
}

func (f *fakeBookingStore) GetByPaymentSessionID(ctx context.Context, sessionID uuid.UUID) (*models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.PaymentSessionID == sessionID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeBookingStore) GetWithTrip(ctx context.Context, id uuid.UUID) (*models.BookingWithTrip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil, nil
	}
	return &models.BookingWithTrip{Booking: *b, RegistrationNumber: "KDA 123A", Origin: "Nairobi", Destination: "Nakuru"}, nil
}

func (f *fakeBookingStore) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.BookingWithTrip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BookingWithTrip
	for _, b := range f.bookings {
		if b.UserID == userID {
			out = append(out, models.BookingWithTrip{Booking: *b})
		}
	}
	return out, nil
}

func (f *fakeBookingStore) ListByTrip(ctx context.Context, tripID uuid.UUID) ([]models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Booking
	for _, b := range f.bookings {
		if b.TripID == tripID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeBookingStore) Cancel(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok || b.Status != models.BookingStatusConfirmed {
		return nil, nil
	}
	b.Status = models.BookingStatusCancelled

	f.seats.mu.Lock()
	if s, ok := f.seats.seats[seatKey{b.TripID, b.SeatNumber}]; ok {
		s.IsBooked, s.BookedBy = false, nil
	}
	f.seats.mu.Unlock()

	cp := *b
	return &cp, nil
}

// ----------------------------------------------------------------------------
// tasks, audits, rate limits
// ----------------------------------------------------------------------------

type fakeTaskStore struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*models.ReconciliationTask
	reclaims int
	pruned   int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[uuid.UUID]*models.ReconciliationTask)}
}

func (f *fakeTaskStore) byType(taskType models.TaskType) []models.ReconciliationTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ReconciliationTask
	for _, t := range f.tasks {
		if t.TaskType == taskType {
			out = append(out, *t)
		}
	}
	return out
}

func (f *fakeTaskStore) Enqueue(ctx context.Context, task *models.ReconciliationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *task
	f.tasks[task.ID] = &cp
	return nil
}

func (f *fakeTaskStore) ClaimDue(ctx context.Context, limit int) ([]models.ReconciliationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ReconciliationTask
	now := time.Now()
	for _, t := range f.tasks {
		if len(out) >= limit {
			break
		}
		if t.Status == models.TaskStatusNew && !t.RunAt.After(now) {
			t.Status = models.TaskStatusProcessing
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].Status = models.TaskStatusDone
	return nil
}

func (f *fakeTaskStore) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Status = models.TaskStatusNew
	t.Attempts++
	t.RunAt = runAt
	t.LastError = &lastError
	return nil
}

func (f *fakeTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Status = models.TaskStatusFailed
	t.Attempts++
	t.LastError = &lastError
	return nil
}

func (f *fakeTaskStore) ReclaimStuck(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaims++
	return 0, nil
}

func (f *fakeTaskStore) PruneFinished(ctx context.Context, retention time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0, nil
}

func (f *fakeTaskStore) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range f.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

type fakeAuditStore struct {
	mu     sync.Mutex
	audits []*models.PaymentAudit
}

func (f *fakeAuditStore) Log(ctx context.Context, audit *models.PaymentAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, audit)
	return nil
}

func (f *fakeAuditStore) GetBySessionID(ctx context.Context, sessionID uuid.UUID) ([]*models.PaymentAudit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PaymentAudit
	for _, a := range f.audits {
		if a.PaymentSessionID != nil && *a.PaymentSessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) ofType(eventType models.PaymentEventType) []*models.PaymentAudit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PaymentAudit
	for _, a := range f.audits {
		if a.EventType == eventType {
			out = append(out, a)
		}
	}
	return out
}

type fakeRateLimiter struct {
	err      error
	recorded int
}

func (f *fakeRateLimiter) CheckPaymentRateLimit(ctx context.Context, phone string, userID uuid.UUID) error {
	return f.err
}

func (f *fakeRateLimiter) RecordPaymentRequest(ctx context.Context, phone string, userID uuid.UUID) error {
	f.recorded++
	return nil
}

// contextAwareSessions fails MarkSTKPushed once ctx is done, the way the SQL
// driver does, or with pushErr when set
type contextAwareSessions struct {
	*fakeSessionStore
	pushErr error
}

func (c *contextAwareSessions) MarkSTKPushed(ctx context.Context, id uuid.UUID, checkoutRequestID, merchantRequestID, providerResponse string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.pushErr != nil {
		return false, c.pushErr
	}
	return c.fakeSessionStore.MarkSTKPushed(ctx, id, checkoutRequestID, merchantRequestID, providerResponse)
}

// ----------------------------------------------------------------------------
// gateway and notifier
// ----------------------------------------------------------------------------

type fakeGateway struct {
	mu           sync.Mutex
	pushErr      error
	queryResult  *models.ProviderResult
	queryErr     error
	pushes       int
	queries      int
	lastPhone    string
	lastAmount   float64
	nextCheckout string
}

func (g *fakeGateway) InitiatePush(ctx context.Context, phone string, amount float64, reference string) (*PushReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes++
	g.lastPhone, g.lastAmount = phone, amount
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	checkout := g.nextCheckout
	if checkout == "" {
		checkout = "ws_CO_" + uuid.NewString()[:8]
	}
	return &PushReceipt{
		CheckoutRequestID: checkout,
		MerchantRequestID: "29115-34620561-1",
		Description:       "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*models.ProviderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	if g.queryResult == nil {
		return &models.ProviderResult{CheckoutRequestID: checkoutRequestID, Outcome: models.ProviderOutcomePending, ResultCode: 4999}, nil
	}
	cp := *g.queryResult
	cp.CheckoutRequestID = checkoutRequestID
	return &cp, nil
}

func (g *fakeGateway) ParseCallback(body []byte) (*models.ProviderResult, error) {
	return (&MpesaGateway{}).ParseCallback(body)
}

type published struct {
	room    string
	event   string
	payload interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (n *fakeNotifier) Publish(ctx context.Context, room, event string, payload interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{room: room, event: event, payload: payload})
	return n.err
}

func (n *fakeNotifier) has(room, event string) bool {
	return len(n.payloads(room, event)) > 0
}

// payloads returns the map payloads published as event to room
func (n *fakeNotifier) payloads(room, event string) []map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []map[string]interface{}
	for _, e := range n.events {
		if e.room == room && e.event == event {
			p, _ := e.payload.(map[string]interface{})
			out = append(out, p)
		}
	}
	return out
}

// ----------------------------------------------------------------------------
// wiring
// ----------------------------------------------------------------------------

type testWorld struct {
	routes   *fakeRouteStore
	trips    *fakeTripStore
	seats    *fakeSeatStore
	sessions *fakeSessionStore
	bookings *fakeBookingStore
	tasks    *fakeTaskStore
	audits   *fakeAuditStore
	limiter  *fakeRateLimiter
	gateway  *fakeGateway
	notifier *fakeNotifier

	tripService *TripService
	locks       *SeatLockService
	finalizer   *BookingFinalizer
	payments    *PaymentSessionService
}

func newTestWorld() *testWorld {
	w := &testWorld{
		routes:   newFakeRouteStore(),
		seats:    newFakeSeatStore(),
		sessions: newFakeSessionStore(),
		tasks:    newFakeTaskStore(),
		audits:   &fakeAuditStore{},
		limiter:  &fakeRateLimiter{},
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
	}
	w.trips = newFakeTripStore(w.seats)
	w.bookings = newFakeBookingStore(w.seats)
	w.sessions.bookings = w.bookings

	logger := testLogger()
	w.tripService = NewTripService(w.routes, w.trips, logger)
	w.locks = NewSeatLockService(w.seats, w.sessions, 10*time.Minute, logger)
	w.finalizer = NewBookingFinalizer(w.bookings, w.trips, w.sessions, w.audits, w.notifier, logger)
	w.payments = NewPaymentSessionService(
		w.sessions, w.seats, w.bookings, w.tasks, w.audits,
		w.gateway, w.limiter, w.finalizer, w.notifier,
		PaymentSessionConfig{SessionTTL: 5 * time.Minute, VerifyDelay: 30 * time.Second, TaskMaxAttempt: 5},
		logger,
	)
	return w
}

// newTrip creates an active route and a trip departing tomorrow
func (w *testWorld) newTrip(seats int, fare float64) *models.Trip {
	ctx := context.Background()
	route, err := w.tripService.CreateRoute(ctx, &models.CreateRouteRequest{Origin: "Nairobi", Destination: "Nakuru"})
	if err != nil {
		panic(err)
	}
	trip, err := w.tripService.CreateTrip(ctx, route.ID, "kda 123a", seats, fare, time.Now().Add(24*time.Hour))
	if err != nil {
		panic(err)
	}
	return trip
}

// successCallback is a Daraja callback body for a paid request
func successCallback(checkout string, amount float64) []byte {
	return []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"` + checkout + `",` +
		`"ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[` +
		`{"Name":"Amount","Value":` + strconv.FormatFloat(amount, 'f', -1, 64) + `},` +
		`{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},` +
		`{"Name":"TransactionDate","Value":20191219102115},` +
		`{"Name":"PhoneNumber","Value":254708374149}]}}}}`)
}

// failedCallback is a Daraja callback body for a declined request
func failedCallback(checkout string, code int) []byte {
	return []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"` + checkout + `",` +
		`"ResultCode":` + strconv.Itoa(code) + `,"ResultDesc":"Request cancelled by user"}}}`)
}
