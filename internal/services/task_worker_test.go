package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		Enabled:          true,
		LockSweepSpec:    "*/30 * * * * *",
		PaymentSweepSpec: "*/30 * * * * *",
		OrphanSweepSpec:  "0 * * * * *",
		TaskReclaimSpec:  "0 * * * * *",
		HousekeepingSpec: "0 0 3 * * *",
		BatchSize:        100,
		OrphanGrace:      time.Minute,
		TaskPollInterval: 50 * time.Millisecond,
		TaskBatchSize:    10,
		TaskMaxAttempts:  3,
		TaskBackoff:      time.Second,
		TaskClaimTimeout: 5 * time.Minute,
		TaskRetention:    72 * time.Hour,
	}
}

// stubReconciler records calls and returns scripted errors
type stubReconciler struct {
	mu          sync.Mutex
	callbackErr error
	pollErr     error
	pollStatus  models.PaymentStatus
	callbacks   []string
	metas       []models.RequestMeta
	polled      []uuid.UUID
	attached    []string
	flagged     []string
}

func (s *stubReconciler) ApplyCallback(ctx context.Context, body []byte, meta models.RequestMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, string(body))
	s.metas = append(s.metas, meta)
	return s.callbackErr
}

func (s *stubReconciler) PollProviderStatus(ctx context.Context, paymentID uuid.UUID) (models.PaymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled = append(s.polled, paymentID)
	return s.pollStatus, s.pollErr
}

func (s *stubReconciler) AttachCheckout(ctx context.Context, paymentID uuid.UUID, checkoutRequestID, merchantRequestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, checkoutRequestID)
	return nil
}

func (s *stubReconciler) FlagUnmatchedCallback(ctx context.Context, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagged = append(s.flagged, string(body))
}

func (s *stubReconciler) callbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

func TestTaskWorker_ProcessBatch(t *testing.T) {
	ctx := context.Background()
	meta := models.RequestMeta{IPAddress: "196.201.214.200", UserAgent: "Apache-HttpClient/4.5.5", CorrelationID: "req-1"}

	t.Run("callback task done", func(t *testing.T) {
		tasks := newFakeTaskStore()
		stub := &stubReconciler{}
		worker := NewTaskWorker(tasks, stub, testReconcileConfig(), testLogger())

		require.NoError(t, worker.EnqueueCallback(ctx, []byte(`{"Body":{}}`), meta, 3))
		n, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.Len(t, stub.callbacks, 1)
		assert.Equal(t, `{"Body":{}}`, stub.callbacks[0])
		assert.Equal(t, meta, stub.metas[0])

		done := tasks.byType(models.TaskProcessCallback)
		assert.Equal(t, models.TaskStatusDone, done[0].Status)
	})

	t.Run("verify task done while still pending", func(t *testing.T) {
		tasks := newFakeTaskStore()
		stub := &stubReconciler{pollStatus: models.PaymentStatusProcessing}
		worker := NewTaskWorker(tasks, stub, testReconcileConfig(), testLogger())

		id := uuid.New()
		require.NoError(t, tasks.Enqueue(ctx, models.NewReconciliationTask(models.TaskVerifyPayment, &id, nil, time.Now(), 3)))
		_, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)

		assert.Equal(t, []uuid.UUID{id}, stub.polled)
		assert.Equal(t, models.TaskStatusDone, tasks.byType(models.TaskVerifyPayment)[0].Status)
	})

	t.Run("failure is retried with backoff", func(t *testing.T) {
		tasks := newFakeTaskStore()
		stub := &stubReconciler{callbackErr: ErrUnknownCheckout}
		worker := NewTaskWorker(tasks, stub, testReconcileConfig(), testLogger())

		require.NoError(t, worker.EnqueueCallback(ctx, []byte(`{}`), meta, 3))
		_, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)

		task := tasks.byType(models.TaskProcessCallback)[0]
		assert.Equal(t, models.TaskStatusNew, task.Status)
		assert.Equal(t, 1, task.Attempts)
		require.NotNil(t, task.LastError)
		assert.Contains(t, *task.LastError, "no payment session")
		assert.WithinDuration(t, time.Now().Add(time.Second), task.RunAt, 500*time.Millisecond)

		// Not due yet
		n, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("exhausted task fails permanently", func(t *testing.T) {
		tasks := newFakeTaskStore()
		stub := &stubReconciler{pollErr: errors.New("gateway down")}
		worker := NewTaskWorker(tasks, stub, testReconcileConfig(), testLogger())

		id := uuid.New()
		task := models.NewReconciliationTask(models.TaskVerifyPayment, &id, nil, time.Now(), 3)
		task.Attempts = 2
		require.NoError(t, tasks.Enqueue(ctx, task))

		_, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)

		stored := tasks.byType(models.TaskVerifyPayment)[0]
		assert.Equal(t, models.TaskStatusFailed, stored.Status)
		assert.Equal(t, 3, stored.Attempts)
	})

	t.Run("unmatched callback is flagged when exhausted", func(t *testing.T) {
		tasks := newFakeTaskStore()
		stub := &stubReconciler{callbackErr: fmt.Errorf("%w: ws_CO_lost", ErrUnknownCheckout)}
		worker := NewTaskWorker(tasks, stub, testReconcileConfig(), testLogger())

		body := `{"Body":{"stkCallback":{}}}`
		task := models.NewReconciliationTask(models.TaskProcessCallback, nil, models.JSONB{"body": body}, time.Now(), 3)
		task.Attempts = 2
		require.NoError(t, tasks.Enqueue(ctx, task))

		_, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{body}, stub.flagged)
		assert.Equal(t, models.TaskStatusFailed, tasks.byType(models.TaskProcessCallback)[0].Status)
	})

	t.Run("other exhausted failures are not flagged", func(t *testing.T) {
		tasks := newFakeTaskStore()
		stub := &stubReconciler{callbackErr: errors.New("connection refused")}
		worker := NewTaskWorker(tasks, stub, testReconcileConfig(), testLogger())

		task := models.NewReconciliationTask(models.TaskProcessCallback, nil, models.JSONB{"body": `{}`}, time.Now(), 1)
		require.NoError(t, tasks.Enqueue(ctx, task))

		_, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Empty(t, stub.flagged)
	})

	t.Run("verify task attaches a carried checkout", func(t *testing.T) {
		tasks := newFakeTaskStore()
		stub := &stubReconciler{pollStatus: models.PaymentStatusSTKPushed}
		worker := NewTaskWorker(tasks, stub, testReconcileConfig(), testLogger())

		id := uuid.New()
		payload := models.JSONB{"checkout_request_id": "ws_CO_carried", "merchant_request_id": "29115-1"}
		require.NoError(t, tasks.Enqueue(ctx, models.NewReconciliationTask(models.TaskVerifyPayment, &id, payload, time.Now(), 3)))

		_, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"ws_CO_carried"}, stub.attached)
		assert.Equal(t, []uuid.UUID{id}, stub.polled)
	})

	t.Run("malformed tasks", func(t *testing.T) {
		tasks := newFakeTaskStore()
		stub := &stubReconciler{}
		worker := NewTaskWorker(tasks, stub, testReconcileConfig(), testLogger())

		require.NoError(t, tasks.Enqueue(ctx, models.NewReconciliationTask(models.TaskVerifyPayment, nil, nil, time.Now(), 1)))
		require.NoError(t, tasks.Enqueue(ctx, models.NewReconciliationTask("send_sms", nil, nil, time.Now(), 1)))
		require.NoError(t, tasks.Enqueue(ctx, models.NewReconciliationTask(models.TaskProcessCallback, nil, models.JSONB{}, time.Now(), 1)))

		n, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		counts, err := tasks.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.TaskStatusFailed])
		assert.Equal(t, 1, counts[models.TaskStatusDone], "empty callback body is dropped")
		assert.Zero(t, stub.callbackCount())
	})
}

func TestTaskWorker_RetryDelayDoubles(t *testing.T) {
	worker := NewTaskWorker(newFakeTaskStore(), &stubReconciler{}, testReconcileConfig(), testLogger())

	assert.Equal(t, time.Second, worker.retryDelay(0))
	assert.Equal(t, 2*time.Second, worker.retryDelay(1))
	assert.Equal(t, 8*time.Second, worker.retryDelay(3))
	assert.Equal(t, worker.retryDelay(10), worker.retryDelay(25), "capped")
}

func TestTaskWorker_StartWakeStop(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore()
	stub := &stubReconciler{}
	cfg := testReconcileConfig()
	cfg.TaskPollInterval = time.Hour
	worker := NewTaskWorker(tasks, stub, cfg, testLogger())

	worker.Start(ctx)
	defer worker.Stop()

	require.NoError(t, worker.EnqueueCallback(ctx, []byte(`{"Body":{}}`), models.RequestMeta{}, 3))
	assert.Eventually(t, func() bool { return stub.callbackCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestTaskWorker_StopWithoutStart(t *testing.T) {
	worker := NewTaskWorker(newFakeTaskStore(), &stubReconciler{}, testReconcileConfig(), testLogger())
	worker.Stop()
}

func TestTaskWorker_CallbackBeforePushResponse(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld()
	trip := w.newTrip(1, 500)
	rider := uuid.New()
	worker := NewTaskWorker(w.tasks, w.payments, testReconcileConfig(), testLogger())

	// The callback lands first and cannot be matched yet
	require.NoError(t, worker.EnqueueCallback(ctx, successCallback("ws_CO_early", 500), models.RequestMeta{}, 5))
	_, err := worker.ProcessBatch(ctx)
	require.NoError(t, err)
	callback := w.tasks.byType(models.TaskProcessCallback)[0]
	assert.Equal(t, models.TaskStatusNew, callback.Status)

	session := w.lockAndPay(t, trip, 1, rider, "ws_CO_early")

	// Make the retry due and run it
	w.tasks.mu.Lock()
	w.tasks.tasks[callback.ID].RunAt = time.Now().Add(-time.Second)
	w.tasks.mu.Unlock()

	_, err = worker.ProcessBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusCompleted, w.sessions.get(session.ID).Status)
	assert.True(t, w.seats.seat(trip.ID, 1).IsBooked)
	assert.Equal(t, models.TaskStatusDone, w.tasks.byType(models.TaskProcessCallback)[0].Status)
}

func TestTaskWorker_UnmatchedSuccessAlertsOperators(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld()
	worker := NewTaskWorker(w.tasks, w.payments, testReconcileConfig(), testLogger())

	require.NoError(t, worker.EnqueueCallback(ctx, successCallback("ws_CO_orphan", 500), models.RequestMeta{}, 1))
	_, err := worker.ProcessBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusFailed, w.tasks.byType(models.TaskProcessCallback)[0].Status)

	alerts := w.notifier.payloads(RoomOperators, EventRefundRequired)
	require.Len(t, alerts, 1)
	assert.Equal(t, "NLJ7RT61SV", alerts[0]["receipt_number"])
	assert.Equal(t, "ws_CO_orphan", alerts[0]["checkout_request_id"])

	refunds := w.audits.ofType(models.PaymentEventRefundRequired)
	require.Len(t, refunds, 1)
	assert.Nil(t, refunds[0].PaymentSessionID)

	t.Run("declined callbacks raise nothing", func(t *testing.T) {
		require.NoError(t, worker.EnqueueCallback(ctx, failedCallback("ws_CO_orphan2", 1032), models.RequestMeta{}, 1))
		_, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Len(t, w.notifier.payloads(RoomOperators, EventRefundRequired), 1)
	})
}

func TestTaskWorker_VerifyAttachesUnrecordedPush(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld()
	trip := w.newTrip(1, 500)
	rider := uuid.New()

	_, err := w.locks.LockSeat(ctx, trip.ID, 1, rider)
	require.NoError(t, err)
	w.payments.sessionRepo = &contextAwareSessions{fakeSessionStore: w.sessions, pushErr: errors.New("driver: bad connection")}
	w.gateway.nextCheckout = "ws_CO_unrecorded"

	_, err = w.payments.InitiatePayment(ctx, rider, testPhone, models.RequestMeta{})
	require.Error(t, err)

	verify := w.tasks.byType(models.TaskVerifyPayment)
	require.Len(t, verify, 1)
	sessionID := *verify[0].PaymentSessionID
	stored := w.sessions.get(sessionID)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
	require.Len(t, stored.ErrorLog, 1)
	assert.Contains(t, stored.ErrorLog[0].Message, "ws_CO_unrecorded")

	// Storage is back by the time the verification runs
	w.payments.sessionRepo = w.sessions
	w.gateway.queryResult = &models.ProviderResult{Outcome: models.ProviderOutcomeSuccess, ReceiptNumber: "QK12XYZ"}
	w.tasks.mu.Lock()
	w.tasks.tasks[verify[0].ID].RunAt = time.Now().Add(-time.Second)
	w.tasks.mu.Unlock()

	worker := NewTaskWorker(w.tasks, w.payments, testReconcileConfig(), testLogger())
	_, err = worker.ProcessBatch(ctx)
	require.NoError(t, err)

	stored = w.sessions.get(sessionID)
	assert.Equal(t, "ws_CO_unrecorded", stored.Checkout())
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)
	assert.True(t, w.seats.seat(trip.ID, 1).IsBooked)
}
