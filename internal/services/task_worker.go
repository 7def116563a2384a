package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// PaymentReconciler is the part of PaymentSessionService the worker drives
type PaymentReconciler interface {
	ApplyCallback(ctx context.Context, body []byte, meta models.RequestMeta) error
	PollProviderStatus(ctx context.Context, paymentID uuid.UUID) (models.PaymentStatus, error)
	AttachCheckout(ctx context.Context, paymentID uuid.UUID, checkoutRequestID, merchantRequestID string) error
	FlagUnmatchedCallback(ctx context.Context, body []byte)
}

// TaskWorker drains the reconciliation_tasks queue. Claims use
// FOR UPDATE SKIP LOCKED so several replicas can run a worker each.
type TaskWorker struct {
	taskRepo     TaskStore
	payments     PaymentReconciler
	pollInterval time.Duration
	batchSize    int
	backoff      time.Duration
	logger       *logrus.Logger

	wake     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTaskWorker creates a new task worker
func NewTaskWorker(taskRepo TaskStore, payments PaymentReconciler, cfg config.ReconcileConfig, logger *logrus.Logger) *TaskWorker {
	pollInterval := cfg.TaskPollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &TaskWorker{
		taskRepo:     taskRepo,
		payments:     payments,
		pollInterval: pollInterval,
		batchSize:    cfg.TaskBatchSize,
		backoff:      cfg.TaskBackoff,
		logger:       logger,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// EnqueueCallback stores a raw provider callback for processing and wakes
// the worker
func (w *TaskWorker) EnqueueCallback(ctx context.Context, body []byte, meta models.RequestMeta, maxAttempts int) error {
	payload := models.JSONB{
		"body":           string(body),
		"ip_address":     meta.IPAddress,
		"user_agent":     meta.UserAgent,
		"correlation_id": meta.CorrelationID,
	}
	task := models.NewReconciliationTask(models.TaskProcessCallback, nil, payload, time.Now(), maxAttempts)
	if err := w.taskRepo.Enqueue(ctx, task); err != nil {
		return err
	}
	w.Wake()
	return nil
}

// Wake asks the worker to poll now instead of waiting for the next tick
func (w *TaskWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start runs the worker loop until ctx is cancelled or Stop is called
func (w *TaskWorker) Start(ctx context.Context) {
	w.started.Store(true)
	go w.run(ctx)
	w.logger.WithFields(logrus.Fields{
		"poll_interval": w.pollInterval.String(),
		"batch_size":    w.batchSize,
	}).Info("[TASKS] Worker started")
}

// Stop stops the loop and waits for the batch in progress
func (w *TaskWorker) Stop() {
	if !w.started.Load() {
		return
	}
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	w.logger.Info("[TASKS] Worker stopped")
}

func (w *TaskWorker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.wake:
		}

		if _, err := w.ProcessBatch(ctx); err != nil {
			w.logger.WithError(err).Error("[TASKS] Failed to process batch")
		}
	}
}

// ProcessBatch claims due tasks and handles them one by one. It returns the
// number of tasks claimed.
func (w *TaskWorker) ProcessBatch(ctx context.Context) (int, error) {
	tasks, err := w.taskRepo.ClaimDue(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	for i := range tasks {
		w.handle(ctx, &tasks[i])
	}
	return len(tasks), nil
}

func (w *TaskWorker) handle(ctx context.Context, task *models.ReconciliationTask) {
	log := w.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"task_type": task.TaskType,
		"attempt":   task.Attempts + 1,
	})
	if task.PaymentSessionID != nil {
		log = log.WithField("payment_id", *task.PaymentSessionID)
	}

	err := w.dispatch(ctx, task)
	if err == nil {
		if err := w.taskRepo.MarkDone(ctx, task.ID); err != nil {
			log.WithError(err).Error("[TASKS] Failed to mark task done")
		}
		tasksProcessed.WithLabelValues(string(task.TaskType), "done").Inc()
		return
	}

	if task.ExhaustedAfterFailure() {
		log.WithError(err).Error("[TASKS] Task failed permanently")
		if task.TaskType == models.TaskProcessCallback && errors.Is(err, ErrUnknownCheckout) {
			w.payments.FlagUnmatchedCallback(ctx, []byte(task.RawBody()))
		}
		if markErr := w.taskRepo.MarkFailed(ctx, task.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("[TASKS] Failed to mark task failed")
		}
		tasksProcessed.WithLabelValues(string(task.TaskType), "failed").Inc()
		return
	}

	delay := w.retryDelay(task.Attempts)
	log.WithError(err).WithField("retry_in", delay.String()).Warn("[TASKS] Task failed, retrying")
	if rescheduleErr := w.taskRepo.Reschedule(ctx, task.ID, time.Now().Add(delay), err.Error()); rescheduleErr != nil {
		log.WithError(rescheduleErr).Error("[TASKS] Failed to reschedule task")
	}
	tasksProcessed.WithLabelValues(string(task.TaskType), "retry").Inc()
}

func (w *TaskWorker) dispatch(ctx context.Context, task *models.ReconciliationTask) error {
	switch task.TaskType {
	case models.TaskProcessCallback:
		body := task.RawBody()
		if body == "" {
			return nil
		}
		return w.payments.ApplyCallback(ctx, []byte(body), callbackMeta(task.Payload))

	case models.TaskVerifyPayment:
		if task.PaymentSessionID == nil {
			return errors.New("verify task has no payment session")
		}
		if checkout, merchant := task.PushedCheckout(); checkout != "" {
			if err := w.payments.AttachCheckout(ctx, *task.PaymentSessionID, checkout, merchant); err != nil {
				return err
			}
		}
		status, err := w.payments.PollProviderStatus(ctx, *task.PaymentSessionID)
		if err != nil {
			return err
		}
		if !status.IsTerminal() {
			// Still waiting on the customer; the callback or the expiry sweep settles it
			w.logger.WithFields(logrus.Fields{
				"payment_id": *task.PaymentSessionID,
				"status":     status,
			}).Debug("[TASKS] Payment still unresolved")
		}
		return nil

	default:
		return fmt.Errorf("unknown task type %q", task.TaskType)
	}
}

// retryDelay doubles the base backoff per attempt already made
func (w *TaskWorker) retryDelay(attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	return w.backoff * time.Duration(1<<attempts)
}

func callbackMeta(payload models.JSONB) models.RequestMeta {
	str := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}
	return models.RequestMeta{
		IPAddress:     str("ip_address"),
		UserAgent:     str("user_agent"),
		CorrelationID: str("correlation_id"),
	}
}
