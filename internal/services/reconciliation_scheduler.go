package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/config"
)

// Scheduled job names
const (
	JobLockSweep    = "lock_sweep"
	JobPaymentSweep = "payment_sweep"
	JobOrphanSweep  = "orphan_sweep"
	JobTaskReclaim  = "task_reclaim"
	JobHousekeeping = "housekeeping"
)

// LockSweeper is satisfied by *SeatLockService
type LockSweeper interface {
	ReleaseExpiredLocks(ctx context.Context) (int64, error)
}

// PaymentExpirer is satisfied by *PaymentSessionService
type PaymentExpirer interface {
	ExpireStaleSessions(ctx context.Context, limit int) (int, error)
}

// OrphanRecoverer is satisfied by *BookingFinalizer
type OrphanRecoverer interface {
	RecoverOrphans(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// RateLimitCleaner is satisfied by *RateLimitService
type RateLimitCleaner interface {
	CleanupExpiredRateLimits(ctx context.Context) (int64, error)
}

// ReconcileReport summarises one synchronous reconciliation pass
type ReconcileReport struct {
	LocksReleased    int64         `json:"locks_released"`
	PaymentsExpired  int           `json:"payments_expired"`
	OrphansRecovered int           `json:"orphans_recovered"`
	Duration         time.Duration `json:"duration_ns"`
}

// ReconciliationScheduler runs the background sweeps on cron schedules
type ReconciliationScheduler struct {
	cron        *cron.Cron
	locks       LockSweeper
	payments    PaymentExpirer
	orphans     OrphanRecoverer
	taskRepo    TaskStore
	rateLimits  RateLimitCleaner
	config      config.ReconcileConfig
	logger      *logrus.Logger
	jobTimeout  time.Duration
	mu          sync.Mutex
	jobNames    map[cron.EntryID]string
	baseContext context.Context
}

// NewReconciliationScheduler creates a new scheduler. Overlapping runs of
// the same job are skipped.
func NewReconciliationScheduler(
	locks LockSweeper,
	payments PaymentExpirer,
	orphans OrphanRecoverer,
	taskRepo TaskStore,
	rateLimits RateLimitCleaner,
	cfg config.ReconcileConfig,
	logger *logrus.Logger,
) *ReconciliationScheduler {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &ReconciliationScheduler{
		cron:        c,
		locks:       locks,
		payments:    payments,
		orphans:     orphans,
		taskRepo:    taskRepo,
		rateLimits:  rateLimits,
		config:      cfg,
		logger:      logger,
		jobTimeout:  2 * time.Minute,
		jobNames:    make(map[cron.EntryID]string),
		baseContext: context.Background(),
	}
}

// Start schedules every job and starts the cron loop. Jobs run with contexts
// derived from ctx.
func (s *ReconciliationScheduler) Start(ctx context.Context) error {
	s.logger.Info("[RECONCILE] Starting reconciliation scheduler")
	s.baseContext = ctx

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (logrus.Fields, error)
	}{
		{JobLockSweep, s.config.LockSweepSpec, s.lockSweep},
		{JobPaymentSweep, s.config.PaymentSweepSpec, s.paymentSweep},
		{JobOrphanSweep, s.config.OrphanSweepSpec, s.orphanSweep},
		{JobTaskReclaim, s.config.TaskReclaimSpec, s.taskReclaim},
		{JobHousekeeping, s.config.HousekeepingSpec, s.housekeeping},
	}

	for _, job := range jobs {
		id, err := s.cron.AddFunc(job.spec, func() { s.runJob(job.name, job.run) })
		if err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", job.name, err)
		}
		s.mu.Lock()
		s.jobNames[id] = job.name
		s.mu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"job":  job.name,
			"spec": job.spec,
		}).Info("[RECONCILE] Job scheduled")
	}

	s.cron.Start()
	s.logger.Info("[RECONCILE] Scheduler started")
	return nil
}

// Stop stops the cron loop and waits for running jobs
func (s *ReconciliationScheduler) Stop() {
	s.logger.Info("[RECONCILE] Stopping scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("[RECONCILE] Scheduler stopped")
}

func (s *ReconciliationScheduler) runJob(name string, run func(context.Context) (logrus.Fields, error)) {
	ctx, cancel := context.WithTimeout(s.baseContext, s.jobTimeout)
	defer cancel()

	start := time.Now()
	fields, err := run(ctx)
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["job"] = name
	fields["duration"] = time.Since(start).String()

	if err != nil {
		reconcileRuns.WithLabelValues(name, "error").Inc()
		s.logger.WithError(err).WithFields(fields).Error("[RECONCILE] Job failed")
		return
	}
	reconcileRuns.WithLabelValues(name, "ok").Inc()
	s.logger.WithFields(fields).Debug("[RECONCILE] Job finished")
}

// ============================================================================
// JOBS
// ============================================================================

func (s *ReconciliationScheduler) lockSweep(ctx context.Context) (logrus.Fields, error) {
	n, err := s.locks.ReleaseExpiredLocks(ctx)
	return logrus.Fields{"released": n}, err
}

func (s *ReconciliationScheduler) paymentSweep(ctx context.Context) (logrus.Fields, error) {
	n, err := s.payments.ExpireStaleSessions(ctx, s.config.BatchSize)
	return logrus.Fields{"expired": n}, err
}

func (s *ReconciliationScheduler) orphanSweep(ctx context.Context) (logrus.Fields, error) {
	n, err := s.orphans.RecoverOrphans(ctx, s.config.OrphanGrace, s.config.BatchSize)
	return logrus.Fields{"recovered": n}, err
}

func (s *ReconciliationScheduler) taskReclaim(ctx context.Context) (logrus.Fields, error) {
	n, err := s.taskRepo.ReclaimStuck(ctx, s.config.TaskClaimTimeout)
	return logrus.Fields{"reclaimed": n}, err
}

func (s *ReconciliationScheduler) housekeeping(ctx context.Context) (logrus.Fields, error) {
	pruned, err := s.taskRepo.PruneFinished(ctx, s.config.TaskRetention)
	if err != nil {
		return nil, err
	}
	cleaned, err := s.rateLimits.CleanupExpiredRateLimits(ctx)
	return logrus.Fields{"tasks_pruned": pruned, "rate_limits_cleaned": cleaned}, err
}

// ============================================================================
// MANUAL RUNS
// ============================================================================

// RunOnce runs the lock, payment and orphan sweeps synchronously. Used by
// the admin endpoint and cmd/reconcile.
func (s *ReconciliationScheduler) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()
	report := &ReconcileReport{}

	released, err := s.locks.ReleaseExpiredLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock sweep failed: %w", err)
	}
	report.LocksReleased = released

	expired, err := s.payments.ExpireStaleSessions(ctx, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("payment sweep failed: %w", err)
	}
	report.PaymentsExpired = expired

	recovered, err := s.orphans.RecoverOrphans(ctx, s.config.OrphanGrace, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("orphan sweep failed: %w", err)
	}
	report.OrphansRecovered = recovered
	report.Duration = time.Since(start)

	s.logger.WithFields(logrus.Fields{
		"locks_released":    report.LocksReleased,
		"payments_expired":  report.PaymentsExpired,
		"orphans_recovered": report.OrphansRecovered,
		"duration":          report.Duration.String(),
	}).Info("[RECONCILE] Manual pass finished")
	return report, nil
}

// GetJobStatus returns next and previous run times per job plus the task
// queue depth
func (s *ReconciliationScheduler) GetJobStatus(ctx context.Context) map[string]interface{} {
	entries := s.cron.Entries()

	s.mu.Lock()
	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"name":     s.jobNames[entry.ID],
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}
	s.mu.Unlock()

	status := map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}

	counts, err := s.taskRepo.CountByStatus(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("[RECONCILE] Failed to count tasks")
	} else {
		status["tasks"] = counts
	}
	return status
}
