package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// ReconciliationTaskRepository is the durable queue behind the task worker
type ReconciliationTaskRepository struct {
	db *sqlx.DB
}

// NewReconciliationTaskRepository creates a new ReconciliationTaskRepository
func NewReconciliationTaskRepository(db *sqlx.DB) *ReconciliationTaskRepository {
	return &ReconciliationTaskRepository{db: db}
}

// Enqueue persists a new task
func (r *ReconciliationTaskRepository) Enqueue(ctx context.Context, task *models.ReconciliationTask) error {
	query := `
		INSERT INTO reconciliation_tasks (
			id, task_type, payment_session_id, payload, status, attempts,
			max_attempts, run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		task.ID, task.TaskType, task.PaymentSessionID, task.Payload, task.Status, task.Attempts,
		task.MaxAttempts, task.RunAt, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", task.TaskType, err)
	}
	return nil
}

// ClaimDue moves up to limit due tasks to processing and returns them.
// SKIP LOCKED lets several workers claim concurrently without overlap.
func (r *ReconciliationTaskRepository) ClaimDue(ctx context.Context, limit int) ([]models.ReconciliationTask, error) {
	tasks := []models.ReconciliationTask{}
	query := `
		WITH due AS (
			SELECT id FROM reconciliation_tasks
			WHERE status = 'new' AND run_at <= NOW()
			ORDER BY run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE reconciliation_tasks t
		SET status = 'processing', updated_at = NOW()
		FROM due
		WHERE t.id = due.id
		RETURNING t.id, t.task_type, t.payment_session_id, t.payload, t.status,
		          t.attempts, t.max_attempts, t.run_at, t.last_error,
		          t.created_at, t.updated_at`

	if err := r.db.SelectContext(ctx, &tasks, query, limit); err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	return tasks, nil
}

// MarkDone completes a claimed task
func (r *ReconciliationTaskRepository) MarkDone(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE reconciliation_tasks
		SET status = 'done', updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark task done: %w", err)
	}
	return nil
}

// Reschedule returns a failed task to the queue to run again at runAt
func (r *ReconciliationTaskRepository) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	query := `
		UPDATE reconciliation_tasks
		SET status = 'new', attempts = attempts + 1, run_at = $2,
		    last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	if _, err := r.db.ExecContext(ctx, query, id, runAt, lastError); err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return nil
}

// MarkFailed gives up on a task after its last attempt
func (r *ReconciliationTaskRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE reconciliation_tasks
		SET status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	if _, err := r.db.ExecContext(ctx, query, id, lastError); err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// ReclaimStuck requeues tasks left in processing longer than claimTimeout,
// which happens when a worker dies mid-task
func (r *ReconciliationTaskRepository) ReclaimStuck(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	query := `
		UPDATE reconciliation_tasks
		SET status = 'new', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1`

	result, err := r.db.ExecContext(ctx, query, time.Now().Add(-claimTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck tasks: %w", err)
	}
	return result.RowsAffected()
}

// PruneFinished deletes done tasks older than retention
func (r *ReconciliationTaskRepository) PruneFinished(ctx context.Context, retention time.Duration) (int64, error) {
	query := `DELETE FROM reconciliation_tasks WHERE status = 'done' AND updated_at < $1`

	result, err := r.db.ExecContext(ctx, query, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune tasks: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus reports queue depth per status
func (r *ReconciliationTaskRepository) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	var rows []struct {
		Status models.TaskStatus `db:"status"`
		Count  int               `db:"count"`
	}
	query := `SELECT status, COUNT(*) AS count FROM reconciliation_tasks GROUP BY status`

	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	counts := make(map[models.TaskStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
