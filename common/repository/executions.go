// Package repository holds the pgx-backed persistence for the execution
// worker: executions, per-node block executions, append-only logs,
// circuit breaker rows, read-only workflows, and user profiles.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fluxline/engine/common/db"
	"github.com/fluxline/engine/common/models"
)

// ExecutionRepository handles database operations for workflow executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

const executionColumns = `
	id, workflow_id, user_id, status, input, output, error, locked_by,
	trigger_type, created_at, updated_at, started_at, completed_at
`

func scanExecution(row pgx.Row) (*models.Execution, error) {
	e := &models.Execution{}
	err := row.Scan(
		&e.ID,
		&e.WorkflowID,
		&e.UserID,
		&e.Status,
		&e.Input,
		&e.Output,
		&e.Error,
		&e.LockedBy,
		&e.TriggerType,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.StartedAt,
		&e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID retrieves an execution, nil when absent
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	e, err := scanExecution(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return e, nil
}

// Claim acquires the exclusive lock on an execution for workerID. The
// compare-and-swap succeeds when no worker holds the lock, when the
// current holder's lease has expired, or when this worker already holds
// it (redelivery). Terminal executions are never claimable.
func (r *ExecutionRepository) Claim(ctx context.Context, id, workerID string, leaseTTL time.Duration) (bool, error) {
	query := `
		UPDATE executions
		SET locked_by = $2,
		    status = 'running',
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'running', 'paused')
		  AND (locked_by IS NULL OR locked_by = $2 OR updated_at < NOW() - $3::interval)
	`

	tag, err := r.db.Exec(ctx, query, id, workerID, leaseTTL)
	if err != nil {
		return false, fmt.Errorf("failed to claim execution %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Heartbeat refreshes the claim lease. Only the lock holder touches the row.
func (r *ExecutionRepository) Heartbeat(ctx context.Context, id, workerID string) error {
	query := `UPDATE executions SET updated_at = NOW() WHERE id = $1 AND locked_by = $2`

	if _, err := r.db.Exec(ctx, query, id, workerID); err != nil {
		return fmt.Errorf("failed to heartbeat execution %s: %w", id, err)
	}
	return nil
}

// Complete transitions the execution to completed with its final outputs
// and releases the lock. No-op unless workerID holds the claim.
func (r *ExecutionRepository) Complete(ctx context.Context, id, workerID string, output map[string]interface{}) error {
	query := `
		UPDATE executions
		SET status = 'completed',
		    output = $3,
		    error = NULL,
		    locked_by = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
	`

	tag, err := r.db.Exec(ctx, query, id, workerID, output)
	if err != nil {
		return fmt.Errorf("failed to complete execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to complete execution %s: claim lost", id)
	}
	return nil
}

// Fail transitions the execution to failed with the terminal error and
// releases the lock. No-op unless workerID holds the claim.
func (r *ExecutionRepository) Fail(ctx context.Context, id, workerID, errMsg string) error {
	query := `
		UPDATE executions
		SET status = 'failed',
		    error = $3,
		    locked_by = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
	`

	tag, err := r.db.Exec(ctx, query, id, workerID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to fail execution %s: claim lost", id)
	}
	return nil
}

// Reopen returns a just-failed execution to pending so a delayed queue
// retry can claim it again. Fail released the lock, so the guard is the
// failed status; a failed row is unclaimable by anyone else in between.
// The last error is kept for diagnostics.
func (r *ExecutionRepository) Reopen(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE executions
		SET status = 'pending',
		    locked_by = NULL,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reopen execution %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStaleRunning returns running executions whose lease expired,
// candidates for reclaim by the lease reaper
func (r *ExecutionRepository) ListStaleRunning(ctx context.Context, leaseTTL time.Duration, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'running'
		  AND locked_by IS NOT NULL
		  AND updated_at < NOW() - $1::interval
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, leaseTTL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// Release clears an expired claim and returns the execution to pending
// so it can be requeued. Guarded so a live owner that heartbeat in the
// meantime is never clobbered.
func (r *ExecutionRepository) Release(ctx context.Context, id string, leaseTTL time.Duration) (bool, error) {
	query := `
		UPDATE executions
		SET status = 'pending',
		    locked_by = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND updated_at < NOW() - $2::interval
	`

	tag, err := r.db.Exec(ctx, query, id, leaseTTL)
	if err != nil {
		return false, fmt.Errorf("failed to release execution %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
