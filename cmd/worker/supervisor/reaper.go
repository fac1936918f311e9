// Package supervisor returns executions abandoned by dead workers to the
// queue. A running execution whose lease expired is released back to
// pending and republished; completed block rows make the reclaiming
// worker skip nodes that already finished.
package supervisor

import (
	"context"
	"time"

	"github.com/fluxline/engine/common/metrics"
	"github.com/fluxline/engine/common/models"
	"github.com/fluxline/engine/common/queue"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const (
	reapInterval = 30 * time.Second

	// reapBatch bounds how many stale leases one tick releases
	reapBatch = 50
)

// ExecutionSource is the slice of the execution repository the reaper needs
type ExecutionSource interface {
	ListStaleRunning(ctx context.Context, leaseTTL time.Duration, limit int) ([]*models.Execution, error)
	Release(ctx context.Context, id string, leaseTTL time.Duration) (bool, error)
}

// Reaper periodically scans for running executions whose lease expired,
// releases them, and republishes them for another worker to claim
type Reaper struct {
	executions ExecutionSource
	broker     queue.Broker
	metrics    *metrics.Worker
	leaseTTL   time.Duration
	logger     Logger
}

// NewReaper creates a lease reaper
func NewReaper(executions ExecutionSource, broker queue.Broker, workerMetrics *metrics.Worker, leaseTTL time.Duration, logger Logger) *Reaper {
	return &Reaper{
		executions: executions,
		broker:     broker,
		metrics:    workerMetrics,
		leaseTTL:   leaseTTL,
		logger:     logger,
	}
}

// Run scans on a fixed interval until ctx is canceled
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	r.logger.Info("lease reaper started",
		"interval", reapInterval,
		"lease_ttl", r.leaseTTL)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("lease reaper stopped")
			return nil
		case <-ticker.C:
			if n := r.reapOnce(ctx); n > 0 {
				r.logger.Info("requeued stale executions", "count", n)
			}
		}
	}
}

// reapOnce releases one batch of stale leases and returns how many
// executions were requeued. The conditional release never clobbers an
// owner that heartbeat since the scan.
func (r *Reaper) reapOnce(ctx context.Context) int {
	stale, err := r.executions.ListStaleRunning(ctx, r.leaseTTL, reapBatch)
	if err != nil {
		r.logger.Error("failed to list stale executions", "error", err)
		return 0
	}

	released := 0
	for _, e := range stale {
		ok, err := r.executions.Release(ctx, e.ID, r.leaseTTL)
		if err != nil {
			r.logger.Error("failed to release execution", "execution_id", e.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		msg := &models.QueueMessage{
			ExecutionID: e.ID,
			WorkflowID:  e.WorkflowID,
			UserID:      e.UserID,
		}
		if err := r.broker.Publish(ctx, msg); err != nil {
			r.logger.Error("failed to requeue released execution", "execution_id", e.ID, "error", err)
			continue
		}

		holder := ""
		if e.LockedBy != nil {
			holder = *e.LockedBy
		}
		r.metrics.ExecutionReleased()
		r.logger.Warn("released stale execution lease",
			"execution_id", e.ID,
			"locked_by", holder)
		released++
	}
	return released
}
