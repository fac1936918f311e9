// Package consumer pulls pending executions off the broker and drives
// them through the workflow executor: exclusive claim, cached workflow
// and profile lookups, quota enforcement, then outcome routing to ack,
// delayed retry, or the dead-letter queue. Delivery is at-least-once;
// the claim protocol and completed block rows make redelivery safe.
package consumer

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fluxline/engine/cmd/worker/executor"
	"github.com/fluxline/engine/cmd/worker/lifecycle"
	"github.com/fluxline/engine/common/cache"
	"github.com/fluxline/engine/common/config"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/metrics"
	"github.com/fluxline/engine/common/models"
	"github.com/fluxline/engine/common/queue"
	"github.com/fluxline/engine/common/ratelimit"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// maxRetryDelay caps the exponential backoff between queue retries
const maxRetryDelay = 30 * time.Second

// retryJitterMax spreads retries so a burst of failures does not
// promote as one thundering herd
const retryJitterMax = 500 * time.Millisecond

// ExecutionSource is the slice of the execution repository the consumer
// needs for the claim protocol
type ExecutionSource interface {
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	Claim(ctx context.Context, id, workerID string, leaseTTL time.Duration) (bool, error)
	Fail(ctx context.Context, id, workerID, errMsg string) error
	Reopen(ctx context.Context, id string) (bool, error)
}

// WorkflowSource loads workflow definitions
type WorkflowSource interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
}

// ProfileSource loads user profiles and applies the quota increment
type ProfileSource interface {
	GetByUserID(ctx context.Context, userID string) (*models.Profile, error)
	IncrementExecutionCount(ctx context.Context, userID string) (int, error)
}

// Runner drives one claimed execution to a terminal state
type Runner interface {
	ExecuteWorkflow(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Limiter meters execution admissions per user and workflow tier.
// A nil Limiter disables metering.
type Limiter interface {
	CheckTieredLimit(ctx context.Context, userID string, tier ratelimit.Tier) (*ratelimit.Result, error)
}

// NewWorkerID returns a process-unique consumer identity used as the
// claim owner and the consumer-group member name
func NewWorkerID() string {
	return fmt.Sprintf("worker-%d-%s", os.Getpid(), uuid.NewString()[:8])
}

// Consumer runs the per-message protocol against the broker
type Consumer struct {
	broker     queue.Broker
	executions ExecutionSource
	workflows  WorkflowSource
	profiles   ProfileSource
	limiter    Limiter
	runner     Runner
	execLog    *lifecycle.ExecutionLogger
	events     executor.Notifier
	metrics    *metrics.Worker
	logger     Logger

	cfg      config.QueueConfig
	workerID string
	sem      *semaphore.Weighted

	workflowCache *cache.LRU
	profileCache  *cache.LRU

	jitterN func(n int64) int64
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer. workerID is the claim owner written to
// execution leases; pass the same name the broker joined the consumer
// group with so both sides of the protocol share one identity. An empty
// workerID gets a generated one.
func NewConsumer(
	broker queue.Broker,
	executions ExecutionSource,
	workflows WorkflowSource,
	profiles ProfileSource,
	limiter Limiter,
	runner Runner,
	execLog *lifecycle.ExecutionLogger,
	events executor.Notifier,
	workerMetrics *metrics.Worker,
	queueCfg config.QueueConfig,
	cacheCfg config.CacheConfig,
	workerID string,
	logger Logger,
) *Consumer {
	prefetch := queueCfg.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	if workerID == "" {
		workerID = NewWorkerID()
	}
	return &Consumer{
		broker:        broker,
		executions:    executions,
		workflows:     workflows,
		profiles:      profiles,
		limiter:       limiter,
		runner:        runner,
		execLog:       execLog,
		events:        events,
		metrics:       workerMetrics,
		logger:        logger,
		cfg:           queueCfg,
		workerID:      workerID,
		sem:           semaphore.NewWeighted(int64(prefetch)),
		workflowCache: cache.NewLRU(cacheCfg.MaxEntries, cacheCfg.TTL),
		profileCache:  cache.NewLRU(cacheCfg.MaxEntries, cacheCfg.TTL),
		jitterN:       rand.Int63n,
	}
}

// WorkerID exposes the consumer identity for lease bookkeeping
func (c *Consumer) WorkerID() string {
	return c.workerID
}

// Run consumes until ctx is canceled, then drains in-flight executions.
// The semaphore caps concurrent executions at the prefetch count.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("queue consumer started",
		"worker_id", c.workerID,
		"prefetch", c.cfg.Prefetch,
		"max_retries", c.cfg.MaxRetries)

	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			break
		}

		delivery, err := c.broker.Consume(ctx)
		if err != nil {
			c.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("failed to consume from broker", "error", err)
			continue
		}
		if delivery == nil {
			c.sem.Release(1)
			continue
		}

		c.wg.Add(1)
		go func(d *queue.Delivery) {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.Process(ctx, d)
		}(delivery)
	}

	c.wg.Wait()
	c.logger.Info("queue consumer stopped", "worker_id", c.workerID)
	return nil
}

// Process routes one delivery end to end. Every path acks, retries, or
// dead-letters the message exactly once.
func (c *Consumer) Process(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	if msg == nil {
		// a broken envelope never parses better on redelivery
		c.logger.Error("dead-lettering malformed envelope", "delivery_id", d.ID)
		if err := c.broker.Nack(ctx, d, false); err != nil {
			c.logger.Error("failed to dead-letter malformed envelope", "delivery_id", d.ID, "error", err)
		}
		c.metrics.QueueDeadLettered()
		return
	}

	execution, err := c.executions.GetByID(ctx, msg.ExecutionID)
	if err != nil {
		c.logger.Error("failed to load execution", "execution_id", msg.ExecutionID, "error", err)
		c.routeFailure(ctx, d, msg, fmt.Errorf("failed to load execution: %w", err), false)
		return
	}
	if execution == nil {
		c.logger.Warn("execution not found, dropping message", "execution_id", msg.ExecutionID)
		c.ack(ctx, d)
		return
	}
	if execution.IsTerminal() {
		c.logger.Info("execution already terminal, dropping message",
			"execution_id", msg.ExecutionID,
			"status", execution.Status)
		c.ack(ctx, d)
		return
	}
	if execution.Status == models.ExecutionPaused && !msg.IsResume() {
		c.logger.Info("execution paused, dropping non-resume message", "execution_id", msg.ExecutionID)
		c.ack(ctx, d)
		return
	}

	// admission metering happens before the claim so a deferred row stays
	// pending and needs no reopen. Resumes continue an execution that was
	// already admitted, so they pass unmetered.
	if c.limiter != nil && !msg.IsResume() {
		if c.deferOverLimit(ctx, d, msg) {
			return
		}
	}

	claimed, err := c.executions.Claim(ctx, msg.ExecutionID, c.workerID, c.cfg.LeaseTTL)
	if err != nil {
		c.logger.Error("failed to claim execution", "execution_id", msg.ExecutionID, "error", err)
		c.routeFailure(ctx, d, msg, fmt.Errorf("failed to claim execution: %w", err), false)
		return
	}
	if !claimed {
		c.logger.Info("execution claimed by another worker, dropping message",
			"execution_id", msg.ExecutionID)
		c.ack(ctx, d)
		return
	}

	// the claim is held from here: refusals must finalize the row
	wf, err := c.workflow(ctx, msg.WorkflowID)
	if err != nil {
		c.failClaimed(ctx, d, msg, fmt.Errorf("failed to load workflow: %w", err))
		return
	}
	if wf == nil {
		c.failClaimed(ctx, d, msg, fmt.Errorf("invalid configuration: workflow %s not found", msg.WorkflowID))
		return
	}
	if wf.UserID != msg.UserID {
		c.failClaimed(ctx, d, msg, fmt.Errorf("unauthorized: workflow %s does not belong to user %s", wf.ID, msg.UserID))
		return
	}

	profile, err := c.profile(ctx, msg.UserID)
	if err != nil {
		c.failClaimed(ctx, d, msg, fmt.Errorf("failed to load profile: %w", err))
		return
	}
	if profile == nil {
		c.failClaimed(ctx, d, msg, fmt.Errorf("invalid configuration: profile %s not found", msg.UserID))
		return
	}
	if profile.QuotaExhausted() {
		c.failClaimed(ctx, d, msg, &errs.QuotaExceededError{
			UserID: msg.UserID,
			Count:  profile.MonthlyExecutionCount,
			Quota:  profile.MonthlyExecutionQuota,
		})
		return
	}

	count, err := c.profiles.IncrementExecutionCount(ctx, msg.UserID)
	if err != nil {
		c.failClaimed(ctx, d, msg, fmt.Errorf("failed to increment execution count: %w", err))
		return
	}
	updated := *profile
	updated.MonthlyExecutionCount = count
	c.profileCache.Set(msg.UserID, updated)

	result, err := c.runner.ExecuteWorkflow(ctx, executor.Request{
		Execution:        execution,
		Workflow:         wf,
		WorkerID:         c.workerID,
		ResumeFromNodeID: msg.ResumeFromNodeID,
		ResumeData:       msg.ResumeData,
	})
	if err != nil {
		c.routeFailure(ctx, d, msg, err, true)
		return
	}

	c.logger.Info("execution processed",
		"execution_id", msg.ExecutionID,
		"status", result.Status)
	c.ack(ctx, d)
}

// workflow loads a workflow through the LRU cache. Definitions are
// read-only so the cached pointer is shared.
func (c *Consumer) workflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	if v, ok := c.workflowCache.Get(workflowID); ok {
		return v.(*models.Workflow), nil
	}
	wf, err := c.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, nil
	}
	c.workflowCache.Set(workflowID, wf)
	return wf, nil
}

// deferOverLimit requeues the delivery when the user's admission window
// for the workflow's tier is spent, and reports whether it did. The retry
// budget is untouched: being over a window is backpressure, not a failure.
// Lookup and limiter errors fail open; the claim path still stands behind
// this check.
func (c *Consumer) deferOverLimit(ctx context.Context, d *queue.Delivery, msg *models.QueueMessage) bool {
	wf, err := c.workflow(ctx, msg.WorkflowID)
	if err != nil || wf == nil {
		return false
	}

	tier := ratelimit.InspectWorkflow(wf).Tier
	res, err := c.limiter.CheckTieredLimit(ctx, msg.UserID, tier)
	if err != nil || res.Allowed {
		return false
	}

	delay := time.Duration(res.RetryAfterSeconds) * time.Second
	if delay <= 0 {
		delay = time.Second
	}
	if err := c.broker.PublishDelayed(ctx, msg, delay); err != nil {
		c.logger.Error("failed to defer rate-limited execution, processing anyway",
			"execution_id", msg.ExecutionID,
			"error", err)
		return false
	}

	c.metrics.QueueRateLimited()
	c.logger.Warn("execution deferred by rate limit",
		"execution_id", msg.ExecutionID,
		"user_id", msg.UserID,
		"tier", tier,
		"delay", delay)
	c.ack(ctx, d)
	return true
}

// profile loads a user profile through the LRU cache. Profiles are cached
// by value; callers get a private copy.
func (c *Consumer) profile(ctx context.Context, userID string) (*models.Profile, error) {
	if v, ok := c.profileCache.Get(userID); ok {
		p := v.(models.Profile)
		return &p, nil
	}
	p, err := c.profiles.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	c.profileCache.Set(userID, *p)
	return p, nil
}

// failClaimed finalizes a claim-held refusal that the workflow executor
// never saw: the row is failed, the user notified, and the message routed
// by classification
func (c *Consumer) failClaimed(ctx context.Context, d *queue.Delivery, msg *models.QueueMessage, cause error) {
	if err := c.executions.Fail(ctx, msg.ExecutionID, c.workerID, cause.Error()); err != nil {
		c.logger.Error("failed to persist execution failure",
			"execution_id", msg.ExecutionID,
			"error", err)
	}
	c.execLog.Execution(ctx, msg.ExecutionID, models.LogError, "execution rejected before workflow start", map[string]interface{}{
		"error": cause.Error(),
	})
	c.events.NotifyWorkflowFailed(ctx, msg.UserID, msg.ExecutionID, msg.WorkflowID, cause.Error(), 0)
	c.routeFailure(ctx, d, msg, cause, true)
}

// routeFailure applies the classification policy: delayed retry while
// budget remains, dead-letter otherwise. reopen is true when the
// execution row was failed under this worker's claim and must return
// to pending for the retry to be claimable.
func (c *Consumer) routeFailure(ctx context.Context, d *queue.Delivery, msg *models.QueueMessage, cause error, reopen bool) {
	class := Classify(cause)

	if class.Retryable && msg.RetryCount < c.cfg.MaxRetries {
		retry := *msg
		retry.RetryCount = msg.RetryCount + 1
		delay := c.retryDelay(class.BaseDelay, msg.RetryCount)

		if err := c.broker.PublishDelayed(ctx, &retry, delay); err != nil {
			c.logger.Error("failed to schedule retry, dead-lettering",
				"execution_id", msg.ExecutionID,
				"error", err)
			c.deadLetter(ctx, d, msg, cause, class)
			return
		}

		// The retry can only be claimed once the row is back to pending.
		// If the reopen loses, the delayed message is dropped at claim
		// time and the row keeps its terminal error.
		if reopen {
			reopened, err := c.executions.Reopen(ctx, msg.ExecutionID)
			if err != nil {
				c.logger.Error("failed to reopen execution for retry",
					"execution_id", msg.ExecutionID,
					"error", err)
			} else if !reopened {
				c.logger.Warn("execution not reopenable, scheduled retry will drop",
					"execution_id", msg.ExecutionID)
			}
		}

		c.metrics.QueueRetry()
		c.logger.Warn("execution scheduled for retry",
			"execution_id", msg.ExecutionID,
			"kind", class.Kind,
			"retry_count", retry.RetryCount,
			"delay", delay)
		c.ack(ctx, d)
		return
	}

	c.deadLetter(ctx, d, msg, cause, class)
}

// deadLetter routes the message to the DLQ carrying the final error and
// classification kind, then acks the original
func (c *Consumer) deadLetter(ctx context.Context, d *queue.Delivery, msg *models.QueueMessage, cause error, class Classification) {
	reason := fmt.Sprintf("%s: %s", class.Kind, cause.Error())
	if err := c.broker.PublishDead(ctx, msg, reason); err != nil {
		c.logger.Error("failed to dead-letter message",
			"execution_id", msg.ExecutionID,
			"error", err)
		if err := c.broker.Nack(ctx, d, false); err != nil {
			c.logger.Error("failed to nack message", "execution_id", msg.ExecutionID, "error", err)
		}
		c.metrics.QueueDeadLettered()
		return
	}

	c.metrics.QueueDeadLettered()
	c.logger.Error("execution dead-lettered",
		"execution_id", msg.ExecutionID,
		"kind", class.Kind,
		"retry_count", msg.RetryCount,
		"error", cause.Error())
	c.ack(ctx, d)
}

// retryDelay grows exponentially per retry with jitter, capped at 30 s
func (c *Consumer) retryDelay(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base * (1 << uint(retryCount))
	delay += time.Duration(c.jitterN(int64(retryJitterMax)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (c *Consumer) ack(ctx context.Context, d *queue.Delivery) {
	if err := c.broker.Ack(ctx, d); err != nil {
		c.logger.Error("failed to ack message", "delivery_id", d.ID, "error", err)
	}
}
