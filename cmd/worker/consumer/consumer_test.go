package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/engine/cmd/worker/executor"
	"github.com/fluxline/engine/cmd/worker/lifecycle"
	"github.com/fluxline/engine/cmd/worker/monitor"
	"github.com/fluxline/engine/common/config"
	"github.com/fluxline/engine/common/models"
	"github.com/fluxline/engine/common/queue"
	"github.com/fluxline/engine/common/ratelimit"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

type nopLogStore struct{}

func (nopLogStore) AppendExecution(ctx context.Context, executionID string, level models.LogLevel, message string, metadata map[string]interface{}) error {
	return nil
}

func (nopLogStore) AppendNode(ctx context.Context, executionID, nodeID string, level models.LogLevel, message string, metadata map[string]interface{}) error {
	return nil
}

type fakeExecutions struct {
	mu      sync.Mutex
	rows    map[string]*models.Execution
	claimOK bool
	claims  []string
	fails   map[string]string
	reopens []string
}

func (f *fakeExecutions) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}

func (f *fakeExecutions) Claim(ctx context.Context, id, workerID string, leaseTTL time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, id)
	return f.claimOK, nil
}

func (f *fakeExecutions) Fail(ctx context.Context, id, workerID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[id] = errMsg
	if row, ok := f.rows[id]; ok {
		row.Status = models.ExecutionFailed
	}
	return nil
}

func (f *fakeExecutions) Reopen(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopens = append(f.reopens, id)
	if row, ok := f.rows[id]; ok {
		row.Status = models.ExecutionPending
	}
	return true, nil
}

type fakeWorkflows struct {
	mu    sync.Mutex
	rows  map[string]*models.Workflow
	calls int
}

func (f *fakeWorkflows) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.rows[id], nil
}

type fakeProfiles struct {
	mu         sync.Mutex
	rows       map[string]*models.Profile
	fetches    int
	increments int
}

func (f *fakeProfiles) GetByUserID(ctx context.Context, userID string) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.rows[userID], nil
}

func (f *fakeProfiles) IncrementExecutionCount(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments++
	p, ok := f.rows[userID]
	if !ok {
		return 0, fmt.Errorf("profile %s not found", userID)
	}
	p.MonthlyExecutionCount++
	return p.MonthlyExecutionCount, nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []executor.Request
	run   func(req executor.Request) (*executor.Result, error)
}

func (r *fakeRunner) ExecuteWorkflow(ctx context.Context, req executor.Request) (*executor.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	if r.run != nil {
		return r.run(req)
	}
	return &executor.Result{Status: models.ExecutionCompleted}, nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	checks []ratelimit.Tier
	result *ratelimit.Result
	err    error
}

func (f *fakeLimiter) CheckTieredLimit(ctx context.Context, userID string, tier ratelimit.Tier) (*ratelimit.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, tier)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	failed []string
}

func (n *recordingNotifier) NotifyWorkflowCompleted(ctx context.Context, userID, executionID, workflowID string) {
}

func (n *recordingNotifier) NotifyWorkflowFailed(ctx context.Context, userID, executionID, workflowID, errMsg string, duration time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, executionID)
}

type harness struct {
	broker     *queue.MemoryBroker
	executions *fakeExecutions
	workflows  *fakeWorkflows
	profiles   *fakeProfiles
	runner     *fakeRunner
	notifier   *recordingNotifier
	consumer   *Consumer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	broker := queue.NewMemoryBroker()
	executions := &fakeExecutions{rows: map[string]*models.Execution{}, claimOK: true, fails: map[string]string{}}
	workflows := &fakeWorkflows{rows: map[string]*models.Workflow{}}
	profiles := &fakeProfiles{rows: map[string]*models.Profile{}}
	runner := &fakeRunner{}
	notifier := &recordingNotifier{}

	mon := monitor.NewMonitor(time.Minute, nopLogger{})
	execLog := lifecycle.NewExecutionLogger(nopLogStore{}, mon, nopLogger{})

	queueCfg := config.QueueConfig{
		Stream:          "wf.executions",
		RetrySet:        "wf.executions.delayed",
		DLQStream:       "wf.executions.dlq",
		Group:           "execution_workers",
		Prefetch:        2,
		MaxRetries:      3,
		LeaseTTL:        5 * time.Minute,
		PromoteInterval: time.Second,
	}
	cacheCfg := config.CacheConfig{MaxEntries: 10, TTL: time.Hour}

	c := NewConsumer(broker, executions, workflows, profiles, nil, runner, execLog, notifier, nil, queueCfg, cacheCfg, "", nopLogger{})
	c.jitterN = func(n int64) int64 { return 0 }

	return &harness{
		broker:     broker,
		executions: executions,
		workflows:  workflows,
		profiles:   profiles,
		runner:     runner,
		notifier:   notifier,
		consumer:   c,
	}
}

// seed provisions a claimable execution with an owned workflow and a
// profile well under quota, returning its queue message
func (h *harness) seed(executionID string, status models.ExecutionStatus) *models.QueueMessage {
	h.executions.rows[executionID] = &models.Execution{
		ID:         executionID,
		WorkflowID: "W1",
		UserID:     "U1",
		Status:     status,
	}
	h.workflows.rows["W1"] = &models.Workflow{
		ID:     "W1",
		UserID: "U1",
		Name:   "pipeline",
		Nodes:  []models.Node{{ID: "A", Type: "http", Data: models.NodeData{Type: "http"}}},
	}
	h.profiles.rows["U1"] = &models.Profile{UserID: "U1", MonthlyExecutionCount: 1, MonthlyExecutionQuota: 100}
	return &models.QueueMessage{ExecutionID: executionID, WorkflowID: "W1", UserID: "U1"}
}

func delivery(id string, msg *models.QueueMessage) *queue.Delivery {
	return &queue.Delivery{ID: id, Message: msg}
}

func TestConsumerProcessesExecution(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionPending)

	h.consumer.Process(context.Background(), delivery("d1", msg))

	require.Len(t, h.runner.calls, 1)
	req := h.runner.calls[0]
	assert.Equal(t, "E1", req.Execution.ID)
	assert.Equal(t, "W1", req.Workflow.ID)
	assert.Equal(t, h.consumer.WorkerID(), req.WorkerID)

	assert.Equal(t, []string{"E1"}, h.executions.claims)
	assert.Equal(t, 1, h.profiles.increments)
	assert.Equal(t, []string{"d1"}, h.broker.Acked())
	assert.Empty(t, h.broker.DeadLetters())
	assert.Zero(t, h.broker.DelayedCount())
}

func TestConsumerQuotaExceeded(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionPending)
	h.profiles.rows["U1"].MonthlyExecutionCount = 100

	h.consumer.Process(context.Background(), delivery("d1", msg))

	assert.Empty(t, h.runner.calls, "executor must not run over quota")
	assert.Zero(t, h.profiles.increments, "quota refusal must not consume an execution")

	require.Contains(t, h.executions.fails, "E1")
	assert.Contains(t, h.executions.fails["E1"], "quota exceeded")
	assert.Equal(t, []string{"E1"}, h.notifier.failed)

	dead := h.broker.DeadLetters()
	require.Len(t, dead, 1)
	assert.True(t, strings.HasPrefix(dead[0].Reason, KindQuota+":"), "reason %q should carry the kind", dead[0].Reason)
	assert.Equal(t, []string{"d1"}, h.broker.Acked())
	assert.Empty(t, h.executions.reopens, "quota failures are not retryable")
}

func TestConsumerClaimConflict(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionPending)
	h.executions.claimOK = false

	h.consumer.Process(context.Background(), delivery("d1", msg))

	assert.Empty(t, h.runner.calls)
	assert.Empty(t, h.executions.fails)
	assert.Empty(t, h.broker.DeadLetters())
	assert.Zero(t, h.broker.DelayedCount())
	assert.Equal(t, []string{"d1"}, h.broker.Acked(), "conflicting claims drop silently")
}

func TestConsumerDropsTerminalExecution(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionCompleted)

	h.consumer.Process(context.Background(), delivery("d1", msg))

	assert.Empty(t, h.executions.claims, "terminal executions are never claimed")
	assert.Empty(t, h.runner.calls)
	assert.Equal(t, []string{"d1"}, h.broker.Acked())
}

func TestConsumerDropsUnknownExecution(t *testing.T) {
	h := newHarness(t)
	msg := &models.QueueMessage{ExecutionID: "ghost", WorkflowID: "W1", UserID: "U1"}

	h.consumer.Process(context.Background(), delivery("d1", msg))

	assert.Empty(t, h.runner.calls)
	assert.Equal(t, []string{"d1"}, h.broker.Acked())
	assert.Empty(t, h.broker.DeadLetters())
}

func TestConsumerPausedExecution(t *testing.T) {
	h := newHarness(t)

	// non-resume messages for a paused execution are dropped
	msg := h.seed("E1", models.ExecutionPaused)
	h.consumer.Process(context.Background(), delivery("d1", msg))
	assert.Empty(t, h.executions.claims)
	assert.Empty(t, h.runner.calls)

	// a resume message proceeds through the claim
	resume := h.seed("E2", models.ExecutionPaused)
	resume.ResumeFromNodeID = "A"
	h.consumer.Process(context.Background(), delivery("d2", resume))
	require.Len(t, h.runner.calls, 1)
	assert.Equal(t, "A", h.runner.calls[0].ResumeFromNodeID)
}

func TestConsumerRetryableFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionPending)
	h.runner.run = func(req executor.Request) (*executor.Result, error) {
		return &executor.Result{Status: models.ExecutionFailed}, errors.New("fetch failed: socket hang up")
	}

	h.consumer.Process(context.Background(), delivery("d1", msg))

	assert.Equal(t, []string{"E1"}, h.executions.reopens, "row must return to pending before the retry lands")
	assert.Equal(t, []string{"d1"}, h.broker.Acked())
	assert.Empty(t, h.broker.DeadLetters())
	require.EqualValues(t, 1, h.broker.DelayedCount())

	h.broker.PromoteNow()
	d, err := h.broker.Consume(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Message.RetryCount, "retry count increments on each requeue")
	assert.Equal(t, "E1", d.Message.ExecutionID)
}

func TestConsumerRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionPending)
	msg.RetryCount = 3
	h.runner.run = func(req executor.Request) (*executor.Result, error) {
		return &executor.Result{Status: models.ExecutionFailed}, errors.New("fetch failed: socket hang up")
	}

	h.consumer.Process(context.Background(), delivery("d1", msg))

	assert.Empty(t, h.executions.reopens)
	assert.Zero(t, h.broker.DelayedCount())

	dead := h.broker.DeadLetters()
	require.Len(t, dead, 1)
	assert.True(t, strings.HasPrefix(dead[0].Reason, KindNetwork+":"))
	assert.Equal(t, 3, dead[0].Message.RetryCount)
}

func TestConsumerNonRetryableFailureDeadLetters(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionPending)
	h.runner.run = func(req executor.Request) (*executor.Result, error) {
		return &executor.Result{Status: models.ExecutionFailed}, errors.New("unauthorized: invalid token")
	}

	h.consumer.Process(context.Background(), delivery("d1", msg))

	assert.Empty(t, h.executions.reopens)
	assert.Zero(t, h.broker.DelayedCount())

	dead := h.broker.DeadLetters()
	require.Len(t, dead, 1)
	assert.True(t, strings.HasPrefix(dead[0].Reason, KindAuthentication+":"))
}

func TestConsumerOwnershipMismatch(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionPending)
	h.workflows.rows["W1"].UserID = "someone-else"

	h.consumer.Process(context.Background(), delivery("d1", msg))

	assert.Empty(t, h.runner.calls)
	require.Contains(t, h.executions.fails, "E1")
	assert.Contains(t, h.executions.fails["E1"], "does not belong")

	dead := h.broker.DeadLetters()
	require.Len(t, dead, 1)
	assert.True(t, strings.HasPrefix(dead[0].Reason, KindAuthentication+":"))
}

func TestConsumerMalformedEnvelope(t *testing.T) {
	h := newHarness(t)

	h.consumer.Process(context.Background(), &queue.Delivery{ID: "d1", Message: nil})

	dead := h.broker.DeadLetters()
	require.Len(t, dead, 1)
	assert.Empty(t, h.executions.claims)
}

func TestConsumerWorkflowCacheHit(t *testing.T) {
	h := newHarness(t)
	first := h.seed("E1", models.ExecutionPending)
	h.consumer.Process(context.Background(), delivery("d1", first))

	second := h.seed("E2", models.ExecutionPending)
	h.consumer.Process(context.Background(), delivery("d2", second))

	assert.Equal(t, 1, h.workflows.calls, "second lookup should hit the cache")
	assert.Equal(t, 1, h.profiles.fetches)
	assert.Equal(t, 2, h.profiles.increments)
	assert.Len(t, h.runner.calls, 2)
}

func TestConsumerRetryDelayGrowsAndCaps(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, 2*time.Second, h.consumer.retryDelay(2*time.Second, 0))
	assert.Equal(t, 4*time.Second, h.consumer.retryDelay(2*time.Second, 1))
	assert.Equal(t, 8*time.Second, h.consumer.retryDelay(2*time.Second, 2))
	assert.Equal(t, maxRetryDelay, h.consumer.retryDelay(30*time.Second, 2), "delay is capped")
}

func TestConsumerRateLimitDefersExecution(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionPending)
	limiter := &fakeLimiter{result: &ratelimit.Result{Allowed: false, RetryAfterSeconds: 7}}
	h.consumer.limiter = limiter

	h.consumer.Process(context.Background(), delivery("d1", msg))

	assert.Empty(t, h.executions.claims, "deferred executions are never claimed")
	assert.Empty(t, h.runner.calls)
	assert.Zero(t, h.profiles.increments)
	assert.Empty(t, h.executions.fails, "deferral is backpressure, not failure")
	require.EqualValues(t, 1, h.broker.DelayedCount())
	assert.Equal(t, []string{"d1"}, h.broker.Acked())

	require.Len(t, limiter.checks, 1)
	assert.Equal(t, ratelimit.TierStandard, limiter.checks[0], "one outbound node tiers standard")

	h.broker.PromoteNow()
	d, err := h.broker.Consume(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 0, d.Message.RetryCount, "deferral burns no retry budget")
	assert.Equal(t, "E1", d.Message.ExecutionID)
}

func TestConsumerRateLimitFailsOpen(t *testing.T) {
	h := newHarness(t)
	msg := h.seed("E1", models.ExecutionPending)
	h.consumer.limiter = &fakeLimiter{err: errors.New("redis down")}

	h.consumer.Process(context.Background(), delivery("d1", msg))

	require.Len(t, h.runner.calls, 1, "limiter outage must not stop executions")
	assert.Equal(t, []string{"d1"}, h.broker.Acked())
	assert.Zero(t, h.broker.DelayedCount())
}

func TestConsumerRateLimitSkipsResumes(t *testing.T) {
	h := newHarness(t)
	resume := h.seed("E1", models.ExecutionPaused)
	resume.ResumeFromNodeID = "A"
	limiter := &fakeLimiter{result: &ratelimit.Result{Allowed: false, RetryAfterSeconds: 10}}
	h.consumer.limiter = limiter

	h.consumer.Process(context.Background(), delivery("d1", resume))

	require.Len(t, h.runner.calls, 1, "resumes continue an admitted execution")
	assert.Empty(t, limiter.checks)
}
