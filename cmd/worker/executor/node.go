// Package executor runs workflow executions: the NodeExecutor drives one
// block through admission, invocation, and retries; the WorkflowExecutor
// walks the scheduled order and owns the execution's lifecycle transitions.
package executor

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/fluxline/engine/cmd/worker/lifecycle"
	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/breaker"
	"github.com/fluxline/engine/common/config"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/metrics"
	"github.com/fluxline/engine/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// NodeRequest carries one node invocation's context
type NodeRequest struct {
	Node        models.Node
	ExecutionID string
	WorkflowID  string
	UserID      string

	// RelevantOutputs holds the direct parents' outputs only
	RelevantOutputs map[string]map[string]interface{}

	// PreviousOutputs holds everything produced so far, for reference
	// resolution
	PreviousOutputs map[string]map[string]interface{}

	// WorkflowData is the trigger payload
	WorkflowData map[string]interface{}
}

// NodeExecutor runs a single block: per attempt it validates inputs
// (lenient), consults the node-type circuit, invokes the handler under a
// timeout, and applies exponential backoff with jitter between attempts.
// An open circuit bypasses the retry loop entirely.
type NodeExecutor struct {
	registry *blocks.Registry
	resolver *blocks.Resolver
	breakers *breaker.MultiLevel
	execLog  *lifecycle.ExecutionLogger
	metrics  *metrics.Worker
	cfg      config.NodeConfig
	strict   bool
	logger   Logger

	sleep   func(ctx context.Context, d time.Duration) error
	jitterN func(n int64) int64
	now     func() time.Time
}

// NewNodeExecutor creates a node executor
func NewNodeExecutor(
	registry *blocks.Registry,
	resolver *blocks.Resolver,
	breakers *breaker.MultiLevel,
	execLog *lifecycle.ExecutionLogger,
	workerMetrics *metrics.Worker,
	nodeCfg config.NodeConfig,
	strictValidation bool,
	logger Logger,
) *NodeExecutor {
	return &NodeExecutor{
		registry: registry,
		resolver: resolver,
		breakers: breakers,
		execLog:  execLog,
		metrics:  workerMetrics,
		cfg:      nodeCfg,
		strict:   strictValidation,
		logger:   logger,
		sleep:    sleepContext,
		jitterN:  rand.Int63n,
		now:      time.Now,
	}
}

// Execute runs the node to success or exhausted retries. MaxRetries bounds
// the total attempt count; zero still grants a single attempt.
func (e *NodeExecutor) Execute(ctx context.Context, req NodeRequest) (map[string]interface{}, error) {
	blockType := blocks.ResolveType(req.Node)
	if blockType == "" {
		return nil, &errs.ValidationError{NodeID: req.Node.ID, Message: "node has no resolvable block type"}
	}

	handler, err := e.registry.Resolve(blockType)
	if err != nil {
		return nil, err
	}

	prepared := blocks.PrepareNode(req.Node)
	resolvedConfig, err := e.resolver.ResolveConfig(prepared.Data.Config, req.PreviousOutputs)
	if err != nil {
		return nil, err
	}
	prepared.Data.Config = resolvedConfig

	nodeLogger := e.execLog.ForNode(req.ExecutionID, req.Node.ID)
	scope := breaker.Scope{BlockType: blocks.NormalizeType(blockType)}

	attempts := e.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := e.validateInput(req, prepared, nodeLogger); err != nil {
			return nil, err
		}

		decision, err := e.breakers.ShouldAllowExecution(ctx, scope)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			e.metrics.BreakerRejected(string(breaker.LevelNodeType))
			nodeLogger.Warn("execution rejected by circuit breaker",
				"circuit_id", decision.BlockedBy,
				"attempt", attempt)
			return nil, &errs.CircuitOpenError{CircuitID: decision.BlockedBy}
		}

		output, attemptErr := e.invoke(ctx, handler, prepared, req)
		if attemptErr == nil {
			if err := e.breakers.RecordSuccess(ctx, scope); err != nil {
				e.logger.Warn("failed to record breaker success", "error", err)
			}
			e.validateOutput(prepared, output, nodeLogger)
			nodeLogger.Info("node completed",
				"block_type", blockType,
				"attempt", attempt)
			return output, nil
		}

		lastErr = attemptErr
		if err := e.breakers.RecordFailure(ctx, scope); err != nil {
			e.logger.Warn("failed to record breaker failure", "error", err)
		}
		nodeLogger.Error("node attempt failed",
			"block_type", blockType,
			"attempt", attempt,
			"category", categorizeError(attemptErr),
			"error", attemptErr.Error())

		if attempt < attempts {
			backoff := e.backoff(attempt)
			nodeLogger.Debug("retrying node", "backoff_ms", backoff.Milliseconds())
			if err := e.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}

	return nil, lastErr
}

// invoke runs the handler under the execution timeout. On deadline the
// handler goroutine is abandoned; its eventual result is discarded.
func (e *NodeExecutor) invoke(ctx context.Context, handler blocks.Handler, node models.Node, req NodeRequest) (map[string]interface{}, error) {
	timeout := e.cfg.ExecutionTimeout
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rt := metrics.CaptureStart(invokeCtx)
	start := e.now()

	ectx := &blocks.Context{
		NodeID:          node.ID,
		ExecutionID:     req.ExecutionID,
		WorkflowID:      req.WorkflowID,
		UserID:          req.UserID,
		Inputs:          req.RelevantOutputs,
		Config:          node.Data.Config,
		PreviousOutputs: req.PreviousOutputs,
		WorkflowData:    req.WorkflowData,
		Logger:          e.execLog.ForNode(req.ExecutionID, node.ID),
	}

	type result struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan result, 1)

	go func() {
		output, err := handler.Execute(invokeCtx, node, ectx)
		done <- result{output: output, err: err}
	}()

	blockType := blocks.ResolveType(node)
	select {
	case res := <-done:
		duration := e.now().Sub(start)
		rt.Finalize(invokeCtx)
		outcome := "success"
		if res.err != nil {
			outcome = "failure"
		}
		e.metrics.NodeAttempt(blockType, outcome, duration)
		e.execLog.Node(ctx, req.ExecutionID, node.ID, models.LogDebug, "node attempt finished",
			mergeMetadata(rt.ToMap(), map[string]interface{}{
				"duration_ms": duration.Milliseconds(),
				"outcome":     outcome,
			}))
		return res.output, res.err

	case <-invokeCtx.Done():
		duration := e.now().Sub(start)
		e.metrics.NodeAttempt(blockType, "timeout", duration)
		if ctx.Err() != nil {
			// The worker is shutting down, not the node timing out
			return nil, ctx.Err()
		}
		return nil, &errs.NodeTimeoutError{NodeID: node.ID, Timeout: timeout}
	}
}

// validateInput checks the input envelope against the node's declared or
// builtin schema. Warnings are logged; strict mode promotes them.
func (e *NodeExecutor) validateInput(req NodeRequest, node models.Node, nodeLogger *lifecycle.NodeLogger) error {
	schema := inputSchemaFor(node)
	if schema == nil {
		return nil
	}

	// Parent outputs nest under data so a parent node named "context"
	// cannot collide with the execution context envelope.
	payload := map[string]interface{}{
		"data": flattenOutputs(req.RelevantOutputs),
		"context": map[string]interface{}{
			"workflowId":  req.WorkflowID,
			"executionId": req.ExecutionID,
			"userId":      req.UserID,
			"timestamp":   e.now().Unix(),
		},
	}

	warnings := blocks.ValidateFields(schema, payload)
	if len(warnings) == 0 {
		return nil
	}

	for _, w := range warnings {
		nodeLogger.Warn("input validation warning", "detail", w)
	}
	if e.strict {
		return &errs.ValidationError{NodeID: node.ID, Message: strings.Join(warnings, "; ")}
	}
	return nil
}

// validateOutput is always advisory; the handler already succeeded
func (e *NodeExecutor) validateOutput(node models.Node, output map[string]interface{}, nodeLogger *lifecycle.NodeLogger) {
	schema := outputSchemaFor(node)
	if schema == nil {
		return
	}
	for _, w := range blocks.ValidateFields(schema, output) {
		nodeLogger.Warn("output validation warning", "detail", w)
	}
}

func (e *NodeExecutor) backoff(attempt int) time.Duration {
	backoff := time.Duration(attempt) * e.cfg.RetryBackoff
	if e.cfg.RetryJitter > 0 {
		backoff += time.Duration(e.jitterN(int64(e.cfg.RetryJitter)))
	}
	return backoff
}

func inputSchemaFor(n models.Node) *models.FieldSchema {
	if n.Data.EnhancedSchema != nil && n.Data.EnhancedSchema.Input != nil {
		return n.Data.EnhancedSchema.Input
	}
	if s := blocks.BuiltinSchema(blocks.ResolveType(n)); s != nil {
		return s.Input
	}
	return nil
}

func outputSchemaFor(n models.Node) *models.FieldSchema {
	if n.Data.EnhancedSchema != nil && n.Data.EnhancedSchema.Output != nil {
		return n.Data.EnhancedSchema.Output
	}
	if s := blocks.BuiltinSchema(blocks.ResolveType(n)); s != nil {
		return s.Output
	}
	return nil
}

// categorizeError labels an error for log metadata. Classification for
// retry routing lives in the consumer; this is diagnostics only.
func categorizeError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"):
		return "QuotaExceeded"
	case strings.Contains(msg, "permission"):
		return "Unauthorized"
	case strings.Contains(msg, "not found"):
		return "NotFound"
	case strings.Contains(msg, "validation"):
		return "ValidationError"
	default:
		return "UnknownError"
	}
}

func mergeMetadata(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// sleepContext waits for the duration unless the context ends first
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
