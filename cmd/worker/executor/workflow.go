package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxline/engine/cmd/worker/graph"
	"github.com/fluxline/engine/cmd/worker/lifecycle"
	"github.com/fluxline/engine/cmd/worker/monitor"
	"github.com/fluxline/engine/common/breaker"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/metrics"
	"github.com/fluxline/engine/common/models"
)

// ExecutionStore is the slice of the execution repository the executor
// drives. Only the claim holder calls these.
type ExecutionStore interface {
	Heartbeat(ctx context.Context, id, workerID string) error
	Complete(ctx context.Context, id, workerID string, output map[string]interface{}) error
	Fail(ctx context.Context, id, workerID, errMsg string) error
}

// BlockStore persists per-node block execution rows
type BlockStore interface {
	CreatePending(ctx context.Context, executionID string, nodes []models.Node) error
	CompletedOutputs(ctx context.Context, executionID string) (map[string]map[string]interface{}, error)
	MarkRunning(ctx context.Context, executionID, nodeID string, input map[string]interface{}) error
	MarkCompleted(ctx context.Context, executionID, nodeID string, output map[string]interface{}) error
	MarkFailed(ctx context.Context, executionID, nodeID, errMsg string) error
	FailRunning(ctx context.Context, executionID, reason string) error
	FailPending(ctx context.Context, executionID, reason string) ([]string, error)
}

// Notifier delivers user-facing workflow outcome notifications.
// Implemented by lifecycle.EventPublisher.
type Notifier interface {
	NotifyWorkflowCompleted(ctx context.Context, userID, executionID, workflowID string)
	NotifyWorkflowFailed(ctx context.Context, userID, executionID, workflowID, errMsg string, duration time.Duration)
}

// upstreamFailureReason finalizes blocks that never ran
const upstreamFailureReason = "not executed due to upstream failure"

// Request is one claimed execution ready to run
type Request struct {
	Execution *models.Execution
	Workflow  *models.Workflow
	WorkerID  string

	// ResumeFromNodeID restarts execution at this node; earlier nodes are
	// skipped and their outputs read from ResumeData
	ResumeFromNodeID string
	ResumeData       map[string]map[string]interface{}
}

// Result reports the terminal outcome of a workflow execution
type Result struct {
	Status  models.ExecutionStatus
	Outputs map[string]map[string]interface{}
}

// WorkflowExecutor validates, schedules, and runs a claimed execution
// node by node. It owns every transition of the execution row and its
// block rows while the claim is held.
type WorkflowExecutor struct {
	validator  *graph.Validator
	nodes      *NodeExecutor
	breakers   *breaker.MultiLevel
	executions ExecutionStore
	blocks     BlockStore
	execLog    *lifecycle.ExecutionLogger
	mon        *monitor.Monitor
	events     Notifier
	metrics    *metrics.Worker
	logger     Logger
	now        func() time.Time
}

// NewWorkflowExecutor creates a workflow executor
func NewWorkflowExecutor(
	validator *graph.Validator,
	nodes *NodeExecutor,
	breakers *breaker.MultiLevel,
	executions ExecutionStore,
	blockStore BlockStore,
	execLog *lifecycle.ExecutionLogger,
	mon *monitor.Monitor,
	events Notifier,
	workerMetrics *metrics.Worker,
	logger Logger,
) *WorkflowExecutor {
	return &WorkflowExecutor{
		validator:  validator,
		nodes:      nodes,
		breakers:   breakers,
		executions: executions,
		blocks:     blockStore,
		execLog:    execLog,
		mon:        mon,
		events:     events,
		metrics:    workerMetrics,
		logger:     logger,
		now:        time.Now,
	}
}

// ExecuteWorkflow runs the execution to a terminal state. The returned
// error is the propagated cause on failure; the execution row has already
// been transitioned either way.
func (e *WorkflowExecutor) ExecuteWorkflow(ctx context.Context, req Request) (*Result, error) {
	execution := req.Execution
	wf := req.Workflow
	start := e.now()

	e.metrics.ExecutionStarted()

	nodeIDs := make([]string, len(wf.Nodes))
	for i, n := range wf.Nodes {
		nodeIDs[i] = n.ID
	}
	e.mon.ExecutionStarted(execution.ID, wf.ID, execution.UserID, nodeIDs)
	e.execLog.Execution(ctx, execution.ID, models.LogInfo, "workflow execution started", map[string]interface{}{
		"workflow_id":   wf.ID,
		"workflow_name": wf.Name,
		"node_count":    len(wf.Nodes),
		"resume_from":   req.ResumeFromNodeID,
	})
	if req.ResumeFromNodeID != "" {
		e.mon.ExecutionResumed(execution.ID, map[string]interface{}{
			"resume_from": req.ResumeFromNodeID,
		})
	}

	if err := e.validator.Validate(wf.Nodes, wf.Edges, execution.UserID); err != nil {
		return e.failExecution(ctx, req, start, err)
	}

	schedule, err := graph.Sort(wf.Nodes, wf.Edges)
	if err != nil {
		return e.failExecution(ctx, req, start, err)
	}

	if req.ResumeFromNodeID != "" && !scheduleContains(schedule, req.ResumeFromNodeID) {
		return e.failExecution(ctx, req, start, &errs.ResumePointMissingError{NodeID: req.ResumeFromNodeID})
	}

	// Admission across the user, workflow, and global tiers; the node-type
	// tier is checked per node by the NodeExecutor
	admission := breaker.Scope{UserID: execution.UserID, WorkflowID: wf.ID, Global: true}
	decision, err := e.breakers.ShouldAllowExecution(ctx, admission)
	if err != nil {
		return e.failExecution(ctx, req, start, err)
	}
	if !decision.Allowed {
		e.metrics.BreakerRejected(levelOf(decision.BlockedBy))
		return e.failExecution(ctx, req, start, &errs.CircuitOpenError{CircuitID: decision.BlockedBy})
	}

	if err := e.blocks.CreatePending(ctx, execution.ID, schedule.Order); err != nil {
		return e.failExecution(ctx, req, start, err)
	}

	// Completed rows survive redelivery and lease reclaim; their outputs
	// stand in for re-running the nodes
	completed, err := e.blocks.CompletedOutputs(ctx, execution.ID)
	if err != nil {
		return e.failExecution(ctx, req, start, err)
	}

	outputs := make(map[string]map[string]interface{}, len(schedule.Order))
	for id, out := range req.ResumeData {
		outputs[id] = out
	}
	for id, out := range completed {
		outputs[id] = out
	}

	shouldExecute := req.ResumeFromNodeID == ""

	for _, node := range schedule.Order {
		if !shouldExecute {
			if node.ID != req.ResumeFromNodeID {
				e.logger.Debug("skipping node before resume point",
					"execution_id", execution.ID,
					"node_id", node.ID)
				continue
			}
			shouldExecute = true
		}

		if out, ok := completed[node.ID]; ok {
			outputs[node.ID] = out
			e.mon.NodeUpdate(execution.ID, node.ID, "completed", map[string]interface{}{"cached": true})
			continue
		}

		if err := e.executions.Heartbeat(ctx, execution.ID, req.WorkerID); err != nil {
			e.logger.Warn("failed to heartbeat execution",
				"execution_id", execution.ID,
				"error", err)
		}

		relevant := schedule.RelevantOutputs(node.ID, outputs)

		if err := e.blocks.MarkRunning(ctx, execution.ID, node.ID, flattenOutputs(relevant)); err != nil {
			return e.failExecution(ctx, req, start, err)
		}
		e.mon.NodeUpdate(execution.ID, node.ID, "running", nil)
		for _, parent := range schedule.Dependencies[node.ID] {
			e.mon.EdgeFlow(execution.ID, parent, node.ID)
		}

		output, err := e.nodes.Execute(ctx, NodeRequest{
			Node:            node,
			ExecutionID:     execution.ID,
			WorkflowID:      wf.ID,
			UserID:          execution.UserID,
			RelevantOutputs: relevant,
			PreviousOutputs: outputs,
			WorkflowData:    execution.Input,
		})
		if err != nil {
			if markErr := e.blocks.MarkFailed(ctx, execution.ID, node.ID, err.Error()); markErr != nil {
				e.logger.Error("failed to mark block failed",
					"execution_id", execution.ID,
					"node_id", node.ID,
					"error", markErr)
			}
			e.mon.NodeUpdate(execution.ID, node.ID, "failed", map[string]interface{}{"error": err.Error()})
			return e.failExecution(ctx, req, start, fmt.Errorf("node %s failed: %w", node.ID, err))
		}

		outputs[node.ID] = output
		if err := e.blocks.MarkCompleted(ctx, execution.ID, node.ID, output); err != nil {
			return e.failExecution(ctx, req, start, err)
		}
		e.mon.NodeUpdate(execution.ID, node.ID, "completed", nil)
	}

	return e.completeExecution(ctx, req, start, outputs)
}

func (e *WorkflowExecutor) completeExecution(ctx context.Context, req Request, start time.Time, outputs map[string]map[string]interface{}) (*Result, error) {
	execution := req.Execution
	scope := breaker.Scope{UserID: execution.UserID, WorkflowID: req.Workflow.ID, Global: true}
	if err := e.breakers.RecordSuccess(ctx, scope); err != nil {
		e.logger.Warn("failed to record breaker success", "execution_id", execution.ID, "error", err)
	}

	flat := flattenOutputs(outputs)
	if err := e.executions.Complete(ctx, execution.ID, req.WorkerID, flat); err != nil {
		e.metrics.ExecutionFinished(false)
		return nil, fmt.Errorf("failed to persist completion: %w", err)
	}

	duration := e.now().Sub(start)
	e.execLog.Execution(ctx, execution.ID, models.LogInfo, "workflow execution completed", map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"node_count":  len(outputs),
	})
	e.mon.ExecutionCompleted(execution.ID, flat)
	e.events.NotifyWorkflowCompleted(ctx, execution.UserID, execution.ID, req.Workflow.ID)
	e.metrics.ExecutionFinished(true)

	e.logger.Info("workflow execution completed",
		"execution_id", execution.ID,
		"workflow_id", req.Workflow.ID,
		"duration_ms", duration.Milliseconds())

	return &Result{Status: models.ExecutionCompleted, Outputs: outputs}, nil
}

// failExecution finalizes a failed run: breaker failures recorded at the
// workflow tiers, running and never-started blocks closed out, the
// execution row transitioned, and observers notified.
func (e *WorkflowExecutor) failExecution(ctx context.Context, req Request, start time.Time, cause error) (*Result, error) {
	execution := req.Execution
	scope := breaker.Scope{UserID: execution.UserID, WorkflowID: req.Workflow.ID, Global: true}
	if err := e.breakers.RecordFailure(ctx, scope); err != nil {
		e.logger.Warn("failed to record breaker failure", "execution_id", execution.ID, "error", err)
	}

	if err := e.blocks.FailRunning(ctx, execution.ID, cause.Error()); err != nil {
		e.logger.Error("failed to finalize running blocks", "execution_id", execution.ID, "error", err)
	}
	skipped, err := e.blocks.FailPending(ctx, execution.ID, upstreamFailureReason)
	if err != nil {
		e.logger.Error("failed to finalize pending blocks", "execution_id", execution.ID, "error", err)
	}
	for _, nodeID := range skipped {
		e.mon.NodeUpdate(execution.ID, nodeID, "failed", map[string]interface{}{"error": upstreamFailureReason})
	}

	if err := e.executions.Fail(ctx, execution.ID, req.WorkerID, cause.Error()); err != nil {
		e.logger.Error("failed to persist execution failure", "execution_id", execution.ID, "error", err)
	}

	duration := e.now().Sub(start)
	e.execLog.Execution(ctx, execution.ID, models.LogError, "workflow execution failed", map[string]interface{}{
		"error":       cause.Error(),
		"duration_ms": duration.Milliseconds(),
	})
	e.mon.ExecutionFailed(execution.ID, cause.Error())
	e.events.NotifyWorkflowFailed(ctx, execution.UserID, execution.ID, req.Workflow.ID, cause.Error(), duration)
	e.metrics.ExecutionFinished(false)

	e.logger.Error("workflow execution failed",
		"execution_id", execution.ID,
		"workflow_id", req.Workflow.ID,
		"error", cause.Error(),
		"duration_ms", duration.Milliseconds())

	return &Result{Status: models.ExecutionFailed, Outputs: nil}, cause
}

func scheduleContains(s *graph.Schedule, nodeID string) bool {
	for _, n := range s.Order {
		if n.ID == nodeID {
			return true
		}
	}
	return false
}

// flattenOutputs converts the per-node output map to the JSONB shape the
// executions table stores
func flattenOutputs(outputs map[string]map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{}, len(outputs))
	for id, out := range outputs {
		flat[id] = out
	}
	return flat
}

// levelOf extracts the breaker tier from a circuit id for metrics labels
func levelOf(circuitID string) string {
	for i := 0; i < len(circuitID); i++ {
		if circuitID[i] == ':' {
			return circuitID[:i]
		}
	}
	return circuitID
}
