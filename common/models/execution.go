package models

import (
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPaused    ExecutionStatus = "paused"
)

// Execution represents one run of one workflow instance
// Maps to: executions table
type Execution struct {
	ID         string          `db:"id" json:"id"`
	WorkflowID string          `db:"workflow_id" json:"workflow_id"`
	UserID     string          `db:"user_id" json:"user_id"`
	Status     ExecutionStatus `db:"status" json:"status"`

	// Trigger payload and final per-node outputs (JSONB)
	Input  map[string]interface{} `db:"input" json:"input,omitempty"`
	Output map[string]interface{} `db:"output" json:"output,omitempty"`

	// Terminal error message, set only when Status is failed
	Error *string `db:"error" json:"error,omitempty"`

	// Worker id holding the exclusive claim; non-null iff Status is running
	LockedBy *string `db:"locked_by" json:"locked_by,omitempty"`

	// How the execution was triggered (manual, webhook, schedule)
	TriggerType *string `db:"trigger_type" json:"trigger_type,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether the execution reached a final state
func (e *Execution) IsTerminal() bool {
	return e.Status == ExecutionCompleted || e.Status == ExecutionFailed
}

// BlockStatus represents the lifecycle state of a single node execution
type BlockStatus string

const (
	BlockPending   BlockStatus = "pending"
	BlockRunning   BlockStatus = "running"
	BlockCompleted BlockStatus = "completed"
	BlockFailed    BlockStatus = "failed"
)

// BlockExecution represents one node's execution within a workflow execution
// Maps to: block_executions table, unique on (execution_id, node_id)
type BlockExecution struct {
	ID          string      `db:"id" json:"id"`
	ExecutionID string      `db:"execution_id" json:"execution_id"`
	NodeID      string      `db:"node_id" json:"node_id"`
	BlockType   string      `db:"block_type" json:"block_type"`
	Status      BlockStatus `db:"status" json:"status"`

	Input  map[string]interface{} `db:"input" json:"input,omitempty"`
	Output map[string]interface{} `db:"output" json:"output,omitempty"`
	Error  *string                `db:"error" json:"error,omitempty"`

	StartTime *time.Time `db:"start_time" json:"start_time,omitempty"`
	EndTime   *time.Time `db:"end_time" json:"end_time,omitempty"`
}
