package models

import "time"

// LogLevel for execution and node log entries
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogDebug LogLevel = "debug"
)

// ExecutionLog is one append-only log entry for an execution
// Maps to: execution_logs table
type ExecutionLog struct {
	ID          string                 `db:"id" json:"id"`
	ExecutionID string                 `db:"execution_id" json:"execution_id"`
	Level       LogLevel               `db:"level" json:"level"`
	Message     string                 `db:"message" json:"message"`
	Metadata    map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
}

// NodeLog is one append-only log entry scoped to a node within an execution
// Maps to: node_logs table
type NodeLog struct {
	ID          string                 `db:"id" json:"id"`
	ExecutionID string                 `db:"execution_id" json:"execution_id"`
	NodeID      string                 `db:"node_id" json:"node_id"`
	Level       LogLevel               `db:"level" json:"level"`
	Message     string                 `db:"message" json:"message"`
	Metadata    map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
}
