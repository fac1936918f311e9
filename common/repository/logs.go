package repository

import (
	"context"
	"fmt"

	"github.com/fluxline/engine/common/db"
	"github.com/fluxline/engine/common/models"
)

// LogRepository appends execution-level and node-level log entries
type LogRepository struct {
	db *db.DB
}

// NewLogRepository creates a new log repository
func NewLogRepository(database *db.DB) *LogRepository {
	return &LogRepository{db: database}
}

// AppendExecution writes one execution-scoped log entry
func (r *LogRepository) AppendExecution(ctx context.Context, executionID string, level models.LogLevel, message string, metadata map[string]interface{}) error {
	query := `
		INSERT INTO execution_logs (execution_id, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	if _, err := r.db.Exec(ctx, query, executionID, level, message, metadata); err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

// AppendNode writes one node-scoped log entry
func (r *LogRepository) AppendNode(ctx context.Context, executionID, nodeID string, level models.LogLevel, message string, metadata map[string]interface{}) error {
	query := `
		INSERT INTO node_logs (execution_id, node_id, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	if _, err := r.db.Exec(ctx, query, executionID, nodeID, level, message, metadata); err != nil {
		return fmt.Errorf("failed to append node log: %w", err)
	}
	return nil
}

// ListExecution returns an execution's log entries oldest first
func (r *LogRepository) ListExecution(ctx context.Context, executionID string, limit int) ([]*models.ExecutionLog, error) {
	query := `
		SELECT id, execution_id, level, message, metadata, created_at
		FROM execution_logs
		WHERE execution_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var out []*models.ExecutionLog
	for rows.Next() {
		l := &models.ExecutionLog{}
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Level, &l.Message, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution logs: %w", err)
	}
	return out, nil
}

// ListNode returns a node's log entries within an execution, oldest first
func (r *LogRepository) ListNode(ctx context.Context, executionID, nodeID string, limit int) ([]*models.NodeLog, error) {
	query := `
		SELECT id, execution_id, node_id, level, message, metadata, created_at
		FROM node_logs
		WHERE execution_id = $1 AND node_id = $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, executionID, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list node logs: %w", err)
	}
	defer rows.Close()

	var out []*models.NodeLog
	for rows.Next() {
		l := &models.NodeLog{}
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.NodeID, &l.Level, &l.Message, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node logs: %w", err)
	}
	return out, nil
}
