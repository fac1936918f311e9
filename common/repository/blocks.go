package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/db"
	"github.com/fluxline/engine/common/models"
)

// BlockRepository handles database operations for per-node block executions
type BlockRepository struct {
	db *db.DB
}

// NewBlockRepository creates a new block execution repository
func NewBlockRepository(database *db.DB) *BlockRepository {
	return &BlockRepository{db: database}
}

// CreatePending inserts pending rows for every node in execution order.
// Redeliveries hit the (execution_id, node_id) unique key and leave the
// existing rows, including completed ones, untouched.
func (r *BlockRepository) CreatePending(ctx context.Context, executionID string, nodes []models.Node) error {
	query := `
		INSERT INTO block_executions (execution_id, node_id, block_type, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (execution_id, node_id) DO NOTHING
	`

	for _, node := range nodes {
		if _, err := r.db.Exec(ctx, query, pendingParams(executionID, node)...); err != nil {
			return fmt.Errorf("failed to create block execution for node %s: %w", node.ID, err)
		}
	}
	return nil
}

// pendingParams derives the bind values CreatePending inserts for one
// node. The stored block_type follows the same resolution precedence the
// executor applies, so the row always names the type that actually runs.
func pendingParams(executionID string, node models.Node) []interface{} {
	return []interface{}{executionID, node.ID, blocks.ResolveType(node)}
}

// MarkRunning flips a block to running and stamps its start time
func (r *BlockRepository) MarkRunning(ctx context.Context, executionID, nodeID string, input map[string]interface{}) error {
	query := `
		UPDATE block_executions
		SET status = 'running', input = $3, start_time = NOW()
		WHERE execution_id = $1 AND node_id = $2
	`

	if _, err := r.db.Exec(ctx, query, executionID, nodeID, input); err != nil {
		return fmt.Errorf("failed to mark block %s running: %w", nodeID, err)
	}
	return nil
}

// MarkCompleted records a successful node run with its outputs
func (r *BlockRepository) MarkCompleted(ctx context.Context, executionID, nodeID string, output map[string]interface{}) error {
	query := `
		UPDATE block_executions
		SET status = 'completed', output = $3, error = NULL, end_time = NOW()
		WHERE execution_id = $1 AND node_id = $2
	`

	if _, err := r.db.Exec(ctx, query, executionID, nodeID, output); err != nil {
		return fmt.Errorf("failed to mark block %s completed: %w", nodeID, err)
	}
	return nil
}

// MarkFailed records a node failure
func (r *BlockRepository) MarkFailed(ctx context.Context, executionID, nodeID, errMsg string) error {
	query := `
		UPDATE block_executions
		SET status = 'failed', error = $3, end_time = NOW()
		WHERE execution_id = $1 AND node_id = $2
	`

	if _, err := r.db.Exec(ctx, query, executionID, nodeID, errMsg); err != nil {
		return fmt.Errorf("failed to mark block %s failed: %w", nodeID, err)
	}
	return nil
}

// FailPending finalizes blocks that never ran because an upstream node
// failed. Returns the node IDs that were transitioned.
func (r *BlockRepository) FailPending(ctx context.Context, executionID, reason string) ([]string, error) {
	query := `
		UPDATE block_executions
		SET status = 'failed', error = $2, end_time = NOW()
		WHERE execution_id = $1 AND status = 'pending'
		RETURNING node_id
	`

	rows, err := r.db.Query(ctx, query, executionID, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to fail pending blocks: %w", err)
	}
	defer rows.Close()

	var nodeIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan node id: %w", err)
		}
		nodeIDs = append(nodeIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending blocks: %w", err)
	}
	return nodeIDs, nil
}

// FailRunning finalizes blocks stuck in running, used when a crashed
// execution is reclaimed and the in-flight node cannot be trusted
func (r *BlockRepository) FailRunning(ctx context.Context, executionID, reason string) error {
	query := `
		UPDATE block_executions
		SET status = 'failed', error = $2, end_time = NOW()
		WHERE execution_id = $1 AND status = 'running'
	`

	if _, err := r.db.Exec(ctx, query, executionID, reason); err != nil {
		return fmt.Errorf("failed to fail running blocks: %w", err)
	}
	return nil
}

// CompletedOutputs returns outputs keyed by node ID for every block that
// already completed, so a reclaimed or resumed execution skips them
func (r *BlockRepository) CompletedOutputs(ctx context.Context, executionID string) (map[string]map[string]interface{}, error) {
	query := `
		SELECT node_id, output
		FROM block_executions
		WHERE execution_id = $1 AND status = 'completed'
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get completed outputs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]interface{})
	for rows.Next() {
		var nodeID string
		var output map[string]interface{}
		if err := rows.Scan(&nodeID, &output); err != nil {
			return nil, fmt.Errorf("failed to scan completed output: %w", err)
		}
		out[nodeID] = output
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completed outputs: %w", err)
	}
	return out, nil
}

// ListByExecution returns all block rows for an execution
func (r *BlockRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.BlockExecution, error) {
	query := `
		SELECT id, execution_id, node_id, block_type, status, input, output, error, start_time, end_time
		FROM block_executions
		WHERE execution_id = $1
		ORDER BY start_time ASC NULLS LAST, node_id ASC
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list block executions: %w", err)
	}
	defer rows.Close()

	var out []*models.BlockExecution
	for rows.Next() {
		b, err := scanBlockExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block execution: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating block executions: %w", err)
	}
	return out, nil
}

func scanBlockExecution(row pgx.Row) (*models.BlockExecution, error) {
	b := &models.BlockExecution{}
	err := row.Scan(
		&b.ID,
		&b.ExecutionID,
		&b.NodeID,
		&b.BlockType,
		&b.Status,
		&b.Input,
		&b.Output,
		&b.Error,
		&b.StartTime,
		&b.EndTime,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}
