package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fluxline/engine/common/db"
	"github.com/fluxline/engine/common/models"
)

// WorkflowRepository reads workflow definitions. The worker never writes
// workflows; the API owns that table.
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// GetByID returns the workflow definition, nil when absent
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT id, user_id, name, nodes, edges, is_public, version
		FROM workflows
		WHERE id = $1
	`

	w := &models.Workflow{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&w.ID,
		&w.UserID,
		&w.Name,
		&w.Nodes,
		&w.Edges,
		&w.IsPublic,
		&w.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return w, nil
}
