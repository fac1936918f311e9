package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fluxline/engine/common/db"
	"github.com/fluxline/engine/common/models"
)

// ProfileRepository reads and increments per-user execution quotas
type ProfileRepository struct {
	db *db.DB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(database *db.DB) *ProfileRepository {
	return &ProfileRepository{db: database}
}

// GetByUserID returns the user's quota counters, nil when absent
func (r *ProfileRepository) GetByUserID(ctx context.Context, userID string) (*models.Profile, error) {
	query := `
		SELECT user_id, monthly_execution_count, monthly_execution_quota
		FROM profiles
		WHERE user_id = $1
	`

	p := &models.Profile{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.MonthlyExecutionCount,
		&p.MonthlyExecutionQuota,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", userID, err)
	}
	return p, nil
}

// IncrementExecutionCount bumps the monthly counter atomically and returns
// the new value
func (r *ProfileRepository) IncrementExecutionCount(ctx context.Context, userID string) (int, error) {
	query := `
		UPDATE profiles
		SET monthly_execution_count = monthly_execution_count + 1
		WHERE user_id = $1
		RETURNING monthly_execution_count
	`

	var count int
	err := r.db.QueryRow(ctx, query, userID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to increment execution count: profile %s not found", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment execution count for %s: %w", userID, err)
	}
	return count, nil
}
