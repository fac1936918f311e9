package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fluxline/engine/common/db"
	"github.com/fluxline/engine/common/models"
)

// BreakerRepository persists circuit breaker rows with optimistic locking.
// Implements breaker.Store.
type BreakerRepository struct {
	db *db.DB
}

// NewBreakerRepository creates a new circuit breaker repository
func NewBreakerRepository(database *db.DB) *BreakerRepository {
	return &BreakerRepository{db: database}
}

// Get returns the persisted row for a circuit, nil when absent
func (r *BreakerRepository) Get(ctx context.Context, circuitID string) (*models.CircuitBreakerState, error) {
	query := `
		SELECT circuit_id, state, failure_count, success_count,
		       last_failure_time, last_success_time, last_half_open_time,
		       created_at, updated_at
		FROM circuit_breaker_state
		WHERE circuit_id = $1
	`

	s := &models.CircuitBreakerState{}
	err := r.db.QueryRow(ctx, query, circuitID).Scan(
		&s.CircuitID,
		&s.State,
		&s.FailureCount,
		&s.SuccessCount,
		&s.LastFailureTime,
		&s.LastSuccessTime,
		&s.LastHalfOpenTime,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get circuit %s: %w", circuitID, err)
	}
	return s, nil
}

// Save writes the row under the optimistic guard: a zero expectedUpdatedAt
// inserts a new row, otherwise the update only lands when the stored
// updated_at still matches. False means another writer won the race.
//
// The caller's timestamps are persisted verbatim so the guard stays
// comparable across readers.
func (r *BreakerRepository) Save(ctx context.Context, state *models.CircuitBreakerState, expectedUpdatedAt time.Time) (bool, error) {
	if expectedUpdatedAt.IsZero() {
		query := `
			INSERT INTO circuit_breaker_state
				(circuit_id, state, failure_count, success_count,
				 last_failure_time, last_success_time, last_half_open_time,
				 created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (circuit_id) DO NOTHING
		`

		tag, err := r.db.Exec(ctx, query,
			state.CircuitID,
			state.State,
			state.FailureCount,
			state.SuccessCount,
			state.LastFailureTime,
			state.LastSuccessTime,
			state.LastHalfOpenTime,
			state.CreatedAt,
			state.UpdatedAt,
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert circuit %s: %w", state.CircuitID, err)
		}
		return tag.RowsAffected() == 1, nil
	}

	query := `
		UPDATE circuit_breaker_state
		SET state = $2,
		    failure_count = $3,
		    success_count = $4,
		    last_failure_time = $5,
		    last_success_time = $6,
		    last_half_open_time = $7,
		    updated_at = $8
		WHERE circuit_id = $1 AND updated_at = $9
	`

	tag, err := r.db.Exec(ctx, query,
		state.CircuitID,
		state.State,
		state.FailureCount,
		state.SuccessCount,
		state.LastFailureTime,
		state.LastSuccessTime,
		state.LastHalfOpenTime,
		state.UpdatedAt,
		expectedUpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update circuit %s: %w", state.CircuitID, err)
	}
	return tag.RowsAffected() == 1, nil
}
