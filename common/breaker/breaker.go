// Package breaker implements the persisted circuit breaker protecting block
// handlers and workflow admission. State for each circuit id lives in a
// Store row and transitions CLOSED -> OPEN -> HALF_OPEN -> CLOSED per the
// thresholds in Settings.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxline/engine/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Settings holds the thresholds governing one breaker's state machine
type Settings struct {
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	MonitorWindow            time.Duration
}

// DefaultSettings returns the stock thresholds
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 2,
		MonitorWindow:            120 * time.Second,
	}
}

// saveAttempts bounds the optimistic-lock retry loop on contended rows
const saveAttempts = 3

// Breaker drives the state machine for individual circuit ids against a Store
type Breaker struct {
	store    Store
	settings Settings
	logger   Logger
	now      func() time.Time
}

// NewBreaker creates a breaker over the given store
func NewBreaker(store Store, settings Settings, logger Logger) *Breaker {
	return &Breaker{
		store:    store,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow reports whether an operation guarded by circuitID may proceed.
// An OPEN circuit whose reset timeout has elapsed transitions to HALF_OPEN
// and admits the probe. Store failures admit the operation; the breaker
// protects downstream dependencies, it is not itself allowed to take the
// worker down.
func (b *Breaker) Allow(ctx context.Context, circuitID string) (bool, error) {
	now := b.now()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		state, err := b.store.Get(ctx, circuitID)
		if err != nil {
			b.logger.Warn("breaker store read failed, admitting", "circuit_id", circuitID, "error", err)
			return true, nil
		}
		if state == nil || state.State == models.BreakerClosed || state.State == models.BreakerHalfOpen {
			return true, nil
		}

		// OPEN: admit a probe once the reset timeout has elapsed
		if state.LastFailureTime == nil || now.Sub(*state.LastFailureTime) < b.settings.ResetTimeout {
			return false, nil
		}

		expected := state.UpdatedAt
		state.State = models.BreakerHalfOpen
		state.SuccessCount = 0
		state.LastHalfOpenTime = &now
		state.UpdatedAt = now

		ok, err := b.store.Save(ctx, state, expected)
		if err != nil {
			b.logger.Warn("breaker store write failed, admitting", "circuit_id", circuitID, "error", err)
			return true, nil
		}
		if ok {
			b.logger.Info("circuit transitioned to half-open", "circuit_id", circuitID)
			return true, nil
		}
		// Lost the race; re-read and re-evaluate
	}

	return false, fmt.Errorf("failed to update circuit %s after %d attempts", circuitID, saveAttempts)
}

// State returns the persisted row for a circuit, nil when none exists yet
func (b *Breaker) State(ctx context.Context, circuitID string) (*models.CircuitBreakerState, error) {
	return b.store.Get(ctx, circuitID)
}

// RecordSuccess applies a successful outcome to the circuit
func (b *Breaker) RecordSuccess(ctx context.Context, circuitID string) error {
	return b.mutate(ctx, circuitID, b.applySuccess)
}

// RecordFailure applies a failed outcome to the circuit
func (b *Breaker) RecordFailure(ctx context.Context, circuitID string) error {
	return b.mutate(ctx, circuitID, b.applyFailure)
}

func (b *Breaker) mutate(ctx context.Context, circuitID string, apply func(*models.CircuitBreakerState, time.Time)) error {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		state, err := b.store.Get(ctx, circuitID)
		if err != nil {
			return fmt.Errorf("failed to load circuit %s: %w", circuitID, err)
		}

		var expected time.Time
		if state == nil {
			state = b.newState(circuitID)
		} else {
			expected = state.UpdatedAt
		}

		now := b.now()
		before := state.State
		apply(state, now)
		state.UpdatedAt = now

		ok, err := b.store.Save(ctx, state, expected)
		if err != nil {
			return fmt.Errorf("failed to save circuit %s: %w", circuitID, err)
		}
		if ok {
			if state.State != before {
				b.logger.Info("circuit state changed",
					"circuit_id", circuitID,
					"from", before,
					"to", state.State,
					"failure_count", state.FailureCount)
			}
			return nil
		}
	}

	return fmt.Errorf("failed to update circuit %s after %d attempts", circuitID, saveAttempts)
}

func (b *Breaker) newState(circuitID string) *models.CircuitBreakerState {
	now := b.now()
	return &models.CircuitBreakerState{
		CircuitID: circuitID,
		State:     models.BreakerClosed,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// applySuccess implements the success transitions. Entering CLOSED resets
// both counters; a success while CLOSED discards failures older than the
// monitor window.
func (b *Breaker) applySuccess(state *models.CircuitBreakerState, now time.Time) {
	state.LastSuccessTime = &now

	switch state.State {
	case models.BreakerHalfOpen:
		state.SuccessCount++
		if state.SuccessCount >= b.settings.HalfOpenSuccessThreshold {
			state.State = models.BreakerClosed
			state.SuccessCount = 0
			state.FailureCount = 0
		}

	case models.BreakerOpen:
		// Success observed during OPEN means the caller was admitted before
		// the trip landed. When the reset timeout has elapsed treat it as the
		// half-open probe succeeding; otherwise only count it.
		if state.LastFailureTime != nil && now.Sub(*state.LastFailureTime) >= b.settings.ResetTimeout {
			state.State = models.BreakerHalfOpen
			state.LastHalfOpenTime = &now
			state.SuccessCount = 1
			if state.SuccessCount >= b.settings.HalfOpenSuccessThreshold {
				state.State = models.BreakerClosed
				state.SuccessCount = 0
				state.FailureCount = 0
			}
		} else {
			state.SuccessCount++
		}

	default: // CLOSED
		state.SuccessCount++
		if state.LastFailureTime != nil && now.Sub(*state.LastFailureTime) > b.settings.MonitorWindow {
			state.FailureCount = 0
		}
	}
}

// applyFailure implements the failure transitions. Failures older than the
// monitor window are discarded by restarting the count at one; entering
// OPEN zeroes the success counter.
func (b *Breaker) applyFailure(state *models.CircuitBreakerState, now time.Time) {
	switch state.State {
	case models.BreakerHalfOpen:
		state.FailureCount++
		state.State = models.BreakerOpen
		state.SuccessCount = 0

	case models.BreakerOpen:
		state.FailureCount++

	default: // CLOSED
		if state.LastFailureTime != nil && now.Sub(*state.LastFailureTime) > b.settings.MonitorWindow {
			state.FailureCount = 1
		} else {
			state.FailureCount++
		}
		if state.FailureCount >= b.settings.FailureThreshold {
			state.State = models.BreakerOpen
			state.SuccessCount = 0
		}
	}

	state.LastFailureTime = &now
}
