package breaker

import (
	"context"
	"fmt"
)

// Level identifies one tier of the composed breaker
type Level string

const (
	LevelNodeType Level = "node-type"
	LevelUser     Level = "user"
	LevelWorkflow Level = "workflow"
	LevelGlobal   Level = "global"
)

// CircuitID forms the persisted key for a level and scope, e.g.
// "node-type:email", "user:U123". The global level has no scope.
func CircuitID(level Level, scope string) string {
	if level == LevelGlobal {
		return string(LevelGlobal)
	}
	return fmt.Sprintf("%s:%s", level, scope)
}

// Scope selects which levels participate in a check or recording.
// Empty fields are skipped; Global opts the shared tier in.
type Scope struct {
	BlockType  string
	UserID     string
	WorkflowID string
	Global     bool
}

// circuits returns the participating circuit ids in check order:
// node-type first, then user, workflow, global.
func (s Scope) circuits() []string {
	ids := make([]string, 0, 4)
	if s.BlockType != "" {
		ids = append(ids, CircuitID(LevelNodeType, s.BlockType))
	}
	if s.UserID != "" {
		ids = append(ids, CircuitID(LevelUser, s.UserID))
	}
	if s.WorkflowID != "" {
		ids = append(ids, CircuitID(LevelWorkflow, s.WorkflowID))
	}
	if s.Global {
		ids = append(ids, CircuitID(LevelGlobal, ""))
	}
	return ids
}

// Decision is the outcome of an admission check. BlockedBy names the first
// circuit that refused, for diagnostics.
type Decision struct {
	Allowed   bool
	BlockedBy string
}

// MultiLevel composes breakers across node-type, user, workflow, and global
// tiers. An operation is admitted only when every participating circuit is
// CLOSED or HALF_OPEN; outcomes are recorded on every participating circuit.
type MultiLevel struct {
	breaker *Breaker
	logger  Logger
}

// NewMultiLevel creates the composite over a shared breaker
func NewMultiLevel(b *Breaker, logger Logger) *MultiLevel {
	return &MultiLevel{breaker: b, logger: logger}
}

// ShouldAllowExecution checks every circuit in the scope, returning the
// first blocking circuit when denied
func (m *MultiLevel) ShouldAllowExecution(ctx context.Context, scope Scope) (Decision, error) {
	for _, id := range scope.circuits() {
		allowed, err := m.breaker.Allow(ctx, id)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to check circuit %s: %w", id, err)
		}
		if !allowed {
			m.logger.Warn("execution blocked by circuit", "circuit_id", id)
			return Decision{Allowed: false, BlockedBy: id}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// RecordSuccess records a success on every circuit in the scope
func (m *MultiLevel) RecordSuccess(ctx context.Context, scope Scope) error {
	var firstErr error
	for _, id := range scope.circuits() {
		if err := m.breaker.RecordSuccess(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordFailure records a failure on every circuit in the scope
func (m *MultiLevel) RecordFailure(ctx context.Context, scope Scope) error {
	var firstErr error
	for _, id := range scope.circuits() {
		if err := m.breaker.RecordFailure(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Breaker exposes the underlying single-circuit breaker
func (m *MultiLevel) Breaker() *Breaker {
	return m.breaker
}
