package models

import "time"

// BreakerState is the circuit breaker admission state
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerState is the persisted breaker row for one circuit.
// CircuitID is formed as level:scope, e.g. "node-type:email", "user:U123",
// "workflow:W42", "global".
// Maps to: circuit_breaker_state table, unique on circuit_id
type CircuitBreakerState struct {
	CircuitID    string       `db:"circuit_id" json:"circuit_id"`
	State        BreakerState `db:"state" json:"state"`
	FailureCount int          `db:"failure_count" json:"failure_count"`
	SuccessCount int          `db:"success_count" json:"success_count"`

	LastFailureTime  *time.Time `db:"last_failure_time" json:"last_failure_time,omitempty"`
	LastSuccessTime  *time.Time `db:"last_success_time" json:"last_success_time,omitempty"`
	LastHalfOpenTime *time.Time `db:"last_half_open_time" json:"last_half_open_time,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so cached rows can be handed out safely
func (s *CircuitBreakerState) Clone() *CircuitBreakerState {
	if s == nil {
		return nil
	}
	out := *s
	out.LastFailureTime = copyTime(s.LastFailureTime)
	out.LastSuccessTime = copyTime(s.LastSuccessTime)
	out.LastHalfOpenTime = copyTime(s.LastHalfOpenTime)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
