package consumer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fluxline/engine/common/errs"
)

func TestClassifyMessageTable(t *testing.T) {
	cases := []struct {
		msg       string
		kind      string
		retryable bool
		delay     time.Duration
	}{
		{"fetch failed: socket hang up", KindNetwork, true, 2 * time.Second},
		{"getaddrinfo ENOTFOUND api.example.com", KindNetwork, true, 2 * time.Second},
		{"connect ECONNREFUSED 10.0.0.1:443", KindNetwork, true, 2 * time.Second},
		{"request ETIMEDOUT after 30s", KindNetwork, true, 2 * time.Second},
		{"rate limit exceeded, slow down", KindRateLimit, true, 5 * time.Second},
		{"upstream returned 429", KindRateLimit, true, 5 * time.Second},
		{"Too Many Requests", KindRateLimit, true, 5 * time.Second},
		{"unauthorized: token rejected", KindAuthentication, false, 0},
		{"server said 401", KindAuthentication, false, 0},
		{"HTTP 403 Forbidden", KindAuthentication, false, 0},
		{"invalid token supplied", KindAuthentication, false, 0},
		{"missing field url", KindConfiguration, false, 0},
		{"parameter to is required", KindConfiguration, false, 0},
		{"invalid configuration for block", KindConfiguration, false, 0},
		{"monthly execution quota exceeded for user u1 (10/10)", KindQuota, false, 0},
		{"storage limit exceeded", KindQuota, false, 0},
		{"Circuit breaker is OPEN for user:u1", KindCircuit, true, 30 * time.Second},
		{"upstream replied HTTP 502 Bad Gateway", KindExternal5xx, true, 3 * time.Second},
		{"Internal Server Error", KindExternal5xx, true, 3 * time.Second},
		{"something nobody anticipated", KindUnknown, true, time.Second},
	}
	for _, tc := range cases {
		got := ClassifyMessage(tc.msg)
		if got.Kind != tc.kind {
			t.Errorf("%q: expected kind %s, got %s", tc.msg, tc.kind, got.Kind)
		}
		if got.Retryable != tc.retryable {
			t.Errorf("%q: expected retryable=%v, got %v", tc.msg, tc.retryable, got.Retryable)
		}
		if got.BaseDelay != tc.delay {
			t.Errorf("%q: expected delay %s, got %s", tc.msg, tc.delay, got.BaseDelay)
		}
	}
}

// Earlier table rows win when a message matches several
func TestClassifyMessageFirstMatchWins(t *testing.T) {
	got := ClassifyMessage("fetch failed with status 429")
	if got.Kind != KindNetwork {
		t.Errorf("expected NETWORK to win over RATE_LIMIT, got %s", got.Kind)
	}
}

func TestClassifyMessageCaseInsensitive(t *testing.T) {
	if got := ClassifyMessage("FETCH FAILED"); got.Kind != KindNetwork {
		t.Errorf("expected NETWORK, got %s", got.Kind)
	}
}

// Typed graph failures are terminal even though their messages match no
// table row
func TestClassifyTypedGraphErrors(t *testing.T) {
	cases := []error{
		&errs.ValidationError{NodeID: "A", Message: "node has no id"},
		errs.ValidationErrors{{NodeID: "A", Message: "bad"}},
		&errs.CycleError{NodeID: "A"},
		&errs.OrphanError{NodeID: "B"},
		&errs.TerminalCategoryError{NodeID: "C", Category: "LOGIC"},
		&errs.CycleOrOrphanError{Emitted: 1, Total: 3},
		&errs.ResumePointMissingError{NodeID: "ghost"},
		&errs.HandlerNotFoundError{NodeID: "D", BlockType: "nope"},
	}
	for _, err := range cases {
		got := Classify(err)
		if got.Kind != KindConfiguration {
			t.Errorf("%T: expected CONFIGURATION, got %s", err, got.Kind)
		}
		if got.Retryable {
			t.Errorf("%T: graph failures must not be retryable", err)
		}
	}
}

// Classification survives error wrapping
func TestClassifyWrappedTypedError(t *testing.T) {
	err := fmt.Errorf("node A failed: %w", &errs.CycleError{NodeID: "A"})
	if got := Classify(err); got.Retryable {
		t.Errorf("wrapped cycle error should stay non-retryable, got %+v", got)
	}

	err = fmt.Errorf("node B failed: %w", errors.New("fetch failed"))
	got := Classify(err)
	if got.Kind != KindNetwork || !got.Retryable {
		t.Errorf("wrapped network error should classify NETWORK retryable, got %+v", got)
	}
}

func TestClassifyQuotaTyped(t *testing.T) {
	got := Classify(&errs.QuotaExceededError{UserID: "u1", Count: 10, Quota: 10})
	if got.Kind != KindQuota || got.Retryable {
		t.Errorf("expected non-retryable QUOTA, got %+v", got)
	}
}

func TestClassifyCircuitTyped(t *testing.T) {
	got := Classify(&errs.CircuitOpenError{CircuitID: "node-type:http"})
	if got.Kind != KindCircuit || !got.Retryable || got.BaseDelay != 30*time.Second {
		t.Errorf("expected retryable CIRCUIT with 30s delay, got %+v", got)
	}
}

// Timeouts carry no table substring and fall back to retryable UNKNOWN
func TestClassifyTimeoutFallsBackRetryable(t *testing.T) {
	got := Classify(&errs.NodeTimeoutError{NodeID: "S", Timeout: 5 * time.Second})
	if !got.Retryable {
		t.Errorf("timeouts should be retryable at queue level, got %+v", got)
	}
}
