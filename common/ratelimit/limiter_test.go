package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

func newTestLimiter(t *testing.T, tiers TierLimits) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRateLimiter(client, tiers, nopLogger{}), srv
}

func TestCheckTieredLimitCountsWindow(t *testing.T) {
	rl, _ := newTestLimiter(t, TierLimits{TierHeavy: {Limit: 3, WindowSeconds: 60}})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		res, err := rl.CheckTieredLimit(ctx, "U1", TierHeavy)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed || res.CurrentCount != i {
			t.Fatalf("check %d = %+v, want allowed with count %d", i, res, i)
		}
	}

	res, err := rl.CheckTieredLimit(ctx, "U1", TierHeavy)
	if err != nil {
		t.Fatalf("over-limit check: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth admission should be refused at limit 3")
	}
	if res.CurrentCount != 4 || res.Limit != 3 {
		t.Errorf("result = %+v, want count 4 over limit 3", res)
	}
	if res.RetryAfterSeconds <= 0 || res.RetryAfterSeconds > 60 {
		t.Errorf("retry_after = %d, want remaining window", res.RetryAfterSeconds)
	}
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	rl, srv := newTestLimiter(t, TierLimits{TierSimple: {Limit: 1, WindowSeconds: 10}})
	ctx := context.Background()

	if res, err := rl.CheckTieredLimit(ctx, "U1", TierSimple); err != nil || !res.Allowed {
		t.Fatalf("first = %+v, %v", res, err)
	}
	if res, err := rl.CheckTieredLimit(ctx, "U1", TierSimple); err != nil || res.Allowed {
		t.Fatalf("second = %+v, %v; want refused", res, err)
	}

	srv.FastForward(11 * time.Second)

	res, err := rl.CheckTieredLimit(ctx, "U1", TierSimple)
	if err != nil {
		t.Fatalf("post-window check: %v", err)
	}
	if !res.Allowed || res.CurrentCount != 1 {
		t.Errorf("result = %+v, want fresh window", res)
	}
}

func TestTiersAndUsersAreIsolated(t *testing.T) {
	rl, _ := newTestLimiter(t, TierLimits{
		TierSimple: {Limit: 1, WindowSeconds: 60},
		TierHeavy:  {Limit: 1, WindowSeconds: 60},
	})
	ctx := context.Background()

	if res, _ := rl.CheckTieredLimit(ctx, "U1", TierHeavy); !res.Allowed {
		t.Fatal("first heavy admission refused")
	}
	if res, _ := rl.CheckTieredLimit(ctx, "U1", TierHeavy); res.Allowed {
		t.Fatal("heavy window should be spent")
	}

	if res, _ := rl.CheckTieredLimit(ctx, "U1", TierSimple); !res.Allowed {
		t.Error("simple tier shares no counter with heavy")
	}
	if res, _ := rl.CheckTieredLimit(ctx, "U2", TierHeavy); !res.Allowed {
		t.Error("users share no counter")
	}
}

func TestUserUsageReadsWithoutIncrement(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	_, _ = rl.CheckTieredLimit(ctx, "U1", TierStandard)
	_, _ = rl.CheckTieredLimit(ctx, "U1", TierStandard)

	for i := 0; i < 2; i++ {
		usage, err := rl.UserUsage(ctx, "U1")
		if err != nil {
			t.Fatalf("UserUsage: %v", err)
		}
		byTier := make(map[Tier]TierUsage, len(usage))
		for _, u := range usage {
			byTier[u.Tier] = u
		}
		if byTier[TierStandard].Current != 2 {
			t.Errorf("standard current = %d, want 2", byTier[TierStandard].Current)
		}
		if byTier[TierSimple].Current != 0 || byTier[TierHeavy].Current != 0 {
			t.Errorf("untouched tiers = %+v, want zero", usage)
		}
		if byTier[TierSimple].Limit != 100 {
			t.Errorf("simple limit = %d, want default 100", byTier[TierSimple].Limit)
		}
	}
}

func TestResetUserLimits(t *testing.T) {
	rl, _ := newTestLimiter(t, TierLimits{TierHeavy: {Limit: 1, WindowSeconds: 60}})
	ctx := context.Background()

	_, _ = rl.CheckTieredLimit(ctx, "U1", TierHeavy)
	if res, _ := rl.CheckTieredLimit(ctx, "U1", TierHeavy); res.Allowed {
		t.Fatal("window should be spent before reset")
	}

	if err := rl.ResetUserLimits(ctx, "U1"); err != nil {
		t.Fatalf("ResetUserLimits: %v", err)
	}

	res, err := rl.CheckTieredLimit(ctx, "U1", TierHeavy)
	if err != nil {
		t.Fatalf("post-reset check: %v", err)
	}
	if !res.Allowed || res.CurrentCount != 1 {
		t.Errorf("result = %+v, want fresh window after reset", res)
	}
}

func TestNewRateLimiterMergesDefaults(t *testing.T) {
	rl := NewRateLimiter(nil, TierLimits{TierHeavy: {Limit: 2, WindowSeconds: 30}}, nil)

	if got := rl.tiers.For(TierHeavy); got.Limit != 2 || got.WindowSeconds != 30 {
		t.Errorf("heavy = %+v, want override kept", got)
	}
	if got := rl.tiers.For(TierSimple); got.Limit != 100 {
		t.Errorf("simple limit = %d, want default 100", got)
	}
}

// A malformed script reply must surface as an error, never a panic: the
// consumer's admission path runs this on every message.
func TestParseScriptReplyRejectsMalformedReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply interface{}
	}{
		{"not an array", "OK"},
		{"short array", []interface{}{int64(1), int64(2)}},
		{"non-integer field", []interface{}{int64(1), "two", int64(3), int64(4)}},
		{"nil reply", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseScriptReply(tt.reply); err == nil {
				t.Error("expected an error for a malformed reply")
			}
		})
	}
}

func TestParseScriptReplyDecodesFields(t *testing.T) {
	res, err := parseScriptReply([]interface{}{int64(0), int64(7), int64(5), int64(42)})
	if err != nil {
		t.Fatalf("parseScriptReply failed: %v", err)
	}
	if res.Allowed {
		t.Error("allowed = true, want false for flag 0")
	}
	if res.CurrentCount != 7 || res.Limit != 5 || res.RetryAfterSeconds != 42 {
		t.Errorf("result = %+v, want count 7, limit 5, retry 42", res)
	}
}
