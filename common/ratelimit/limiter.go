// Package ratelimit meters execution admissions per user with Redis
// fixed-window counters. Workflows are tiered by how many of their blocks
// call out of the engine, and each tier keeps its own window, so a user
// flooding heavy workflows cannot starve their own lightweight ones.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result is the outcome of one admission check
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64 // seconds until the window resets; 0 when allowed
}

// RateLimiter runs the fixed-window counter script against Redis. The
// script counts and expires atomically, so concurrent workers share one
// window per user and tier.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	tiers  TierLimits
	logger Logger
}

// NewRateLimiter creates a limiter enforcing the given tier budgets.
// Tiers missing from the map get their default budget.
func NewRateLimiter(redisClient *redis.Client, tiers TierLimits, logger Logger) *RateLimiter {
	merged := DefaultTierLimits()
	for tier, cfg := range tiers {
		merged[tier] = cfg
	}
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		tiers:  merged,
		logger: logger,
	}
}

// CheckTieredLimit counts one admission attempt against the user's window
// for the given tier
func (r *RateLimiter) CheckTieredLimit(ctx context.Context, userID string, tier Tier) (*Result, error) {
	cfg := r.tiers.For(tier)
	return r.checkLimit(ctx, r.tierKey(userID, tier), cfg.Limit, cfg.WindowSeconds)
}

// TierUsage pairs a tier's current window count with its budget
type TierUsage struct {
	Tier          Tier  `json:"tier"`
	Current       int64 `json:"current"`
	Limit         int64 `json:"limit"`
	WindowSeconds int   `json:"window_seconds"`
}

// UserUsage reports the user's counters across all tiers without
// incrementing them
func (r *RateLimiter) UserUsage(ctx context.Context, userID string) ([]TierUsage, error) {
	usage := make([]TierUsage, 0, len(allTiers))
	for _, tier := range allTiers {
		count, err := r.redis.Get(ctx, r.tierKey(userID, tier)).Int64()
		if err == redis.Nil {
			count = 0
		} else if err != nil {
			return nil, fmt.Errorf("failed to read rate counter: %w", err)
		}
		cfg := r.tiers.For(tier)
		usage = append(usage, TierUsage{
			Tier:          tier,
			Current:       count,
			Limit:         cfg.Limit,
			WindowSeconds: cfg.WindowSeconds,
		})
	}
	return usage, nil
}

// ResetUserLimits clears the user's counters across all tiers
func (r *RateLimiter) ResetUserLimits(ctx context.Context, userID string) error {
	keys := make([]string, 0, len(allTiers))
	for _, tier := range allTiers {
		keys = append(keys, r.tierKey(userID, tier))
	}
	if err := r.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset rate counters: %w", err)
	}
	return nil
}

func (r *RateLimiter) tierKey(userID string, tier Tier) string {
	return fmt.Sprintf("rate_limit:user:%s:tier:%s", userID, tier)
}

// checkLimit executes the counter script and parses its
// {allowed, current_count, limit, retry_after} reply
func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	reply, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	result, err := parseScriptReply(reply)
	if err != nil {
		return nil, err
	}

	if !result.Allowed {
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", result.CurrentCount,
			"limit", result.Limit,
			"retry_after", result.RetryAfterSeconds)
	} else {
		r.logger.Debug("rate limit check passed",
			"key", key,
			"current", result.CurrentCount,
			"limit", result.Limit)
	}

	return result, nil
}

// parseScriptReply decodes the {allowed, current_count, limit,
// retry_after} array. Every field is checked; a malformed reply is an
// error, not a panic in the consumer loop.
func parseScriptReply(reply interface{}) (*Result, error) {
	fields, ok := reply.([]interface{})
	if !ok || len(fields) != 4 {
		return nil, fmt.Errorf("unexpected rate limit script reply: %T", reply)
	}

	nums := make([]int64, 4)
	for i, f := range fields {
		n, ok := f.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected rate limit script reply: field %d is %T", i, f)
		}
		nums[i] = n
	}

	return &Result{
		Allowed:           nums[0] == 1,
		CurrentCount:      nums[1],
		Limit:             nums[2],
		RetryAfterSeconds: nums[3],
	}, nil
}
