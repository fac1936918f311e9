package handlers

import (
	"context"
	"time"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

// DelayHandler pauses the workflow for a configured duration. The wait is
// context-aware, so the node execution timeout bounds it.
type DelayHandler struct{}

// NewDelayHandler creates the delay block handler
func NewDelayHandler() *DelayHandler {
	return &DelayHandler{}
}

// ValidateConfig requires a duration
func (h *DelayHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	raw, ok := config["durationMs"]
	if !ok {
		return []string{"durationMs is required"}
	}
	if s, ok := raw.(string); ok && isReference(s) {
		return nil
	}
	if ms, ok := numberValue(config, "durationMs"); !ok || ms < 0 {
		return []string{"durationMs must be a non-negative number"}
	}
	return nil
}

// Execute sleeps until the duration elapses or the context ends
func (h *DelayHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	ms, ok := numberValue(ectx.Config, "durationMs")
	if !ok || ms < 0 {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "delay block requires a non-negative durationMs"}
	}

	start := time.Now()
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return map[string]interface{}{
		"delayedMs": time.Since(start).Milliseconds(),
	}, nil
}
