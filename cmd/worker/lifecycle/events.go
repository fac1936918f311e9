// Package lifecycle handles the durable side effects of execution progress:
// append-only execution/node logs and the pub/sub events the front-end
// fan-out service consumes.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxline/engine/cmd/worker/monitor"
	redisw "github.com/fluxline/engine/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// EventPublisher publishes workflow events to Redis PubSub. Delivery is
// best effort; failures are logged and swallowed because the durable log
// already holds the authoritative record.
type EventPublisher struct {
	redis  *redisw.Client
	logger Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(redis *redisw.Client, logger Logger) *EventPublisher {
	return &EventPublisher{
		redis:  redis,
		logger: logger,
	}
}

// PublishWorkflowEvent publishes an event on the user's channel for the
// fanout service
func (p *EventPublisher) PublishWorkflowEvent(ctx context.Context, userID string, event map[string]interface{}) {
	if userID == "" {
		return
	}
	channel := fmt.Sprintf("workflow:events:%s", userID)

	eventJSON, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal workflow event", "error", err)
		return
	}

	if err := p.redis.PublishEvent(ctx, channel, string(eventJSON)); err != nil {
		p.logger.Error("failed to publish workflow event",
			"channel", channel,
			"error", err)
		return
	}

	p.logger.Debug("published workflow event",
		"channel", channel,
		"type", event["type"])
}

// NotifyWorkflowCompleted publishes the user-facing completion notification
func (p *EventPublisher) NotifyWorkflowCompleted(ctx context.Context, userID, executionID, workflowID string) {
	p.PublishWorkflowEvent(ctx, userID, map[string]interface{}{
		"type":         "workflow_completed",
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"timestamp":    time.Now().Unix(),
	})
}

// NotifyWorkflowFailed publishes the user-facing failure notification
func (p *EventPublisher) NotifyWorkflowFailed(ctx context.Context, userID, executionID, workflowID, errMsg string, duration time.Duration) {
	p.PublishWorkflowEvent(ctx, userID, map[string]interface{}{
		"type":         "workflow_failed",
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"error":        errMsg,
		"duration_ms":  duration.Milliseconds(),
		"timestamp":    time.Now().Unix(),
	})
}

// Sink adapts the publisher to the monitor's sink contract so every live
// event also reaches the user's pub/sub channel
func (p *EventPublisher) Sink() func(monitor.Event) {
	return func(ev monitor.Event) {
		event := map[string]interface{}{
			"type":         ev.Type,
			"execution_id": ev.ExecutionID,
			"timestamp":    ev.Timestamp.Unix(),
		}
		for k, v := range ev.Data {
			event[k] = v
		}
		p.PublishWorkflowEvent(context.Background(), ev.UserID, event)
	}
}
