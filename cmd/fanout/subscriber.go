package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// eventChannelPattern matches the per-user channels the worker's event
// publisher writes to. The channel layout is workflow:events:{userID};
// see cmd/worker/lifecycle.
const eventChannelPattern = "workflow:events:*"

// Subscriber bridges the worker's Redis pub/sub event channels onto the hub
type Subscriber struct {
	redis  *redis.Client
	hub    *Hub
	logger Logger
}

// NewSubscriber creates a subscriber that forwards events to the hub
func NewSubscriber(redisClient *redis.Client, hub *Hub, logger Logger) *Subscriber {
	return &Subscriber{
		redis:  redisClient,
		hub:    hub,
		logger: logger,
	}
}

// Run subscribes to the event channels and forwards every message to the
// owning user's connections. It blocks until the context is cancelled or
// the subscription breaks.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.redis.PSubscribe(ctx, eventChannelPattern)
	defer pubsub.Close()

	// confirm the subscription reached the server before reporting started
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event channels: %w", err)
	}

	s.logger.Info("subscribed to event channels", "pattern", eventChannelPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("event subscription closed unexpectedly")
			}

			userID := userIDFromChannel(msg.Channel)
			if userID == "" {
				s.logger.Warn("event on unrecognized channel", "channel", msg.Channel)
				continue
			}

			s.logger.Debug("forwarding event", "user_id", userID, "bytes", len(msg.Payload))
			s.hub.Broadcast(userID, []byte(msg.Payload))
		}
	}
}

// userIDFromChannel extracts the user ID from a channel name.
// Example: "workflow:events:user-123" → "user-123".
func userIDFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "workflow" || parts[1] != "events" {
		return ""
	}
	return parts[2]
}
