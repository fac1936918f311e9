// Package queue defines the broker contract for pending workflow
// executions: a main queue consumed through a consumer group, a delayed
// set for scheduled retries, and a dead-letter queue for messages the
// worker refuses to retry. Delivery is at-least-once; consumers ack only
// after the outcome has been routed.
package queue

import (
	"context"
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

// Delivery is one message handed to a consumer. Message is nil when the
// envelope failed to parse; such deliveries can only be acked or
// dead-lettered.
type Delivery struct {
	ID      string
	Message *models.QueueMessage

	// raw envelope as stored on the stream, kept for requeue/DLQ moves
	raw string
}

// Raw returns the envelope exactly as it arrived
func (d *Delivery) Raw() string {
	return d.raw
}

// Broker moves execution messages between the main, retry, and
// dead-letter queues
type Broker interface {
	// Publish places a message on the main queue
	Publish(ctx context.Context, msg *models.QueueMessage) error

	// PublishDelayed schedules a message onto the main queue after delay
	PublishDelayed(ctx context.Context, msg *models.QueueMessage, delay time.Duration) error

	// PublishDead moves a message to the dead-letter queue with a reason
	PublishDead(ctx context.Context, msg *models.QueueMessage, reason string) error

	// Consume blocks up to the broker's poll interval and returns the
	// next delivery, or (nil, nil) when none arrived
	Consume(ctx context.Context) (*Delivery, error)

	// Ack marks a delivery processed
	Ack(ctx context.Context, d *Delivery) error

	// Nack rejects a delivery: requeue=true returns it to the main
	// queue, requeue=false routes it to the dead-letter queue
	Nack(ctx context.Context, d *Delivery, requeue bool) error

	Close() error
}
