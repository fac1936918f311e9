package queue

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fluxline/engine/common/config"
	"github.com/fluxline/engine/common/models"
	redisw "github.com/fluxline/engine/common/redis"
)

//go:embed promote.lua
var promoteScript string

// promoteBatch bounds how many due messages one promoter tick moves
const promoteBatch = 100

// consumeBlock is how long one Consume call waits for a message
const consumeBlock = 5 * time.Second

// claimInterval is how often Consume looks for entries abandoned by dead
// consumers. A successful claim resets the timer so a backlog drains one
// entry per call instead of one per interval.
const claimInterval = time.Minute

// RedisBroker implements Broker over Redis streams. The main and
// dead-letter queues are streams; delayed retries live in a sorted set
// scored by due time and are moved onto the main stream by a promoter
// goroutine running an atomic Lua script.
type RedisBroker struct {
	client   *redisw.Client
	script   *goredis.Script
	cfg      config.QueueConfig
	consumer string
	logger   Logger

	promoteOnce sync.Once
	promoting   bool
	stop        chan struct{}
	done        chan struct{}

	// lastClaim tracks the abandoned-entry scan; only the Consume loop
	// touches it
	lastClaim time.Time
}

// NewRedisBroker creates the broker and its consumer group. The consumer
// name identifies this worker within the group for pending-entry tracking.
func NewRedisBroker(ctx context.Context, client *redisw.Client, cfg config.QueueConfig, consumer string, logger Logger) (*RedisBroker, error) {
	if err := client.CreateStreamGroup(ctx, cfg.Stream, cfg.Group); err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &RedisBroker{
		client:   client,
		script:   goredis.NewScript(promoteScript),
		cfg:      cfg,
		consumer: consumer,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// StartPromoter launches the goroutine that moves due delayed messages
// onto the main stream every PromoteInterval. Safe to call once.
func (b *RedisBroker) StartPromoter(ctx context.Context) {
	b.promoteOnce.Do(func() {
		b.promoting = true
		go b.promoteLoop(ctx)
	})
}

func (b *RedisBroker) promoteLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.PromoteInterval)
	defer ticker.Stop()

	b.logger.Info("delayed message promoter started",
		"retry_set", b.cfg.RetrySet,
		"interval", b.cfg.PromoteInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			n, err := b.promoteDue(ctx)
			if err != nil {
				b.logger.Error("failed to promote delayed messages", "error", err)
				continue
			}
			if n > 0 {
				b.logger.Debug("promoted delayed messages", "count", n)
			}
		}
	}
}

// promoteDue runs the embedded Lua script once and returns how many
// messages moved
func (b *RedisBroker) promoteDue(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := b.script.Run(ctx, b.client.GetUnderlying(),
		[]string{b.cfg.RetrySet, b.cfg.Stream},
		now, promoteBatch,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to run promote script: %w", err)
	}

	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected promote script result %T", res)
	}
	return n, nil
}

// Publish places a message on the main stream
func (b *RedisBroker) Publish(ctx context.Context, msg *models.QueueMessage) error {
	envelope, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	_, err = b.client.AddToStream(ctx, b.cfg.Stream, map[string]interface{}{
		"envelope": string(envelope),
	})
	return err
}

// PublishDelayed schedules a message for delivery after delay
func (b *RedisBroker) PublishDelayed(ctx context.Context, msg *models.QueueMessage, delay time.Duration) error {
	envelope, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return b.client.AddDelayed(ctx, b.cfg.RetrySet, time.Now().Add(delay), string(envelope))
}

// PublishDead moves a message onto the dead-letter stream for operators
func (b *RedisBroker) PublishDead(ctx context.Context, msg *models.QueueMessage, reason string) error {
	envelope, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	_, err = b.client.AddToStream(ctx, b.cfg.DLQStream, map[string]interface{}{
		"envelope":  string(envelope),
		"reason":    reason,
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

// Consume reads the next message for this consumer, blocking up to the
// poll interval. Returns (nil, nil) when the stream was quiet. Entries
// left pending by dead consumers are adopted before new reads.
func (b *RedisBroker) Consume(ctx context.Context) (*Delivery, error) {
	if d := b.claimAbandoned(ctx); d != nil {
		return d, nil
	}

	streams, err := b.client.ReadFromStreamGroup(ctx, b.cfg.Group, b.consumer, b.cfg.Stream, 1, consumeBlock)
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, nil
	}

	for _, stream := range streams {
		for _, m := range stream.Messages {
			return b.decodeEntry(m), nil
		}
	}
	return nil, nil
}

// claimAbandoned adopts one entry whose consumer stopped acking. The
// execution lease downstream makes double delivery harmless: either this
// worker wins the claim and runs it, or the claim fails and the entry is
// acked away.
func (b *RedisBroker) claimAbandoned(ctx context.Context) *Delivery {
	if b.cfg.ClaimMinIdle <= 0 || time.Since(b.lastClaim) < claimInterval {
		return nil
	}
	b.lastClaim = time.Now()

	msgs, err := b.client.ClaimStaleMessages(ctx, b.cfg.Stream, b.cfg.Group, b.consumer, b.cfg.ClaimMinIdle, 1)
	if err != nil {
		b.logger.Error("failed to claim abandoned entries", "error", err)
		return nil
	}
	if len(msgs) == 0 {
		return nil
	}

	// more may be waiting; scan again on the next call
	b.lastClaim = time.Time{}

	d := b.decodeEntry(msgs[0])
	execution := ""
	if d.Message != nil {
		execution = d.Message.ExecutionID
	}
	b.logger.Warn("adopted abandoned message",
		"message_id", d.ID,
		"execution_id", execution,
		"min_idle", b.cfg.ClaimMinIdle)
	return d
}

// decodeEntry turns a raw stream entry into a Delivery. Malformed
// envelopes still produce a Delivery so the caller can route them to the
// dead-letter queue.
func (b *RedisBroker) decodeEntry(m goredis.XMessage) *Delivery {
	raw, _ := m.Values["envelope"].(string)

	d := &Delivery{ID: m.ID, raw: raw}
	if raw == "" {
		b.logger.Warn("message missing envelope field", "message_id", m.ID)
		return d
	}

	var msg models.QueueMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		b.logger.Warn("malformed envelope", "message_id", m.ID, "error", err)
		return d
	}

	d.Message = &msg
	return d
}

// Ack acknowledges a delivery on the main stream
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.client.AckStreamMessage(ctx, b.cfg.Stream, b.cfg.Group, d.ID)
}

// Nack rejects a delivery. With requeue the envelope is re-added to the
// main stream; without, it moves to the dead-letter stream. The original
// entry is acked either way so it leaves this consumer's pending list.
func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	// The replacement entry and the ack travel in one round trip.
	pipe := b.client.NewPipeline()
	if requeue {
		pipe.AddToStream(ctx, b.cfg.Stream, map[string]interface{}{
			"envelope": d.raw,
		})
	} else {
		pipe.AddToStream(ctx, b.cfg.DLQStream, map[string]interface{}{
			"envelope":  d.raw,
			"reason":    "nacked without requeue",
			"failed_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
	pipe.AckStreamMessage(ctx, b.cfg.Stream, b.cfg.Group, d.ID)

	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack message %s: %w", d.ID, err)
	}
	return nil
}

// DelayedCount reports how many messages wait in the retry set
func (b *RedisBroker) DelayedCount(ctx context.Context) (int64, error) {
	return b.client.DelayedCount(ctx, b.cfg.RetrySet)
}

// Close stops the promoter and waits for it to exit
func (b *RedisBroker) Close() error {
	close(b.stop)
	if b.promoting {
		select {
		case <-b.done:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}
