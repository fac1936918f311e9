package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fluxline/engine/common/models"
)

// DeadLetter is one entry in the memory broker's dead-letter queue
type DeadLetter struct {
	Message *models.QueueMessage
	Reason  string
}

type delayedEntry struct {
	msg   *models.QueueMessage
	dueAt time.Time
}

// MemoryBroker is a channel-backed Broker for tests and single-process
// setups. Delayed messages become visible once their due time passes
// (checked on Consume) or immediately via PromoteNow.
type MemoryBroker struct {
	mu      sync.Mutex
	main    chan *Delivery
	delayed []delayedEntry
	dead    []DeadLetter
	acked   []string
	nextID  int
	closed  bool
	now     func() time.Time
}

// NewMemoryBroker creates an empty in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		main: make(chan *Delivery, 1024),
		now:  time.Now,
	}
}

// Publish places a message on the main queue
func (b *MemoryBroker) Publish(ctx context.Context, msg *models.QueueMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	b.enqueueLocked(msg)
	return nil
}

func (b *MemoryBroker) enqueueLocked(msg *models.QueueMessage) {
	b.nextID++
	raw, _ := json.Marshal(msg)
	b.main <- &Delivery{
		ID:      fmt.Sprintf("mem-%d", b.nextID),
		Message: msg,
		raw:     string(raw),
	}
}

// PublishDelayed holds the message until its due time passes
func (b *MemoryBroker) PublishDelayed(ctx context.Context, msg *models.QueueMessage, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	b.delayed = append(b.delayed, delayedEntry{msg: msg, dueAt: b.now().Add(delay)})
	return nil
}

// PublishDead records the message in the dead-letter slice
func (b *MemoryBroker) PublishDead(ctx context.Context, msg *models.QueueMessage, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, DeadLetter{Message: msg, Reason: reason})
	return nil
}

// PromoteNow forces all delayed messages onto the main queue regardless
// of due time
func (b *MemoryBroker) PromoteNow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.delayed {
		b.enqueueLocked(e.msg)
	}
	b.delayed = nil
}

// promoteDueLocked moves messages whose due time has passed
func (b *MemoryBroker) promoteDueLocked() {
	now := b.now()
	var remaining []delayedEntry
	for _, e := range b.delayed {
		if !e.dueAt.After(now) {
			b.enqueueLocked(e.msg)
		} else {
			remaining = append(remaining, e)
		}
	}
	b.delayed = remaining
}

// Consume returns the next visible message or (nil, nil) after a short
// poll window
func (b *MemoryBroker) Consume(ctx context.Context) (*Delivery, error) {
	b.mu.Lock()
	b.promoteDueLocked()
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-b.main:
		if !ok {
			return nil, fmt.Errorf("broker closed")
		}
		return d, nil
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

// Ack records the delivery id as processed
func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, d.ID)
	return nil
}

// Nack returns the message to the main queue or dead-letters it
func (b *MemoryBroker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if requeue {
		if d.Message != nil {
			b.enqueueLocked(d.Message)
		}
	} else {
		b.dead = append(b.dead, DeadLetter{Message: d.Message, Reason: "nacked without requeue"})
	}
	b.acked = append(b.acked, d.ID)
	return nil
}

// Close closes the main channel
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.main)
	}
	return nil
}

// DeadLetters returns a copy of the dead-letter queue for assertions
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.dead))
	copy(out, b.dead)
	return out
}

// Acked returns the delivery ids acknowledged so far
func (b *MemoryBroker) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.acked))
	copy(out, b.acked)
	return out
}

// DelayedCount reports how many messages are still waiting
func (b *MemoryBroker) DelayedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.delayed)
}
