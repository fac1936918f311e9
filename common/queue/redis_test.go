package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fluxline/engine/common/config"
	"github.com/fluxline/engine/common/models"
	redisw "github.com/fluxline/engine/common/redis"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Stream:          "wf.executions",
		RetrySet:        "wf.executions.delayed",
		DLQStream:       "wf.executions.dlq",
		Group:           "execution_workers",
		Prefetch:        10,
		MaxRetries:      3,
		LeaseTTL:        5 * time.Minute,
		PromoteInterval: time.Second,
		ClaimMinIdle:    time.Millisecond,
	}
}

func newTestBroker(t *testing.T, srv *miniredis.Miniredis, consumer string) (*RedisBroker, *goredis.Client) {
	t.Helper()

	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b, err := NewRedisBroker(context.Background(), redisw.NewClient(rdb, nopLogger{}), testQueueConfig(), consumer, nopLogger{})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, rdb
}

func TestRedisBrokerPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	b, rdb := newTestBroker(t, srv, "worker-a")

	msg := &models.QueueMessage{ExecutionID: "E1", WorkflowID: "W1", UserID: "U1"}
	if err := b.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d == nil || d.Message == nil {
		t.Fatalf("expected a delivery with a parsed message, got %+v", d)
	}
	if d.Message.ExecutionID != "E1" || d.Message.WorkflowID != "W1" {
		t.Errorf("unexpected message %+v", d.Message)
	}

	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}

	pending, err := rdb.XPending(ctx, "wf.executions", "execution_workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected no pending entries after ack, got %d", pending.Count)
	}
}

func TestRedisBrokerPromotesOnlyDueMessages(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	b, _ := newTestBroker(t, srv, "worker-a")

	future := &models.QueueMessage{ExecutionID: "E-future"}
	if err := b.PublishDelayed(ctx, future, time.Hour); err != nil {
		t.Fatalf("publish delayed: %v", err)
	}

	soon := &models.QueueMessage{ExecutionID: "E-soon", RetryCount: 2}
	if err := b.PublishDelayed(ctx, soon, time.Millisecond); err != nil {
		t.Fatalf("publish delayed: %v", err)
	}

	if n, err := b.DelayedCount(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 delayed messages, got %d (%v)", n, err)
	}

	time.Sleep(5 * time.Millisecond)

	moved, err := b.promoteDue(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 promoted message, got %d", moved)
	}
	if n, _ := b.DelayedCount(ctx); n != 1 {
		t.Errorf("expected the future message to stay delayed, got %d", n)
	}

	d, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d == nil || d.Message == nil || d.Message.ExecutionID != "E-soon" {
		t.Fatalf("expected the due message, got %+v", d)
	}
	if d.Message.RetryCount != 2 {
		t.Errorf("retry count lost in promotion: %+v", d.Message)
	}
}

func TestRedisBrokerNackRoutes(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	b, rdb := newTestBroker(t, srv, "worker-a")

	if err := b.Publish(ctx, &models.QueueMessage{ExecutionID: "E1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err := b.Consume(ctx)
	if err != nil || d == nil {
		t.Fatalf("consume: %v, %v", d, err)
	}

	// requeue returns a fresh copy to the main stream
	if err := b.Nack(ctx, d, true); err != nil {
		t.Fatalf("nack requeue: %v", err)
	}
	requeued, err := b.Consume(ctx)
	if err != nil || requeued == nil || requeued.Message == nil {
		t.Fatalf("consume requeued: %v, %v", requeued, err)
	}
	if requeued.Message.ExecutionID != "E1" {
		t.Errorf("requeue changed the message: %+v", requeued.Message)
	}
	if requeued.ID == d.ID {
		t.Error("requeue should produce a new stream entry")
	}

	// without requeue the envelope moves to the dead-letter stream
	if err := b.Nack(ctx, requeued, false); err != nil {
		t.Fatalf("nack dead-letter: %v", err)
	}
	dlqLen, err := rdb.XLen(ctx, "wf.executions.dlq").Result()
	if err != nil {
		t.Fatalf("xlen dlq: %v", err)
	}
	if dlqLen != 1 {
		t.Errorf("expected 1 dead-lettered entry, got %d", dlqLen)
	}

	pending, err := rdb.XPending(ctx, "wf.executions", "execution_workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("nack must ack the original entry, %d still pending", pending.Count)
	}
}

func TestRedisBrokerAdoptsAbandonedEntries(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)

	// worker-a reads the message and dies without acking
	a, _ := newTestBroker(t, srv, "worker-a")
	if err := a.Publish(ctx, &models.QueueMessage{ExecutionID: "E1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	orphaned, err := a.Consume(ctx)
	if err != nil || orphaned == nil {
		t.Fatalf("consume: %v, %v", orphaned, err)
	}

	// let the entry sit past the claim threshold
	time.Sleep(5 * time.Millisecond)

	b, rdb := newTestBroker(t, srv, "worker-b")
	adopted, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if adopted == nil || adopted.Message == nil {
		t.Fatalf("expected to adopt the abandoned entry, got %+v", adopted)
	}
	if adopted.ID != orphaned.ID {
		t.Errorf("adoption must keep the stream entry, got %s want %s", adopted.ID, orphaned.ID)
	}
	if adopted.Message.ExecutionID != "E1" {
		t.Errorf("unexpected message %+v", adopted.Message)
	}

	if err := b.Ack(ctx, adopted); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err := rdb.XPending(ctx, "wf.executions", "execution_workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected no pending entries after adoption ack, got %d", pending.Count)
	}
}

func TestRedisBrokerMalformedEnvelope(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	b, rdb := newTestBroker(t, srv, "worker-a")

	if err := rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: "wf.executions",
		Values: map[string]interface{}{"envelope": "{not json"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	d, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d == nil || d.Message != nil {
		t.Fatalf("expected an unparsed delivery, got %+v", d)
	}
	if d.Raw() != "{not json" {
		t.Errorf("raw envelope must survive for dead-lettering, got %q", d.Raw())
	}

	// the only safe route for garbage is the dead-letter queue
	if err := b.Nack(ctx, d, false); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if n, _ := rdb.XLen(ctx, "wf.executions.dlq").Result(); n != 1 {
		t.Errorf("expected dead-lettered entry, got %d", n)
	}
}
