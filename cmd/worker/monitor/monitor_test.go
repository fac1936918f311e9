package monitor

import (
	"testing"
	"time"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

// manualTimers captures scheduled callbacks so tests fire them on demand
type manualTimers struct {
	callbacks []func()
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) *time.Timer {
	m.callbacks = append(m.callbacks, f)
	return time.NewTimer(time.Hour)
}

func (m *manualTimers) fireAll() {
	for _, f := range m.callbacks {
		f()
	}
	m.callbacks = nil
}

func newTestMonitor() (*Monitor, *manualTimers) {
	m := NewMonitor(5*time.Minute, nopLogger{})
	timers := &manualTimers{}
	m.afterFunc = timers.afterFunc
	return m, timers
}

func TestMonitorProgressComputation(t *testing.T) {
	m, _ := newTestMonitor()

	m.ExecutionStarted("E1", "W1", "U1", []string{"A", "B", "C", "D"})

	snap, ok := m.Progress("E1")
	if !ok {
		t.Fatal("expected snapshot after start")
	}
	if snap.TotalNodes != 4 || snap.Progress != 0 {
		t.Errorf("unexpected initial snapshot: %+v", snap)
	}

	m.NodeUpdate("E1", "A", "completed", nil)
	m.NodeUpdate("E1", "B", "completed", nil)

	snap, _ = m.Progress("E1")
	if snap.Completed != 2 {
		t.Errorf("expected 2 completed, got %d", snap.Completed)
	}
	if snap.Progress != 50 {
		t.Errorf("expected progress 50, got %v", snap.Progress)
	}
	if snap.Nodes["A"] != "completed" || snap.Nodes["C"] != "pending" {
		t.Errorf("unexpected node statuses: %v", snap.Nodes)
	}
}

func TestMonitorSubscriberReceivesEvents(t *testing.T) {
	m, _ := newTestMonitor()

	ch, cancel := m.Subscribe("E1")
	defer cancel()

	m.ExecutionStarted("E1", "W1", "U1", []string{"A"})
	m.NodeUpdate("E1", "A", "running", nil)

	ev := <-ch
	if ev.Type != EventExecutionStarted || ev.UserID != "U1" {
		t.Errorf("unexpected first event: %+v", ev)
	}
	ev = <-ch
	if ev.Type != EventNodeUpdate {
		t.Errorf("unexpected second event: %+v", ev)
	}
	if ev.Data["node_id"] != "A" || ev.Data["status"] != "running" {
		t.Errorf("unexpected node update payload: %v", ev.Data)
	}
}

func TestMonitorSlowSubscriberDropsEvents(t *testing.T) {
	m, _ := newTestMonitor()

	ch, cancel := m.Subscribe("E1")
	defer cancel()

	// Overflow the buffer; emits must not block
	m.ExecutionStarted("E1", "W1", "U1", []string{"A"})
	for i := 0; i < 200; i++ {
		m.NodeUpdate("E1", "A", "running", nil)
	}

	if len(ch) != cap(ch) {
		t.Errorf("expected full channel, got %d of %d", len(ch), cap(ch))
	}
}

func TestMonitorSinkSeesEveryEvent(t *testing.T) {
	m, _ := newTestMonitor()

	var types []string
	m.SetSink(func(ev Event) { types = append(types, ev.Type) })

	m.ExecutionStarted("E1", "W1", "U1", []string{"A"})
	m.NodeUpdate("E1", "A", "completed", nil)
	m.ExecutionCompleted("E1", map[string]interface{}{"A": map[string]interface{}{"x": 1}})

	want := []string{EventExecutionStarted, EventNodeUpdate, EventExecutionCompleted}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestMonitorEdgeFlowTwoPhase(t *testing.T) {
	m, timers := newTestMonitor()

	var events []Event
	m.SetSink(func(ev Event) { events = append(events, ev) })

	m.ExecutionStarted("E1", "W1", "U1", []string{"A", "B"})
	m.EdgeFlow("E1", "A", "B")

	if len(events) != 2 {
		t.Fatalf("expected start + flowing, got %d events", len(events))
	}
	if events[1].Data["state"] != "flowing" {
		t.Errorf("expected flowing first, got %v", events[1].Data)
	}

	timers.fireAll()

	last := events[len(events)-1]
	if last.Type != EventEdgeFlow || last.Data["state"] != "completed" {
		t.Errorf("expected completed edge flow after delay, got %+v", last)
	}
}

func TestMonitorEvictionAfterTerminal(t *testing.T) {
	m, timers := newTestMonitor()

	m.ExecutionStarted("E1", "W1", "U1", []string{"A"})
	m.ExecutionFailed("E1", "boom")

	if _, ok := m.Progress("E1"); !ok {
		t.Fatal("snapshot should survive until retention elapses")
	}

	timers.fireAll()

	if _, ok := m.Progress("E1"); ok {
		t.Error("snapshot should be evicted after retention")
	}
}

func TestMonitorPauseResume(t *testing.T) {
	m, _ := newTestMonitor()

	m.ExecutionStarted("E1", "W1", "U1", []string{"A"})
	m.ExecutionPaused("E1", map[string]interface{}{"node_id": "A"})

	snap, _ := m.Progress("E1")
	if snap.Status != "paused" {
		t.Errorf("expected paused, got %s", snap.Status)
	}

	m.ExecutionResumed("E1", nil)
	snap, _ = m.Progress("E1")
	if snap.Status != "running" {
		t.Errorf("expected running, got %s", snap.Status)
	}
}

func TestMonitorUnsubscribeStopsDelivery(t *testing.T) {
	m, _ := newTestMonitor()

	ch, cancel := m.Subscribe("E1")
	cancel()

	// Channel is closed; delivery must not panic
	m.ExecutionStarted("E1", "W1", "U1", []string{"A"})

	if _, open := <-ch; open {
		t.Error("expected closed channel after cancel")
	}
}
