// Package monitor keeps an in-memory live view of executions in flight:
// per-execution progress snapshots, a subscriber room per execution, and an
// optional sink that forwards every event (the worker wires it to the
// Redis event publisher). The durable log remains authoritative; the
// monitor exists for live progress.
package monitor

import (
	"sync"
	"time"
)

// Event types emitted over subscriber channels and the sink
const (
	EventExecutionStarted   = "execution_started"
	EventNodeUpdate         = "node_execution_update"
	EventEdgeFlow           = "edge_flow_update"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionLog       = "execution_log"
	EventExecutionMetrics   = "execution_metrics"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Event is one monitor notification
type Event struct {
	Type        string                 `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	UserID      string                 `json:"user_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Snapshot is the current progress view of one execution
type Snapshot struct {
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	UserID      string            `json:"user_id"`
	Status      string            `json:"status"`
	TotalNodes  int               `json:"total_nodes"`
	Completed   int               `json:"completed"`
	Progress    float64           `json:"progress"`
	Nodes       map[string]string `json:"nodes"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// edgeFlowDelay is the nominal animation time before a flowing edge is
// reported completed
const edgeFlowDelay = 1 * time.Second

// Monitor tracks live execution progress
type Monitor struct {
	mu          sync.Mutex
	snapshots   map[string]*Snapshot
	subscribers map[string]map[int]chan Event
	nextSubID   int
	sink        func(Event)
	retention   time.Duration
	logger      Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewMonitor creates a monitor that evicts terminal executions after
// retention
func NewMonitor(retention time.Duration, logger Logger) *Monitor {
	return &Monitor{
		snapshots:   make(map[string]*Snapshot),
		subscribers: make(map[string]map[int]chan Event),
		retention:   retention,
		logger:      logger,
		now:         time.Now,
		afterFunc:   time.AfterFunc,
	}
}

// SetSink registers a function invoked for every event, in emit order.
// Must be called before the monitor is used.
func (m *Monitor) SetSink(sink func(Event)) {
	m.sink = sink
}

// Subscribe opens a channel receiving this execution's events. Slow
// subscribers lose events rather than blocking the worker. The returned
// cancel function closes the subscription.
func (m *Monitor) Subscribe(executionID string) (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 64)
	id := m.nextSubID
	m.nextSubID++

	if m.subscribers[executionID] == nil {
		m.subscribers[executionID] = make(map[int]chan Event)
	}
	m.subscribers[executionID][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.subscribers[executionID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(m.subscribers, executionID)
			}
		}
	}
	return ch, cancel
}

// Progress returns a copy of the execution's snapshot
func (m *Monitor) Progress(executionID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[executionID]
	if !ok {
		return Snapshot{}, false
	}

	out := *snap
	out.Nodes = make(map[string]string, len(snap.Nodes))
	for k, v := range snap.Nodes {
		out.Nodes[k] = v
	}
	return out, true
}

// ExecutionStarted registers a fresh snapshot and emits execution_started
func (m *Monitor) ExecutionStarted(executionID, workflowID, userID string, nodeIDs []string) {
	m.mu.Lock()
	nodes := make(map[string]string, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes[id] = "pending"
	}
	m.snapshots[executionID] = &Snapshot{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		UserID:      userID,
		Status:      "running",
		TotalNodes:  len(nodeIDs),
		Nodes:       nodes,
		UpdatedAt:   m.now(),
	}
	m.mu.Unlock()

	m.emit(executionID, EventExecutionStarted, userID, map[string]interface{}{
		"workflow_id": workflowID,
		"total_nodes": len(nodeIDs),
	})
}

// NodeUpdate records a node status change and emits node_execution_update
// with the recomputed progress percentage
func (m *Monitor) NodeUpdate(executionID, nodeID, status string, extra map[string]interface{}) {
	m.mu.Lock()
	var progress float64
	var userID string
	if snap, ok := m.snapshots[executionID]; ok {
		snap.Nodes[nodeID] = status
		snap.Completed = 0
		for _, s := range snap.Nodes {
			if s == "completed" {
				snap.Completed++
			}
		}
		if snap.TotalNodes > 0 {
			snap.Progress = float64(snap.Completed) / float64(snap.TotalNodes) * 100
		}
		snap.UpdatedAt = m.now()
		progress = snap.Progress
		userID = snap.UserID
	}
	m.mu.Unlock()

	data := map[string]interface{}{
		"node_id":  nodeID,
		"status":   status,
		"progress": progress,
	}
	for k, v := range extra {
		data[k] = v
	}
	m.emit(executionID, EventNodeUpdate, userID, data)
}

// EdgeFlow emits edge_flow_update with state flowing, then completed after
// the nominal animation delay
func (m *Monitor) EdgeFlow(executionID, source, target string) {
	userID := m.userID(executionID)

	m.emit(executionID, EventEdgeFlow, userID, map[string]interface{}{
		"source": source,
		"target": target,
		"state":  "flowing",
	})

	m.afterFunc(edgeFlowDelay, func() {
		m.emit(executionID, EventEdgeFlow, userID, map[string]interface{}{
			"source": source,
			"target": target,
			"state":  "completed",
		})
	})
}

// ExecutionCompleted marks the snapshot terminal and schedules eviction
func (m *Monitor) ExecutionCompleted(executionID string, outputs map[string]interface{}) {
	userID := m.setTerminal(executionID, "completed")
	m.emit(executionID, EventExecutionCompleted, userID, map[string]interface{}{
		"outputs": outputs,
	})
	m.scheduleEviction(executionID)
}

// ExecutionFailed marks the snapshot terminal and schedules eviction
func (m *Monitor) ExecutionFailed(executionID, errMsg string) {
	userID := m.setTerminal(executionID, "failed")
	m.emit(executionID, EventExecutionFailed, userID, map[string]interface{}{
		"error": errMsg,
	})
	m.scheduleEviction(executionID)
}

// ExecutionPaused emits execution_paused
func (m *Monitor) ExecutionPaused(executionID string, data map[string]interface{}) {
	userID := m.setStatus(executionID, "paused")
	m.emit(executionID, EventExecutionPaused, userID, data)
}

// ExecutionResumed emits execution_resumed
func (m *Monitor) ExecutionResumed(executionID string, data map[string]interface{}) {
	userID := m.setStatus(executionID, "running")
	m.emit(executionID, EventExecutionResumed, userID, data)
}

// Log forwards a durable log entry to live subscribers
func (m *Monitor) Log(executionID string, level, message string, metadata map[string]interface{}) {
	data := map[string]interface{}{
		"level":   level,
		"message": message,
	}
	if len(metadata) > 0 {
		data["metadata"] = metadata
	}
	m.emit(executionID, EventExecutionLog, m.userID(executionID), data)
}

// Metrics emits execution_metrics with runtime measurements
func (m *Monitor) Metrics(executionID string, metrics map[string]interface{}) {
	m.emit(executionID, EventExecutionMetrics, m.userID(executionID), metrics)
}

func (m *Monitor) userID(executionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap, ok := m.snapshots[executionID]; ok {
		return snap.UserID
	}
	return ""
}

func (m *Monitor) setStatus(executionID, status string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[executionID]
	if !ok {
		return ""
	}
	snap.Status = status
	snap.UpdatedAt = m.now()
	return snap.UserID
}

func (m *Monitor) setTerminal(executionID, status string) string {
	return m.setStatus(executionID, status)
}

func (m *Monitor) scheduleEviction(executionID string) {
	m.afterFunc(m.retention, func() {
		m.mu.Lock()
		delete(m.snapshots, executionID)
		m.mu.Unlock()
		m.logger.Debug("evicted execution snapshot", "execution_id", executionID)
	})
}

// emit delivers the event to this execution's subscribers (non-blocking)
// and the sink. Sends happen under the lock so a concurrent unsubscribe
// cannot close a channel mid-send.
func (m *Monitor) emit(executionID, eventType, userID string, data map[string]interface{}) {
	ev := Event{
		Type:        eventType,
		ExecutionID: executionID,
		UserID:      userID,
		Timestamp:   m.now(),
		Data:        data,
	}

	m.mu.Lock()
	for _, ch := range m.subscribers[executionID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; the durable log has the full history
		}
	}
	m.mu.Unlock()

	if m.sink != nil {
		m.sink(ev)
	}
}
