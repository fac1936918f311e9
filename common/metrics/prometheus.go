package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// breaker state values exported by the gauge
const (
	gaugeClosed   = 0
	gaugeOpen     = 1
	gaugeHalfOpen = 2
)

// Worker holds the Prometheus collectors for the execution worker.
// All methods are nil-safe so components can run without metrics in tests.
type Worker struct {
	executionsStarted   prometheus.Counter
	executionsCompleted prometheus.Counter
	executionsFailed    prometheus.Counter
	executionsReleased  prometheus.Counter
	executionsInFlight  prometheus.Gauge

	nodeAttempts *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec

	queueRetries     prometheus.Counter
	queueDLQ         prometheus.Counter
	queueRateLimited prometheus.Counter
}

// NewWorker registers the worker collectors with the given registry,
// namespaced "engine". Pass prometheus.DefaultRegisterer in main; tests
// isolate with prometheus.NewRegistry().
func NewWorker(registry prometheus.Registerer) *Worker {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Worker{
		executionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "executions_started_total",
			Help:      "Workflow executions claimed and started by this worker",
		}),
		executionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "executions_completed_total",
			Help:      "Workflow executions that reached completed",
		}),
		executionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "executions_failed_total",
			Help:      "Workflow executions that reached failed",
		}),
		executionsReleased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "executions_released_total",
			Help:      "Stale execution leases released back to pending by the supervisor",
		}),
		executionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "executions_in_flight",
			Help:      "Executions currently being processed by this worker",
		}),
		nodeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "node_attempts_total",
			Help:      "Node execution attempts by block type and outcome",
		}, []string{"block_type", "outcome"}), // outcome: success, error, timeout, rejected
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "engine",
			Name:      "node_duration_seconds",
			Help:      "Node handler duration per attempt",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"block_type"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "breaker_state",
			Help:      "Circuit state per breaker level (0 closed, 1 open, 2 half-open)",
		}, []string{"level"}),
		breakerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "breaker_rejections_total",
			Help:      "Executions rejected by an open circuit, by level",
		}, []string{"level"}),
		queueRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "queue_retries_total",
			Help:      "Messages republished to the delayed retry queue",
		}),
		queueDLQ: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "queue_dead_lettered_total",
			Help:      "Messages routed to the dead-letter queue",
		}),
		queueRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "queue_rate_limited_total",
			Help:      "Messages deferred because the user's admission window was spent",
		}),
	}
}

// ExecutionStarted increments the started counter and the in-flight gauge
func (w *Worker) ExecutionStarted() {
	if w == nil {
		return
	}
	w.executionsStarted.Inc()
	w.executionsInFlight.Inc()
}

// ExecutionFinished records the terminal outcome and decrements in-flight
func (w *Worker) ExecutionFinished(completed bool) {
	if w == nil {
		return
	}
	if completed {
		w.executionsCompleted.Inc()
	} else {
		w.executionsFailed.Inc()
	}
	w.executionsInFlight.Dec()
}

// ExecutionReleased counts a stale lease returned to pending by the
// supervisor
func (w *Worker) ExecutionReleased() {
	if w == nil {
		return
	}
	w.executionsReleased.Inc()
}

// NodeAttempt records one handler attempt with its duration
func (w *Worker) NodeAttempt(blockType, outcome string, d time.Duration) {
	if w == nil {
		return
	}
	w.nodeAttempts.WithLabelValues(blockType, outcome).Inc()
	w.nodeDuration.WithLabelValues(blockType).Observe(d.Seconds())
}

// BreakerState exports the current circuit state for a level
func (w *Worker) BreakerState(level, state string) {
	if w == nil {
		return
	}
	v := float64(gaugeClosed)
	switch state {
	case "OPEN":
		v = gaugeOpen
	case "HALF_OPEN":
		v = gaugeHalfOpen
	}
	w.breakerState.WithLabelValues(level).Set(v)
}

// BreakerRejected counts an admission refused by an open circuit
func (w *Worker) BreakerRejected(level string) {
	if w == nil {
		return
	}
	w.breakerRejections.WithLabelValues(level).Inc()
}

// QueueRetry counts a message republished for delayed retry
func (w *Worker) QueueRetry() {
	if w == nil {
		return
	}
	w.queueRetries.Inc()
}

// QueueDeadLettered counts a message routed to the DLQ
func (w *Worker) QueueDeadLettered() {
	if w == nil {
		return
	}
	w.queueDLQ.Inc()
}

// QueueRateLimited counts a message deferred by admission metering
func (w *Worker) QueueRateLimited() {
	if w == nil {
		return
	}
	w.queueRateLimited.Inc()
}
