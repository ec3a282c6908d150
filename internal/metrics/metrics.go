// Package metrics instruments the runtime with Prometheus collectors. All
// methods are nil-safe so call sites never guard on whether metrics were
// wired.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's Prometheus instruments.
type Metrics struct {
	executionsStarted   prometheus.Counter
	executionsCompleted *prometheus.CounterVec
	executionDuration   prometheus.Histogram
	nodesExecuted       *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec
	queueDepth          prometheus.Gauge
	runningTasks        prometheus.Gauge
	rateLimitWaits      *prometheus.CounterVec
	breakerTransitions  *prometheus.CounterVec
	compensationRuns    *prometheus.CounterVec
	eventsPublished     *prometheus.CounterVec
}

// NewMetrics creates and registers the runtime metrics with the given
// registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentrun_executions_started_total",
			Help: "Total number of workflow executions started",
		}),
		executionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_executions_completed_total",
			Help: "Total number of workflow executions finished by terminal status",
		}, []string{"status"}),
		executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentrun_execution_duration_seconds",
			Help:    "Wall-clock duration of finished workflow executions",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}),
		nodesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_nodes_executed_total",
			Help: "Total number of node executions by node kind and terminal status",
		}, []string{"kind", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrun_node_duration_seconds",
			Help:    "Duration of node executions by node kind",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrun_scheduler_queue_depth",
			Help: "Current number of tasks waiting in the scheduler queue",
		}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrun_scheduler_running_tasks",
			Help: "Current number of tasks holding execution slots",
		}),
		rateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_rate_limit_waits_total",
			Help: "Total number of dispatches delayed by a rate limiter, by resource key",
		}, []string{"resource"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state changes by resource key and new state",
		}, []string{"resource", "state"}),
		compensationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_compensation_runs_total",
			Help: "Total number of compensation runs by outcome",
		}, []string{"outcome"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_events_published_total",
			Help: "Total number of lifecycle events published by type",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsCompleted,
		m.executionDuration,
		m.nodesExecuted,
		m.nodeDuration,
		m.queueDepth,
		m.runningTasks,
		m.rateLimitWaits,
		m.breakerTransitions,
		m.compensationRuns,
		m.eventsPublished,
	)

	return m
}

// ExecutionStarted increments the started executions counter.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsStarted.Inc()
}

// ExecutionCompleted records a finished execution with its terminal status
// and duration.
func (m *Metrics) ExecutionCompleted(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(status).Inc()
	m.executionDuration.Observe(duration.Seconds())
}

// NodeExecuted records a settled node execution.
func (m *Metrics) NodeExecuted(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(kind, status).Inc()
	m.nodeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// QueueDepth sets the current scheduler queue depth.
func (m *Metrics) QueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// TaskStarted increments the running tasks gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.runningTasks.Inc()
}

// TaskFinished decrements the running tasks gauge.
func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.runningTasks.Dec()
}

// RateLimitWait counts a dispatch delayed by the resource's token bucket.
func (m *Metrics) RateLimitWait(resource string) {
	if m == nil {
		return
	}
	m.rateLimitWaits.WithLabelValues(resource).Inc()
}

// BreakerTransition counts a circuit breaker state change.
func (m *Metrics) BreakerTransition(resource, state string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(resource, state).Inc()
}

// CompensationRun counts a compensation run by its outcome.
func (m *Metrics) CompensationRun(outcome string) {
	if m == nil {
		return
	}
	m.compensationRuns.WithLabelValues(outcome).Inc()
}

// EventPublished counts a lifecycle event publish by type.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}
