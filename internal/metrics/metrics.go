package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestration core
type Metrics struct {
	registry *prometheus.Registry

	// Admission metrics
	TasksSubmittedTotal *prometheus.CounterVec
	TasksRejectedTotal  *prometheus.CounterVec
	TasksCompletedTotal *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	QueueWaitDuration   prometheus.Histogram

	// Loop metrics
	LoopOutcomesTotal    *prometheus.CounterVec
	LoopTurns            prometheus.Histogram
	LoopDuration         prometheus.Histogram
	TierEscalationsTotal *prometheus.CounterVec

	// Backend metrics
	BackendCallsTotal   *prometheus.CounterVec
	BackendCallDuration *prometheus.HistogramVec

	// Tool metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Rate limiter metrics
	RateLimitWaitDuration *prometheus.HistogramVec
	RateLimitRejectsTotal *prometheus.CounterVec

	// Sub-agent metrics
	SubTasksTotal *prometheus.CounterVec
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		TasksSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_tasks_submitted_total",
				Help: "Total number of tasks accepted for execution",
			},
			[]string{"tenant", "priority"},
		),
		TasksRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_tasks_rejected_total",
				Help: "Total number of task submissions rejected at admission",
			},
			[]string{"tenant", "reason"},
		),
		TasksCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_tasks_completed_total",
				Help: "Total number of dequeued tasks that reached a terminal outcome",
			},
			[]string{"tenant", "outcome"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keel_queue_depth",
				Help: "Current number of queued tasks per tenant",
			},
			[]string{"tenant"},
		),
		QueueWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keel_queue_wait_seconds",
				Help:    "Time tasks spend queued before a worker picks them up",
				Buckets: prometheus.DefBuckets,
			},
		),

		LoopOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_loop_outcomes_total",
				Help: "Total number of completed loops by outcome",
			},
			[]string{"outcome"},
		),
		LoopTurns: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keel_loop_turns",
				Help:    "Number of turns per completed loop",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		LoopDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keel_loop_duration_seconds",
				Help:    "Wall-clock duration of completed loops",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		TierEscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_tier_escalations_total",
				Help: "Total number of tier escalations",
			},
			[]string{"from", "to", "trigger"},
		),

		BackendCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_backend_calls_total",
				Help: "Total number of inference backend calls",
			},
			[]string{"backend", "tier", "status"},
		),
		BackendCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_backend_call_duration_seconds",
				Help:    "Duration of inference backend calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "tier"},
		),

		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_tool_calls_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_tool_call_duration_seconds",
				Help:    "Duration of tool invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),

		RateLimitWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_ratelimit_wait_seconds",
				Help:    "Time callers spend waiting on token bucket refill",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"tier", "backend"},
		),
		RateLimitRejectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_ratelimit_rejects_total",
				Help: "Total number of acquires that exceeded the wait ceiling",
			},
			[]string{"tier", "backend"},
		),

		SubTasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_subtasks_total",
				Help: "Total number of delegated sub-tasks by status",
			},
			[]string{"status"},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.TasksSubmittedTotal)
	m.registry.MustRegister(m.TasksRejectedTotal)
	m.registry.MustRegister(m.TasksCompletedTotal)
	m.registry.MustRegister(m.QueueDepth)
	m.registry.MustRegister(m.QueueWaitDuration)

	m.registry.MustRegister(m.LoopOutcomesTotal)
	m.registry.MustRegister(m.LoopTurns)
	m.registry.MustRegister(m.LoopDuration)
	m.registry.MustRegister(m.TierEscalationsTotal)

	m.registry.MustRegister(m.BackendCallsTotal)
	m.registry.MustRegister(m.BackendCallDuration)

	m.registry.MustRegister(m.ToolCallsTotal)
	m.registry.MustRegister(m.ToolCallDuration)

	m.registry.MustRegister(m.RateLimitWaitDuration)
	m.registry.MustRegister(m.RateLimitRejectsTotal)

	m.registry.MustRegister(m.SubTasksTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
