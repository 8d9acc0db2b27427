package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics centralizes prometheus collectors for the job execution core.
type Metrics struct {
	// QueueDepth tracks total queued entries.
	QueueDepth prometheus.Gauge

	// QueueWait measures time from enqueue to commit in seconds.
	QueueWait prometheus.Histogram

	// StepsAppended counts persisted steps.
	// Labels: role
	StepsAppended *prometheus.CounterVec

	// ProviderDuration measures provider call latency in seconds.
	// Labels: provider, model
	ProviderDuration *prometheus.HistogramVec

	// ProviderTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ProviderTokens *prometheus.CounterVec

	// ToolExecutions counts tool dispatches.
	// Labels: router_key, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: router_key
	ToolDuration *prometheus.HistogramVec

	// JobsFinished counts terminal jobs.
	// Labels: outcome (assistant|iteration_limit|cancelled|error|dead_letter)
	JobsFinished *prometheus.CounterVec

	// ActiveWorkers is the number of workers currently running a job.
	ActiveWorkers prometheus.Gauge

	// StreamDropped counts events dropped by slow stream subscribers.
	StreamDropped prometheus.Counter
}

// NewMetrics creates and registers all collectors on the given registerer.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_queue_depth",
			Help: "Total queued entries across all keys.",
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_queue_wait_seconds",
			Help:    "Time from enqueue to commit.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 1800},
		}),
		StepsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_steps_appended_total",
			Help: "Persisted steps by role.",
		}, []string{"role"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_provider_duration_seconds",
			Help:    "LLM provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		ProviderTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_provider_tokens_total",
			Help: "Token consumption by provider and type.",
		}, []string{"provider", "model", "type"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tool_executions_total",
			Help: "Tool dispatches by router key and status.",
		}, []string{"router_key", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_tool_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"router_key"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_jobs_finished_total",
			Help: "Terminal jobs by outcome.",
		}, []string{"outcome"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_active_workers",
			Help: "Workers currently executing a job.",
		}),
		StreamDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_stream_dropped_total",
			Help: "Events dropped by slow stream subscribers.",
		}),
	}

	reg.MustRegister(
		m.QueueDepth, m.QueueWait, m.StepsAppended,
		m.ProviderDuration, m.ProviderTokens,
		m.ToolExecutions, m.ToolDuration,
		m.JobsFinished, m.ActiveWorkers, m.StreamDropped,
	)
	return m
}
