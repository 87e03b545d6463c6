package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Worker pool metrics
	SlotsBusy        prometheus.Gauge
	SlotAcquireWaits prometheus.Counter
	WorkerTimeouts   prometheus.Counter

	// Task metrics
	TasksTotal     *prometheus.CounterVec
	TasksInFlight  prometheus.Gauge
	TaskDuration   prometheus.Histogram
	RoundsPerTask  prometheus.Histogram
	DedupRejected  prometheus.Counter
	TaskRetries    prometheus.Counter

	// Provider metrics
	ProviderCalls     *prometheus.CounterVec
	ProviderFailures  *prometheus.CounterVec
	ProviderCooldowns *prometheus.CounterVec
	CircuitOpens      prometheus.Counter

	// Budget metrics
	SpentUSD           prometheus.Gauge
	BackgroundSpentUSD prometheus.Gauge
	DriftAlarms        prometheus.Counter

	// Router metrics
	MessagesDelivered *prometheus.CounterVec
	MessagesDeduped   prometheus.Counter

	// Background loop metrics
	BackgroundCycles *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SlotsBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_slots_busy",
				Help: "Number of worker slots currently running a task",
			},
		),
		SlotAcquireWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "worker_slot_acquire_waits_total",
				Help: "Times the dispatch loop blocked waiting for a free slot",
			},
		),
		WorkerTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "worker_timeouts_total",
				Help: "Tasks forcibly terminated by the hard timeout",
			},
		),

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_total",
				Help: "Tasks by terminal status",
			},
			[]string{"status"},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasks_in_flight",
				Help: "Tasks currently queued or running",
			},
		),
		TaskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "Wall time from dispatch to terminal state",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		RoundsPerTask: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "task_rounds",
				Help:    "Tool loop rounds consumed per task",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 200},
			},
		),
		DedupRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tasks_dedup_rejected_total",
				Help: "Task admissions rejected as duplicates",
			},
		),
		TaskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "task_retries_total",
				Help: "Lineage retries scheduled after worker timeouts",
			},
		),

		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "LLM calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_failures_total",
				Help: "Provider failures by classified reason",
			},
			[]string{"provider", "reason"},
		),
		ProviderCooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_cooldowns_total",
				Help: "Times a provider entered cooldown",
			},
			[]string{"provider"},
		),
		CircuitOpens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "circuit_opens_total",
				Help: "Times the chain-wide circuit breaker tripped",
			},
		),

		SpentUSD: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "budget_spent_usd",
				Help: "Global recorded spend in USD",
			},
		),
		BackgroundSpentUSD: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "budget_background_spent_usd",
				Help: "Background loop spend in USD",
			},
		),
		DriftAlarms: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "budget_drift_alarms_total",
				Help: "Ledger conservation check failures",
			},
		),

		MessagesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_delivered_total",
				Help: "Owner messages delivered by consumer kind",
			},
			[]string{"consumer"},
		),
		MessagesDeduped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "messages_deduped_total",
				Help: "Owner message redeliveries dropped by seen-id check",
			},
		),

		BackgroundCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "background_cycles_total",
				Help: "Background loop cycles by outcome",
			},
			[]string{"outcome"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.SlotsBusy)
	m.registry.MustRegister(m.SlotAcquireWaits)
	m.registry.MustRegister(m.WorkerTimeouts)

	m.registry.MustRegister(m.TasksTotal)
	m.registry.MustRegister(m.TasksInFlight)
	m.registry.MustRegister(m.TaskDuration)
	m.registry.MustRegister(m.RoundsPerTask)
	m.registry.MustRegister(m.DedupRejected)
	m.registry.MustRegister(m.TaskRetries)

	m.registry.MustRegister(m.ProviderCalls)
	m.registry.MustRegister(m.ProviderFailures)
	m.registry.MustRegister(m.ProviderCooldowns)
	m.registry.MustRegister(m.CircuitOpens)

	m.registry.MustRegister(m.SpentUSD)
	m.registry.MustRegister(m.BackgroundSpentUSD)
	m.registry.MustRegister(m.DriftAlarms)

	m.registry.MustRegister(m.MessagesDelivered)
	m.registry.MustRegister(m.MessagesDeduped)

	m.registry.MustRegister(m.BackgroundCycles)
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
