// Package metrics defines the Prometheus metrics for toshokan.
//
// All metrics are registered with the default registry and served by the
// HTTP server's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - toshokan_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ProviderRequests counts upstream calls by provider, operation, and
	// outcome (success, failure, throttled, quarantined, cancelled).
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toshokan_provider_requests_total",
			Help: "Total upstream provider calls by operation and outcome.",
		},
		[]string{"provider", "op", "outcome"},
	)

	// ProviderLatencySeconds is a histogram of successful upstream
	// round-trip times by provider.
	ProviderLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toshokan_provider_latency_seconds",
			Help:    "Latency of successful upstream provider calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// CircuitState is the per-provider breaker position
	// (0 closed, 1 half-open, 2 open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toshokan_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		},
		[]string{"provider"},
	)

	// HealthScore is the monitor's 0-100 score per provider.
	HealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toshokan_agent_health_score",
			Help: "Health score per provider agent (0-100).",
		},
		[]string{"provider"},
	)

	// SearchesTotal counts federated searches by outcome.
	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toshokan_searches_total",
			Help: "Total federated searches by outcome.",
		},
		[]string{"outcome"},
	)

	// SearchDurationSeconds is a histogram of federated search duration.
	SearchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "toshokan_search_duration_seconds",
			Help:    "Duration of federated searches.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
		},
	)

	// IndexerRequests counts metadata indexer calls by indexer and outcome.
	IndexerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toshokan_indexer_requests_total",
			Help: "Total metadata indexer calls by indexer and outcome.",
		},
		[]string{"indexer", "outcome"},
	)

	// JobsTotal counts jobs reaching a terminal status by type.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toshokan_jobs_total",
			Help: "Total jobs by type and terminal status.",
		},
		[]string{"type", "status"},
	)

	// JobDurationSeconds is a histogram of job execution time by type.
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toshokan_job_duration_seconds",
			Help:    "Duration of job execution by type.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"type"},
	)

	// JobsInFlight is the number of jobs currently executing.
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toshokan_jobs_in_flight",
			Help: "Number of jobs currently executing.",
		},
	)

	// QueueDepth is the number of queued jobs per priority.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toshokan_queue_depth",
			Help: "Queued jobs per priority band.",
		},
		[]string{"priority"},
	)

	// OperationsActive is the number of non-terminal tracked operations.
	OperationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toshokan_operations_active",
			Help: "Number of active (non-terminal) tracked operations.",
		},
	)

	// ProgressEvents counts emitted progress events by type.
	ProgressEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toshokan_progress_events_total",
			Help: "Total emitted progress events by event type.",
		},
		[]string{"type"},
	)

	// WSClients is the number of connected WebSocket clients.
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toshokan_ws_clients",
			Help: "Number of connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ProviderRequests,
		ProviderLatencySeconds,
		CircuitState,
		HealthScore,
		SearchesTotal,
		SearchDurationSeconds,
		IndexerRequests,
		JobsTotal,
		JobDurationSeconds,
		JobsInFlight,
		QueueDepth,
		OperationsActive,
		ProgressEvents,
		WSClients,
	)
}

// Outcome labels for ProviderRequests.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeThrottled   = "throttled"
	OutcomeQuarantined = "quarantined"
	OutcomeCancelled   = "cancelled"
)

// RecordProviderCall records one upstream call.
func RecordProviderCall(provider, op, outcome string, elapsed time.Duration) {
	ProviderRequests.WithLabelValues(provider, op, outcome).Inc()
	if outcome == OutcomeSuccess && elapsed > 0 {
		ProviderLatencySeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
	}
}

// RecordJobDone records a job reaching a terminal status.
func RecordJobDone(jobType, status string, duration time.Duration) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
	if duration > 0 {
		JobDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
	}
}

// SetCircuitState maps a breaker position onto the gauge.
func SetCircuitState(provider string, open, halfOpen bool) {
	v := 0.0
	switch {
	case open:
		v = 2
	case halfOpen:
		v = 1
	}
	CircuitState.WithLabelValues(provider).Set(v)
}
