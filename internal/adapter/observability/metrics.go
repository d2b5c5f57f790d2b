// Package observability provides logging setup and Prometheus metrics for
// the job-processing core. The in-memory time-series monitor lives in
// internal/monitoring; the metrics here are the scrape surface.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_created_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"type"},
	)
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job processing failures",
		},
		[]string{"type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of retry requeues",
		},
		[]string{"type"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"queue"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "End-to-end job processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type"},
	)

	QueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_queue_size",
			Help: "Number of job ids waiting on a queue",
		},
		[]string{"queue"},
	)
	DLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_dlq_size",
			Help: "Number of entries in a dead-letter queue",
		},
		[]string{"queue"},
	)

	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active_count",
			Help: "Number of workers currently active",
		},
	)
	WorkerHeartbeatAge = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_heartbeat_age_seconds",
			Help:    "Observed heartbeat ages at staleness sweeps",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 300},
		},
	)
	SystemHealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "system_health_score",
			Help: "Aggregate worker/queue health score in [0,100]",
		},
	)

	// CircuitState: 0=closed, 1=half_open, 2=open.
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Circuit breaker state per downstream service (0=closed,1=half_open,2=open)",
		},
		[]string{"service"},
	)
	DegradationLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "degradation_level",
			Help: "Overall degradation level (0=normal..5=maintenance)",
		},
	)

	ErrorCategoryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "error_category_total",
			Help: "Classified downstream failures per service and category",
		},
		[]string{"service", "category"},
	)

	DownstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "downstream_request_duration_seconds",
			Help:    "Downstream service call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"service"},
	)
	DownstreamTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downstream_tokens_total",
			Help: "Token usage accounted against the agent service",
		},
		[]string{"service", "direction"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			JobsCreatedTotal,
			JobsProcessedTotal,
			JobsFailedTotal,
			JobsRetriedTotal,
			JobsDeadLetteredTotal,
			JobDuration,
			QueueSize,
			DLQSize,
			WorkersActive,
			WorkerHeartbeatAge,
			SystemHealthScore,
			CircuitState,
			DegradationLevel,
			ErrorCategoryTotal,
			DownstreamRequestDuration,
			DownstreamTokensTotal,
		)
	})
}
