// Package observability provides observability utilities
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// StorageOperationsTotal counts object store operations by outcome
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_storage_operations_total",
			Help: "Total number of object store operations",
		},
		[]string{"operation", "status"}, // status: success, absent, error
	)

	// StorageOperationDuration measures object store operation latency
	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapvault_storage_operation_duration_seconds",
			Help:    "Object store operation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"operation"},
	)

	// BreakerState tracks circuit breaker state per dependency
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapvault_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"dependency"},
	)

	// BackfillJobsTotal counts backfill job terminal transitions
	BackfillJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_backfill_jobs_total",
			Help: "Total number of backfill jobs by terminal status",
		},
		[]string{"status"}, // completed, partial_success, failed, cancelled
	)

	// BackfillJobActive indicates whether a backfill job is running
	BackfillJobActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapvault_backfill_job_active",
			Help: "Whether a backfill job is currently running (0 or 1)",
		},
	)

	// DistrictFetchesTotal counts per-district collection attempts
	DistrictFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_district_fetches_total",
			Help: "Total number of district fetches during backfill",
		},
		[]string{"strategy", "status"}, // strategy: bulk, per_district; status: success, failed, cached
	)

	// SnapshotsWrittenTotal counts snapshots materialized by backfill
	SnapshotsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_snapshots_written_total",
			Help: "Total number of snapshots materialized by backfill",
		},
		[]string{"status"}, // success, partial
	)

	// CacheResultsTotal counts intermediate cache lookups
	CacheResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_cache_results_total",
			Help: "Intermediate cache lookup results",
		},
		[]string{"result"}, // hit, miss
	)

	// RateLimitWaitDuration measures time spent waiting on the rate limiter
	RateLimitWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapvault_rate_limit_wait_duration_seconds",
			Help:    "Time spent waiting on the collector rate limiter",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	// ErrorsTotal counts total number of errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordStorageOperation records the outcome and latency of an object
// store operation
func RecordStorageOperation(operation, status string, duration float64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordBreakerState updates the breaker state gauge
func RecordBreakerState(dependency string, state float64) {
	BreakerState.WithLabelValues(dependency).Set(state)
}

// RecordJobTerminal records a job reaching a terminal status
func RecordJobTerminal(status string) {
	BackfillJobsTotal.WithLabelValues(status).Inc()
	BackfillJobActive.Set(0)
}

// RecordDistrictFetch records one district collection attempt
func RecordDistrictFetch(strategy, status string) {
	DistrictFetchesTotal.WithLabelValues(strategy, status).Inc()
}

// RecordSnapshotWritten records a snapshot materialized by backfill
func RecordSnapshotWritten(status string) {
	SnapshotsWrittenTotal.WithLabelValues(status).Inc()
}

// RecordCacheResult records an intermediate cache lookup
func RecordCacheResult(result string) {
	CacheResultsTotal.WithLabelValues(result).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
