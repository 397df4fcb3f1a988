// Package metrics provides Prometheus metrics for the ingestion service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingestion service.
type Metrics struct {
	// File metrics
	FilesProcessed *prometheus.CounterVec
	FileBytes      prometheus.Histogram

	// Row metrics
	RowsProcessed *prometheus.CounterVec
	RowErrors     prometheus.Counter

	// Timing metrics
	StageDuration *prometheus.HistogramVec

	// Admission metrics
	AdmissionAllowed *prometheus.CounterVec
	AdmissionDenied  *prometheus.CounterVec
	LimiterFallbacks prometheus.Counter
	LimiterKeys      prometheus.Gauge

	// Breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Delegate metrics
	DelegateRequests prometheus.Counter
	DelegateFailures prometheus.Counter

	// Error metrics
	StorageErrors *prometheus.CounterVec
	CatalogErrors prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tabular_ingest"
	}

	m := &Metrics{
		FilesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Total number of files run through the pipeline",
			},
			[]string{"kind", "outcome"},
		),
		FileBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_bytes",
				Help:      "Size of ingested files in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
			},
		),
		RowsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_processed_total",
				Help:      "Total number of rows parsed, by file kind",
			},
			[]string{"kind"},
		),
		RowErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "row_errors_total",
				Help:      "Total number of rows rejected by validation",
			},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"stage"},
		),
		AdmissionAllowed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_allowed_total",
				Help:      "Total number of admitted requests",
			},
			[]string{"backend"},
		),
		AdmissionDenied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_denied_total",
				Help:      "Total number of rate-limited requests",
			},
			[]string{"backend"},
		),
		LimiterFallbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "limiter_fallbacks_total",
				Help:      "Checks served by the local fallback after a shared store failure",
			},
		),
		LimiterKeys: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_tracked_keys",
				Help:      "Number of caller keys currently tracked by the local limiter",
			},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"target"},
		),
		BreakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of breaker state transitions",
			},
			[]string{"target", "to"},
		),
		BreakerRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_rejections_total",
				Help:      "Calls rejected without invoking the downstream target",
			},
			[]string{"target"},
		),
		DelegateRequests: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delegate_requests_total",
				Help:      "Total number of processing requests sent to the peer service",
			},
		),
		DelegateFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delegate_failures_total",
				Help:      "Total number of failed peer processing requests",
			},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of result store write errors",
			},
			[]string{"backend"},
		),
		CatalogErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of catalog write errors",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncFilesProcessed increments the files processed counter.
func (m *Metrics) IncFilesProcessed(kind, outcome string) {
	m.FilesProcessed.WithLabelValues(kind, outcome).Inc()
}

// ObserveFileBytes records the size of an ingested file.
func (m *Metrics) ObserveFileBytes(bytes float64) {
	m.FileBytes.Observe(bytes)
}

// AddRowsProcessed adds to the rows processed counter.
func (m *Metrics) AddRowsProcessed(kind string, count float64) {
	m.RowsProcessed.WithLabelValues(kind).Add(count)
}

// AddRowErrors adds to the row validation error counter.
func (m *Metrics) AddRowErrors(count float64) {
	m.RowErrors.Add(count)
}

// ObserveStageDuration records the duration of a pipeline stage.
func (m *Metrics) ObserveStageDuration(stage string, seconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// IncAdmissionAllowed increments the admitted request counter.
func (m *Metrics) IncAdmissionAllowed(backend string) {
	m.AdmissionAllowed.WithLabelValues(backend).Inc()
}

// IncAdmissionDenied increments the denied request counter.
func (m *Metrics) IncAdmissionDenied(backend string) {
	m.AdmissionDenied.WithLabelValues(backend).Inc()
}

// IncLimiterFallbacks increments the shared-store fallback counter.
func (m *Metrics) IncLimiterFallbacks() {
	m.LimiterFallbacks.Inc()
}

// SetLimiterKeys sets the tracked key gauge.
func (m *Metrics) SetLimiterKeys(count float64) {
	m.LimiterKeys.Set(count)
}

// SetBreakerState sets the breaker state gauge for a target.
func (m *Metrics) SetBreakerState(target string, state float64) {
	m.BreakerState.WithLabelValues(target).Set(state)
}

// IncBreakerTransitions increments the transition counter.
func (m *Metrics) IncBreakerTransitions(target, to string) {
	m.BreakerTransitions.WithLabelValues(target, to).Inc()
}

// IncBreakerRejections increments the fast-fail rejection counter.
func (m *Metrics) IncBreakerRejections(target string) {
	m.BreakerRejections.WithLabelValues(target).Inc()
}

// IncDelegateRequests increments the delegate request counter.
func (m *Metrics) IncDelegateRequests() {
	m.DelegateRequests.Inc()
}

// IncDelegateFailures increments the delegate failure counter.
func (m *Metrics) IncDelegateFailures() {
	m.DelegateFailures.Inc()
}

// IncStorageErrors increments the result store error counter.
func (m *Metrics) IncStorageErrors(backend string) {
	m.StorageErrors.WithLabelValues(backend).Inc()
}

// IncCatalogErrors increments the catalog error counter.
func (m *Metrics) IncCatalogErrors() {
	m.CatalogErrors.Inc()
}
