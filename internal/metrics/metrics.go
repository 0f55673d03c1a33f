package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for bulkops
type Metrics struct {
	// Job counters
	JobsSubmittedTotal *prometheus.CounterVec
	JobsFinishedTotal  *prometheus.CounterVec
	JobsRunning        prometheus.Gauge
	JobDurationSeconds *prometheus.HistogramVec
	JobsByStatus       *prometheus.GaugeVec

	// Item counters
	ItemsProcessedTotal   *prometheus.CounterVec
	ItemDurationSeconds   *prometheus.HistogramVec
	RateLimitWaitSeconds  prometheus.Counter
	SendQuotaDeniedTotal  *prometheus.CounterVec
	ValidationErrorsTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_jobs_submitted_total",
				Help: "Total number of accepted job submissions",
			},
			[]string{"kind"},
		),
		JobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_jobs_finished_total",
				Help: "Total number of jobs reaching a terminal status",
			},
			[]string{"kind", "status"},
		),
		JobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkops_jobs_running",
				Help: "Number of jobs currently executing",
			},
		),
		JobDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkops_job_duration_seconds",
				Help:    "Wall time of a job run",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"kind"},
		),
		JobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bulkops_jobs",
				Help: "Number of stored jobs by status",
			},
			[]string{"status"},
		),

		ItemsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_items_processed_total",
				Help: "Total number of job items reaching a terminal status",
			},
			[]string{"kind", "status"},
		),
		ItemDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkops_item_duration_seconds",
				Help:    "Time spent processing one item",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),
		RateLimitWaitSeconds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkops_ratelimit_wait_seconds_total",
				Help: "Total time spent pausing between sends",
			},
		),
		SendQuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_send_quota_denied_total",
				Help: "Total number of sends denied by the send quota",
			},
			[]string{"level"},
		),
		ValidationErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_validation_errors_total",
				Help: "Total number of rejected job submissions",
			},
			[]string{"kind"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkops_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkops_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkops_storage_used_bytes",
				Help: "SQLite database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.JobsSubmittedTotal,
		m.JobsFinishedTotal,
		m.JobsRunning,
		m.JobDurationSeconds,
		m.JobsByStatus,
		m.ItemsProcessedTotal,
		m.ItemDurationSeconds,
		m.RateLimitWaitSeconds,
		m.SendQuotaDeniedTotal,
		m.ValidationErrorsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.StorageUsedBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncJobsSubmitted increments the submitted job counter
func IncJobsSubmitted(kind string) {
	m := Global()
	if m != nil {
		m.JobsSubmittedTotal.WithLabelValues(kind).Inc()
	}
}

// JobStarted marks a job run as started
func JobStarted() {
	m := Global()
	if m != nil {
		m.JobsRunning.Inc()
	}
}

// JobStopped marks a job run as no longer executing
func JobStopped(kind string, seconds float64) {
	m := Global()
	if m != nil {
		m.JobsRunning.Dec()
		m.JobDurationSeconds.WithLabelValues(kind).Observe(seconds)
	}
}

// IncJobsFinished increments the terminal job counter
func IncJobsFinished(kind, status string) {
	m := Global()
	if m != nil {
		m.JobsFinishedTotal.WithLabelValues(kind, status).Inc()
	}
}

// ObserveItem records one processed item
func ObserveItem(kind, status string, seconds float64) {
	m := Global()
	if m != nil {
		m.ItemsProcessedTotal.WithLabelValues(kind, status).Inc()
		m.ItemDurationSeconds.WithLabelValues(kind).Observe(seconds)
	}
}

// AddRateLimitWait adds time spent pausing between sends
func AddRateLimitWait(seconds float64) {
	m := Global()
	if m != nil {
		m.RateLimitWaitSeconds.Add(seconds)
	}
}

// IncSendQuotaDenied increments the send quota denial counter
func IncSendQuotaDenied(level string) {
	m := Global()
	if m != nil {
		m.SendQuotaDeniedTotal.WithLabelValues(level).Inc()
	}
}

// IncValidationErrors increments the rejected submission counter
func IncValidationErrors(kind string) {
	m := Global()
	if m != nil {
		m.ValidationErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
