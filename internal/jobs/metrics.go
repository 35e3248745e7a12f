// Package jobs provides metrics for the asynchronous payment pipeline:
// webhook processing, token refreshes, refunds and transition publishing.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
	MetricWebhookEventsTotal       = "webhook_events_total"
	MetricStatusTransitionsTotal   = "payment_status_transitions_total"
	MetricTokenRefreshesTotal      = "credential_refreshes_total"
	MetricRefundsTotal             = "refunds_total"
	MetricDispatchQueueDepth       = "dispatch_queue_depth"
)

// Job type constants for labeling.
const (
	JobTypeWebhookProcess     = "webhook_processing"
	JobTypeRecoverySweep      = "recovery_sweep"
	JobTypeTokenRefresh       = "token_refresh"
	JobTypeRefund             = "refund"
	JobTypeEventPublish       = "event_publish"
	JobTypeIdempotencyCleanup = "idempotency_cleanup"
)

// Status constants for job completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Webhook outcome labels.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeDropped   = "dropped"
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
)

// Metrics contains Prometheus metrics for background job operations.
// All operations are thread-safe. A nil *Metrics discards observations.
type Metrics struct {
	jobsTotal      *prometheus.CounterVec
	jobsDuration   *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	refunds        *prometheus.CounterVec
	queueDepth     prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobsTotal,
				Help: "Total number of background job executions by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricBackgroundJobsDuration,
				Help:    "Histogram of background job duration in seconds by job type",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 12.0, 30.0, 60.0},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobErrorsTotal,
				Help: "Total number of background job errors by type and error type",
			},
			[]string{"job_type", "error_type"},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookEventsTotal,
				Help: "Total number of inbound webhook notifications by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricStatusTransitionsTotal,
				Help: "Total number of applied payment status transitions by provider and status",
			},
			[]string{"provider", "status"},
		),
		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTokenRefreshesTotal,
				Help: "Total number of OAuth token refresh calls by provider and result",
			},
			[]string{"provider", "result"},
		),
		refunds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRefundsTotal,
				Help: "Total number of refund attempts by provider and status",
			},
			[]string{"provider", "status"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricDispatchQueueDepth,
				Help: "Number of notifications waiting for a processing worker",
			},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal increments the jobs total counter.
// jobType: The type of job (e.g., JobTypeWebhookProcess)
// status: The completion status (StatusSuccess or StatusFailure)
func (m *Metrics) IncJobsTotal(jobType, status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records a job duration sample.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors increments the job errors counter.
// errorType: The type of error (e.g., "tenant_unresolved", "provider_unavailable")
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// IncWebhookEvents counts an inbound notification outcome.
func (m *Metrics) IncWebhookEvents(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, outcome).Inc()
}

// IncStatusTransitions counts an applied transition into status.
func (m *Metrics) IncStatusTransitions(provider, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(provider, status).Inc()
}

// IncTokenRefreshes counts a refresh call to the provider.
func (m *Metrics) IncTokenRefreshes(provider, result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(provider, result).Inc()
}

// IncRefunds counts a refund attempt.
func (m *Metrics) IncRefunds(provider, status string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(provider, status).Inc()
}

// SetQueueDepth records the dispatcher backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
		m.webhookEvents,
		m.transitions,
		m.tokenRefreshes,
		m.refunds,
		m.queueDepth,
	}
}
