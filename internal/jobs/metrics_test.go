package jobs

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}

	collectors := m.Collectors()
	if len(collectors) != 8 {
		t.Errorf("expected 8 collectors, got %d", len(collectors))
	}
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m.Register(reg); err != nil {
			t.Errorf("Register() returned error: %v", err)
		}

		m.IncJobsTotal(JobTypeWebhookProcess, StatusSuccess)
		m.ObserveJobDuration(JobTypeWebhookProcess, 1.0)
		m.IncJobErrors(JobTypeWebhookProcess, "tenant_unresolved")
		m.IncWebhookEvents("mercadopago", OutcomeAccepted)
		m.IncStatusTransitions("mercadopago", "paid")
		m.IncTokenRefreshes("stripe", StatusSuccess)
		m.IncRefunds("mercadopago", "succeeded")
		m.SetQueueDepth(3)

		families, err := reg.Gather()
		if err != nil {
			t.Errorf("Gather() returned error: %v", err)
		}

		expectedNames := map[string]bool{
			MetricBackgroundJobsTotal:      false,
			MetricBackgroundJobsDuration:   false,
			MetricBackgroundJobErrorsTotal: false,
			MetricWebhookEventsTotal:       false,
			MetricStatusTransitionsTotal:   false,
			MetricTokenRefreshesTotal:      false,
			MetricRefundsTotal:             false,
			MetricDispatchQueueDepth:       false,
		}

		for _, family := range families {
			if _, ok := expectedNames[family.GetName()]; ok {
				expectedNames[family.GetName()] = true
			}
		}

		for name, found := range expectedNames {
			if !found {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		m1 := NewMetrics()
		m2 := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m1.Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}

		if err := m2.Register(reg); err == nil {
			t.Error("second Register() should have returned an error")
		}
	})
}

func getCounterVecValue(vec *prometheus.CounterVec, labels ...string) float64 {
	metric, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return -1
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func getHistogramVecSampleCount(vec *prometheus.HistogramVec, labels ...string) uint64 {
	metric, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	// Observer does not expose Write; go through the Metric interface.
	metricInterface, ok := metric.(prometheus.Metric)
	if !ok {
		return 0
	}
	var m dto.Metric
	if err := metricInterface.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	testCases := []struct {
		name  string
		inc   func()
		vec   *prometheus.CounterVec
		label []string
		count int
	}{
		{"jobs total", func() { m.IncJobsTotal(JobTypeRefund, StatusFailure) }, m.jobsTotal, []string{JobTypeRefund, StatusFailure}, 3},
		{"job errors", func() { m.IncJobErrors(JobTypeRecoverySweep, "database_error") }, m.jobErrors, []string{JobTypeRecoverySweep, "database_error"}, 2},
		{"webhook events", func() { m.IncWebhookEvents("stripe", OutcomeDuplicate) }, m.webhookEvents, []string{"stripe", OutcomeDuplicate}, 5},
		{"transitions", func() { m.IncStatusTransitions("mercadopago", "refunded") }, m.transitions, []string{"mercadopago", "refunded"}, 1},
		{"token refreshes", func() { m.IncTokenRefreshes("mercadopago", StatusFailure) }, m.tokenRefreshes, []string{"mercadopago", StatusFailure}, 4},
		{"refunds", func() { m.IncRefunds("stripe", "rejected") }, m.refunds, []string{"stripe", "rejected"}, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if initial := getCounterVecValue(tc.vec, tc.label...); initial != 0 {
				t.Errorf("initial value = %f, want 0", initial)
			}
			for i := 0; i < tc.count; i++ {
				tc.inc()
			}
			if final := getCounterVecValue(tc.vec, tc.label...); final != float64(tc.count) {
				t.Errorf("final value = %f, want %d", final, tc.count)
			}
		})
	}
}

func TestMetrics_ObserveJobDuration(t *testing.T) {
	m := NewMetrics()

	durations := []float64{0.05, 0.3, 1.2, 11.9}
	for _, d := range durations {
		m.ObserveJobDuration(JobTypeWebhookProcess, d)
	}

	if got := getHistogramVecSampleCount(m.jobsDuration, JobTypeWebhookProcess); got != uint64(len(durations)) {
		t.Errorf("sample count = %d, want %d", got, len(durations))
	}
	if got := getHistogramVecSampleCount(m.jobsDuration, JobTypeRefund); got != 0 {
		t.Errorf("unrelated job type sample count = %d, want 0", got)
	}
}

func TestMetrics_QueueDepth(t *testing.T) {
	m := NewMetrics()
	m.SetQueueDepth(7)
	m.SetQueueDepth(2)

	var out dto.Metric
	if err := m.queueDepth.Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if out.GetGauge().GetValue() != 2 {
		t.Errorf("queue depth = %f, want 2", out.GetGauge().GetValue())
	}
}

func TestMetrics_JobTypeConstants(t *testing.T) {
	jobTypes := []string{
		JobTypeWebhookProcess,
		JobTypeRecoverySweep,
		JobTypeTokenRefresh,
		JobTypeRefund,
		JobTypeEventPublish,
		JobTypeIdempotencyCleanup,
	}

	seen := make(map[string]bool)
	for _, jt := range jobTypes {
		if jt == "" {
			t.Error("job type constant is empty")
		}
		if seen[jt] {
			t.Errorf("duplicate job type constant: %s", jt)
		}
		seen[jt] = true
	}
}

// TestMetrics_NilSafe tests that a nil *Metrics can be used when metrics are not configured.
func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.IncJobsTotal(JobTypeWebhookProcess, StatusSuccess)
	m.ObserveJobDuration(JobTypeWebhookProcess, 1.0)
	m.IncJobErrors(JobTypeWebhookProcess, "test")
	m.IncWebhookEvents("stripe", OutcomeAccepted)
	m.IncStatusTransitions("stripe", "paid")
	m.IncTokenRefreshes("stripe", StatusSuccess)
	m.IncRefunds("stripe", "succeeded")
	m.SetQueueDepth(1)
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	iterations := 100
	goroutines := 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.IncJobsTotal(JobTypeWebhookProcess, StatusSuccess)
				m.ObserveJobDuration(JobTypeWebhookProcess, 0.2)
				m.IncWebhookEvents("mercadopago", OutcomeProcessed)
			}
		}()
	}

	wg.Wait()

	expected := float64(goroutines * iterations)
	if got := getCounterVecValue(m.jobsTotal, JobTypeWebhookProcess, StatusSuccess); got != expected {
		t.Errorf("jobsTotal = %f, want %f", got, expected)
	}
	if got := getCounterVecValue(m.webhookEvents, "mercadopago", OutcomeProcessed); got != expected {
		t.Errorf("webhookEvents = %f, want %f", got, expected)
	}
	if got := getHistogramVecSampleCount(m.jobsDuration, JobTypeWebhookProcess); got != uint64(expected) {
		t.Errorf("jobsDuration count = %d, want %d", got, uint64(expected))
	}
}
