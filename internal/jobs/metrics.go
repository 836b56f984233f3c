package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and billing runs.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	invoices      prometheus.Counter
	lines         prometheus.Counter
	skipped       *prometheus.CounterVec
	taxUnresolved prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// InvoiceCreated counts an issued invoice and its lines.
func (m *Metrics) InvoiceCreated(lines int) {
	if m == nil {
		return
	}
	m.invoices.Inc()
	m.lines.Add(float64(lines))
}

// BatchSkipped counts an abandoned customer batch by reason.
func (m *Metrics) BatchSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

// TaxUnresolved counts lines whose tax rate could not be matched.
func (m *Metrics) TaxUnresolved(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.taxUnresolved.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tvbilling_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tvbilling_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tvbilling_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	invoices := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tvbilling_invoices_created_total",
		Help: "Invoices issued by billing runs.",
	})
	lines := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tvbilling_invoice_lines_total",
		Help: "Invoice lines written by billing runs.",
	})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tvbilling_batches_skipped_total",
		Help: "Customer batches abandoned, grouped by reason.",
	}, []string{"reason"})
	taxUnresolved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tvbilling_tax_unresolved_total",
		Help: "Event lines whose tax rate could not be resolved.",
	})
	registerer.MustRegister(runs, failures, duration, invoices, lines, skipped, taxUnresolved)
	return &Metrics{
		runs:          runs,
		failures:      failures,
		duration:      duration,
		invoices:      invoices,
		lines:         lines,
		skipped:       skipped,
		taxUnresolved: taxUnresolved,
	}
}
