package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for declaration triggers and jobs.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	skipped      *prometheus.CounterVec
	declarations *prometheus.CounterVec
	sessions     *prometheus.CounterVec
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

// Skip records a trigger run that was skipped because a previous run still
// holds its guard.
func (m *Metrics) Skip(job string) {
	if m == nil || job == "" {
		return
	}
	m.skipped.WithLabelValues(job).Inc()
}

// AddDeclarations counts declarations entering status for the given kind.
func (m *Metrics) AddDeclarations(kind, status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.declarations.WithLabelValues(kind, status).Add(float64(count))
}

// ObserveSession counts a session reaching a terminal status.
func (m *Metrics) ObserveSession(status string) {
	if m == nil || status == "" {
		return
	}
	m.sessions.WithLabelValues(status).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wastedesk_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wastedesk_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wastedesk_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wastedesk_jobs_skipped_total",
		Help: "Trigger runs skipped because the same trigger was still running.",
	}, []string{"job"})
	declarations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wastedesk_declarations_total",
		Help: "Declaration status transitions grouped by kind and status.",
	}, []string{"kind", "status"})
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wastedesk_registry_sessions_resolved_total",
		Help: "Registry sessions closed out grouped by terminal status.",
	}, []string{"status"})
	registerer.MustRegister(runs, failures, duration, skipped, declarations, sessions)
	return &Metrics{
		runs:         runs,
		failures:     failures,
		duration:     duration,
		skipped:      skipped,
		declarations: declarations,
		sessions:     sessions,
	}
}
