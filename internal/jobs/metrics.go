package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the orchestration subsystem.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	enqueues    *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	queueMode   prometheus.Gauge
	anomalies   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors against the provided registerer. When
// the registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job kind.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration and success/failure counts,
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

// AddEnqueue counts an accepted job per kind and backend.
func (m *Metrics) AddEnqueue(kind, backend string) {
	if m == nil {
		return
	}
	m.enqueues.WithLabelValues(kind, backend).Inc()
}

// AddDeadLetter counts a job reaching the dead state.
func (m *Metrics) AddDeadLetter(kind string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(kind).Inc()
}

// SetQueueMode records whether enqueues currently go to the durable backend.
func (m *Metrics) SetQueueMode(durable bool) {
	if m == nil {
		return
	}
	if durable {
		m.queueMode.Set(1)
		return
	}
	m.queueMode.Set(0)
}

// AddAnomalies increments the anomaly counter for the supplied severity and
// tenant scope.
func (m *Metrics) AddAnomalies(severity string, tenantID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.anomalies.WithLabelValues(severity, formatInt(tenantID)).Add(float64(count))
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helios_jobs_total",
		Help: "Total job executions partitioned by job kind and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helios_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "helios_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	enqueues := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helios_jobs_enqueued_total",
		Help: "Jobs accepted by the queue per kind and backend.",
	}, []string{"job", "backend"})
	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helios_jobs_dead_total",
		Help: "Jobs that exhausted retries or failed fatally.",
	}, []string{"job"})
	queueMode := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helios_queue_durable_mode",
		Help: "1 when new enqueues go to the durable backend, 0 in fallback mode.",
	})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helios_anomalies_total",
		Help: "Detected usage anomalies grouped by severity and tenant.",
	}, []string{"severity", "tenant"})
	registerer.MustRegister(runs, failures, duration, enqueues, deadLetters, queueMode, anomalies)
	return &Metrics{
		runs:        runs,
		failures:    failures,
		duration:    duration,
		enqueues:    enqueues,
		deadLetters: deadLetters,
		queueMode:   queueMode,
		anomalies:   anomalies,
	}
}
