package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	expiryAlerts *prometheus.GaugeVec
	purgedKeys   prometheus.Counter

	mu        sync.Mutex
	locations map[string]struct{}
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

// SetExpiryAlerts publishes the latest scan result of a location.
func (m *Metrics) SetExpiryAlerts(locationID int64, expiring, expired int) {
	if m == nil {
		return
	}
	location := strconv.FormatInt(locationID, 10)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[location] = struct{}{}
	m.expiryAlerts.WithLabelValues(location, "expiring").Set(float64(expiring))
	m.expiryAlerts.WithLabelValues(location, "expired").Set(float64(expired))
}

// RetainExpiryLocations drops the expiry series of every location not in ids.
// Call it after a scan that covered all stocked locations.
func (m *Metrics) RetainExpiryLocations(ids []int64) {
	if m == nil {
		return
	}
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[strconv.FormatInt(id, 10)] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for location := range m.locations {
		if _, ok := keep[location]; ok {
			continue
		}
		m.expiryAlerts.DeleteLabelValues(location, "expiring")
		m.expiryAlerts.DeleteLabelValues(location, "expired")
		delete(m.locations, location)
	}
}

// AddPurgedKeys counts idempotency keys removed by the cleanup job.
func (m *Metrics) AddPurgedKeys(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.purgedKeys.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medstock_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medstock_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medstock_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	alerts := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "medstock_expiry_alerts",
		Help: "Batches with stock that are expiring or expired, per location, as of the last scan.",
	}, []string{"location", "status"})
	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medstock_idempotency_keys_purged_total",
		Help: "Idempotency keys removed after their retention window.",
	})
	registerer.MustRegister(runs, failures, duration, alerts, purged)
	return &Metrics{
		runs:         runs,
		failures:     failures,
		duration:     duration,
		expiryAlerts: alerts,
		purgedKeys:   purged,
		locations:    map[string]struct{}{},
	}
}
