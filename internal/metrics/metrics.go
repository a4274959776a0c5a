// Package metrics exposes Prometheus collectors for claims, releases, waves
// and escalations. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/waveledger/pkg/models"
)

const namespace = "waveledger"

// Claim outcomes used as the "result" label.
const (
	ClaimOK                  = "claimed"
	ClaimAlreadyClaimed      = "already_claimed"
	ClaimDependenciesPending = "dependencies_pending"
	ClaimCapacityExhausted   = "capacity_exhausted"
	ClaimError               = "error"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	claims      *prometheus.CounterVec
	releases    *prometheus.CounterVec
	inProgress  prometheus.Gauge
	waves       *prometheus.CounterVec
	escalations prometheus.Counter
	taskSeconds *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result.",
		}, []string{"result"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Owner releases by final status.",
		}, []string{"status"}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_progress_tasks",
			Help:      "Tasks in progress across the ledger at the last scheduling pass.",
		}),
		waves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waves_total",
			Help:      "Wave lifecycle events by phase.",
		}, []string{"phase"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Blocked tasks flagged for operator attention.",
		}),
		taskSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from claim to release.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.claims, m.releases, m.inProgress, m.waves, m.escalations, m.taskSeconds,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveClaim counts a claim attempt.
func (m *Metrics) ObserveClaim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

// ObserveRelease counts a release and how long the task was held.
func (m *Metrics) ObserveRelease(status models.TaskStatus, held time.Duration) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(string(status)).Inc()
	if held > 0 {
		m.taskSeconds.WithLabelValues(string(status)).Observe(held.Seconds())
	}
}

// SetInProgress records the current in-progress count.
func (m *Metrics) SetInProgress(n int) {
	if m == nil {
		return
	}
	m.inProgress.Set(float64(n))
}

// WaveOpened counts a newly opened wave.
func (m *Metrics) WaveOpened() {
	if m == nil {
		return
	}
	m.waves.WithLabelValues("opened").Inc()
}

// WaveClosed counts a closed wave.
func (m *Metrics) WaveClosed() {
	if m == nil {
		return
	}
	m.waves.WithLabelValues("closed").Inc()
}

// Escalated counts an escalation.
func (m *Metrics) Escalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}
