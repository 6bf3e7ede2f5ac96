package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nholik/host-sentinel/internal/probe"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

// Metrics wraps Prometheus collectors for host-sentinel.
type Metrics struct {
	registry                *prometheus.Registry
	tickDurationSeconds     prometheus.Histogram
	stageAttemptsTotal      *prometheus.CounterVec
	domainState             *prometheus.GaugeVec
	healthScore             *prometheus.GaugeVec
	droppedSnapshotsTotal   prometheus.Counter
	alertsTotal             *prometheus.CounterVec
	notificationErrorsTotal prometheus.Counter
	lastTickGauge           prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		tickDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "host_sentinel_tick_duration_seconds",
			Help:    "Duration of collection ticks in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1, 2, 5},
		}),
		stageAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "host_sentinel_stage_attempts_total",
			Help: "Probe stage attempts by chain, stage and result.",
		}, []string{"chain", "stage", "result"}),
		domainState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "host_sentinel_domain_state",
			Help: "Current state of each telemetry domain (1 for the active state).",
		}, []string{"domain", "state"}),
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "host_sentinel_health_score",
			Help: "Latest composite and component health scores.",
		}, []string{"component"}),
		droppedSnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_sentinel_dropped_snapshots_total",
			Help: "Snapshots evicted from full subscriber queues.",
		}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "host_sentinel_alerts_total",
			Help: "Total alerts emitted by health level.",
		}, []string{"level"}),
		notificationErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_sentinel_notification_errors_total",
			Help: "Total notification delivery failures after retries.",
		}),
		lastTickGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "host_sentinel_last_tick_timestamp",
			Help: "Unix timestamp of the last completed tick.",
		}),
	}

	registry.MustRegister(
		m.tickDurationSeconds,
		m.stageAttemptsTotal,
		m.domainState,
		m.healthScore,
		m.droppedSnapshotsTotal,
		m.alertsTotal,
		m.notificationErrorsTotal,
		m.lastTickGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveTickDuration records the duration of a completed tick.
func (m *Metrics) ObserveTickDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.tickDurationSeconds.Observe(duration.Seconds())
}

// RecordAttempt counts one stage attempt. Successful attempts use result "ok".
func (m *Metrics) RecordAttempt(attempt probe.Attempt) {
	if m == nil {
		return
	}
	result := "ok"
	if attempt.Failed() {
		result = string(attempt.Kind)
	}
	m.stageAttemptsTotal.WithLabelValues(attempt.Chain, attempt.Stage, result).Inc()
}

// SetDomainState marks the domain's current state and clears the others.
func (m *Metrics) SetDomainState(domain snapshot.Domain, state snapshot.State) {
	if m == nil {
		return
	}
	for _, candidate := range []snapshot.State{
		snapshot.StateOK,
		snapshot.StateDegraded,
		snapshot.StateUnavailable,
		snapshot.StateTimeout,
		snapshot.StateSkipped,
	} {
		value := 0.0
		if candidate == state {
			value = 1
		}
		m.domainState.WithLabelValues(string(domain), string(candidate)).Set(value)
	}
}

// SetHealth publishes the composite and component scores. Unavailable scores
// are removed so stale values are not scraped.
func (m *Metrics) SetHealth(health snapshot.Health) {
	if m == nil {
		return
	}
	for component, value := range map[string]snapshot.Value[int]{
		"composite": health.Score,
		"cpu":       health.CPU,
		"memory":    health.Memory,
		"network":   health.Network,
	} {
		if score, ok := value.Get(); ok {
			m.healthScore.WithLabelValues(component).Set(float64(score))
		} else {
			m.healthScore.DeleteLabelValues(component)
		}
	}
}

// SnapshotDropped counts a snapshot evicted from a subscriber queue.
func (m *Metrics) SnapshotDropped() {
	if m == nil {
		return
	}
	m.droppedSnapshotsTotal.Inc()
}

// IncAlertsTotal increments the alerts counter for the given level.
func (m *Metrics) IncAlertsTotal(level string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(level).Inc()
}

// IncNotificationErrors increments the notification failure counter.
func (m *Metrics) IncNotificationErrors() {
	if m == nil {
		return
	}
	m.notificationErrorsTotal.Inc()
}

// SetLastTickTimestamp sets the last completed tick time.
func (m *Metrics) SetLastTickTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastTickGauge.Set(float64(t.Unix()))
}
