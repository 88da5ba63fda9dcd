package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProcessMetrics records FUSE helper spawn latency and churn.
type ProcessMetrics struct {
	spawnDuration *prometheus.HistogramVec
	spawnFailures *prometheus.CounterVec
	reaped        prometheus.Counter
	tracked       prometheus.Gauge
}

// NewProcessMetrics creates a Prometheus-backed ProcessMetrics instance.
// Returns nil if metrics are not enabled.
func NewProcessMetrics() *ProcessMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &ProcessMetrics{
		spawnDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dms_fuse_spawn_duration_seconds",
				Help:    "Time from forking a FUSE helper to it becoming a visible mount point",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"target_typ"},
		),
		spawnFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dms_fuse_spawn_failures_total",
				Help: "Total number of FUSE helper spawns that failed or did not become ready in time",
			},
			[]string{"target_typ"},
		),
		reaped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dms_fuse_processes_reaped_total",
				Help: "Total number of dead FUSE helper entries removed by CleanupDead",
			},
		),
		tracked: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dms_fuse_processes_tracked",
				Help: "Current number of FUSE helper processes tracked in memory",
			},
		),
	}
}

// ObserveSpawn records a successful spawn's time-to-ready.
func (m *ProcessMetrics) ObserveSpawn(targetTyp string, d time.Duration) {
	if m == nil {
		return
	}
	m.spawnDuration.WithLabelValues(targetTyp).Observe(d.Seconds())
}

// RecordSpawnFailure records a spawn that failed or timed out waiting for readiness.
func (m *ProcessMetrics) RecordSpawnFailure(targetTyp string) {
	if m == nil {
		return
	}
	m.spawnFailures.WithLabelValues(targetTyp).Inc()
}

// RecordReaped records n dead entries removed by CleanupDead.
func (m *ProcessMetrics) RecordReaped(n int) {
	if m == nil {
		return
	}
	m.reaped.Add(float64(n))
}

// SetTracked sets the current count of in-memory tracked processes.
func (m *ProcessMetrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}
