package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LockMetrics records host-lock contention: how long callers waited to
// acquire the lock gate, and how often acquisition timed out.
type LockMetrics struct {
	waitDuration *prometheus.HistogramVec
	timeouts     *prometheus.CounterVec
}

// NewLockMetrics creates a Prometheus-backed LockMetrics instance. Returns
// nil if metrics are not enabled.
func NewLockMetrics() *LockMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &LockMetrics{
		waitDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dms_lock_wait_seconds",
				Help:    "Time spent waiting to acquire the host mount/unmount lock",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"key"},
		),
		timeouts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dms_lock_timeouts_total",
				Help: "Total number of lock acquisitions that exceeded the configured timeout",
			},
			[]string{"key"},
		),
	}
}

// ObserveWait records how long a lock acquisition waited.
func (m *LockMetrics) ObserveWait(key string, d time.Duration) {
	if m == nil {
		return
	}
	m.waitDuration.WithLabelValues(key).Observe(d.Seconds())
}

// RecordTimeout records a lock acquisition that exceeded its timeout.
func (m *LockMetrics) RecordTimeout(key string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(key).Inc()
}
