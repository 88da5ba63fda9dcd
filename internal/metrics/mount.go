package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MountMetrics records coordinator-level mount/unmount outcomes and the
// current reference-counted active-mount gauge.
type MountMetrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	activeMounts *prometheus.GaugeVec
	physicalOps  *prometheus.CounterVec
}

// NewMountMetrics creates a Prometheus-backed MountMetrics instance.
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewMountMetrics() *MountMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &MountMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dms_mount_operations_total",
				Help: "Total number of mount/unmount requests processed by the coordinator, by action and outcome",
			},
			[]string{"action", "status"}, // action: mount, unmount; status: success, error
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dms_mount_operation_duration_seconds",
				Help: "End-to-end duration of a coordinator Mount/Unmount call, including lock wait and RPC round trip",
				Buckets: []float64{
					0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
				},
			},
			[]string{"action"},
		),
		activeMounts: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dms_active_mounts",
				Help: "Current reference count of active mounts per (target, host)",
			},
			[]string{"target_id", "host"},
		),
		physicalOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dms_physical_mount_operations_total",
				Help: "Total number of physical mount/unmount operations actually performed by the server, by action",
			},
			[]string{"action"}, // mount, unmount
		),
	}
}

// ObserveOperation records a coordinator Mount/Unmount call's outcome and
// duration.
func (m *MountMetrics) ObserveOperation(action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(action, status).Inc()
	m.duration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetActiveMounts sets the current reference count for (targetID, host).
func (m *MountMetrics) SetActiveMounts(targetID, host string, count int) {
	if m == nil {
		return
	}
	m.activeMounts.WithLabelValues(targetID, host).Set(float64(count))
}

// RecordPhysicalOperation records that the server actually performed a
// physical mount or unmount (not merely a reference-count change).
func (m *MountMetrics) RecordPhysicalOperation(action string) {
	if m == nil {
		return
	}
	m.physicalOps.WithLabelValues(action).Inc()
}
