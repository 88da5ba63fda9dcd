package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TransportMetrics records broker-mediated RPC call latency and outcome on
// the client side, and per-request processing time on the server side.
type TransportMetrics struct {
	callDuration   *prometheus.HistogramVec
	callTimeouts   *prometheus.CounterVec
	serverDuration *prometheus.HistogramVec
}

// NewTransportMetrics creates a Prometheus-backed TransportMetrics instance.
// Returns nil if metrics are not enabled.
func NewTransportMetrics() *TransportMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &TransportMetrics{
		callDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dms_rpc_call_duration_seconds",
				Help:    "Time from publishing a request to receiving its matching reply",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),
		callTimeouts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dms_rpc_call_timeouts_total",
				Help: "Total number of RPC calls that did not receive a reply within the deadline",
			},
			[]string{"operation"},
		),
		serverDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dms_rpc_server_handle_duration_seconds",
				Help:    "Time the server's handler spent processing one request off its queue",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),
	}
}

// ObserveCall records a completed client-side RPC call's round-trip time.
func (m *TransportMetrics) ObserveCall(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordCallTimeout records a client-side RPC call that exceeded its deadline.
func (m *TransportMetrics) RecordCallTimeout(operation string) {
	if m == nil {
		return
	}
	m.callTimeouts.WithLabelValues(operation).Inc()
}

// ObserveServerHandle records how long the server spent on one request.
func (m *TransportMetrics) ObserveServerHandle(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.serverDuration.WithLabelValues(operation).Observe(d.Seconds())
}
