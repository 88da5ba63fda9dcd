// Package metrics exposes Prometheus counters, gauges, and histograms for
// the mount coordinator, transport, lock gate, and FUSE process registry.
// All exported constructors return nil when metrics are disabled, so every
// call site can record unconditionally (`m.ObserveX(...)` on a nil receiver
// is a no-op) without branching on IsEnabled at every call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry
	enabled  bool
)

// InitRegistry creates the Prometheus registry backing every metric in this
// package. Must be called before any New*Metrics constructor if metrics
// are to actually record; otherwise those constructors return nil.
func InitRegistry() *prometheus.Registry {
	registry = prometheus.NewRegistry()
	enabled = true
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return enabled
}

// GetRegistry returns the current registry, or nil if InitRegistry hasn't
// run.
func GetRegistry() *prometheus.Registry {
	return registry
}

// Handler returns the HTTP handler serving the Prometheus text exposition
// format over the current registry. Returns nil if metrics are disabled.
func Handler() http.Handler {
	if !enabled {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
