// Package metrics defines the connection-core's observability surface: an
// interface describing what gets recorded, and a package-level Prometheus
// registry that implementations in pkg/metrics/prometheus bind against.
// The registry/IsEnabled gating pattern lets every Prometheus-backed
// constructor no-op cleanly when metrics aren't wired up.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registryMu sync.RWMutex
	registry   *prometheus.Registry
)

// InitRegistry installs the process-wide Prometheus registry. Until this is
// called, IsEnabled reports false and every Prometheus-backed metrics
// constructor returns nil, so instrumentation costs nothing when metrics
// aren't wired up.
func InitRegistry(reg *prometheus.Registry) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = reg
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}
