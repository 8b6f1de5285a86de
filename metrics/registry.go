// Package metrics defines the optional metrics hook used by the coordinator
// and its handles, and a process-wide registration point so a host
// application can plug in a concrete backend without the core packages
// importing it directly. This mirrors core.MetricsRegistry /
// core.SetMetricsRegistry / core.GetGlobalMetricsRegistry from the teacher
// framework: the registry is nil until something installs one, and every
// call site guards on that.
package metrics

import "sync"

// Registry is implemented by a concrete metrics backend. Counter/Gauge/
// Histogram take a metric name followed by alternating label key/value
// pairs, the same calling convention core.MetricsRegistry uses.
type Registry interface {
	Counter(name string, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
}

var (
	mu       sync.RWMutex
	registry Registry
)

// SetGlobal installs the process-wide registry. Passing nil disables metrics
// emission again.
func SetGlobal(r Registry) {
	mu.Lock()
	defer mu.Unlock()
	registry = r
}

// Global returns the installed registry, or nil if none has been set.
// Callers must nil-check before using it:
//
//	if r := metrics.Global(); r != nil {
//	    r.Counter("cache.hits", "handle", h.Configuration().Name)
//	}
func Global() Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}
