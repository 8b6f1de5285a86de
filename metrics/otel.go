package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelRegistry implements Registry over an OpenTelemetry meter, caching
// instruments by name the way telemetry.MetricInstruments does in the
// teacher framework. It is safe for concurrent use.
type OTelRegistry struct {
	meter      metric.Meter
	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewOTelRegistry creates a registry backed by the named OTel meter (usually
// the module path).
func NewOTelRegistry(meterName string) *OTelRegistry {
	return &OTelRegistry{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func toAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func (r *OTelRegistry) Counter(name string, labels ...string) {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if c, ok = r.counters[name]; !ok {
			var err error
			c, err = r.meter.Int64Counter(name)
			if err != nil {
				r.mu.Unlock()
				return
			}
			r.counters[name] = c
		}
		r.mu.Unlock()
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttrs(labels)...))
}

func (r *OTelRegistry) Gauge(name string, value float64, labels ...string) {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if g, ok = r.gauges[name]; !ok {
			var err error
			g, err = r.meter.Float64Gauge(name)
			if err != nil {
				r.mu.Unlock()
				return
			}
			r.gauges[name] = g
		}
		r.mu.Unlock()
	}
	g.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func (r *OTelRegistry) Histogram(name string, value float64, labels ...string) {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if h, ok = r.histograms[name]; !ok {
			var err error
			h, err = r.meter.Float64Histogram(name)
			if err != nil {
				r.mu.Unlock()
				return
			}
			r.histograms[name] = h
		}
		r.mu.Unlock()
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}
