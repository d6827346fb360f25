// Package metrics wires the counters, gauges and histograms that the
// enforcer and aggregator expose, following the teacher's convention of a
// small Metrics interface backed by prometheus/client_golang so that tests
// can substitute a no-op implementation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the interface used by the rest of weir to record measurements,
// so no package outside of this one depends directly on prometheus types.
type Metrics interface {
	IncCounter(name string)
	IncCounterBy(name string, delta float64)
	UpdateGauge(name string, value float64)
	MeasureSince(name string, start time.Time)
}

// Prometheus implements Metrics on top of a prometheus.Registry, creating
// collectors lazily on first use and caching them by name.
type Prometheus struct {
	registry   *prometheus.Registry
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// NewPrometheus creates a Prometheus metrics sink registered against reg, or
// a freshly created registry when reg is nil.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Prometheus{
		registry:   reg,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Registry exposes the underlying registry so an HTTP handler can be mounted
// for scraping.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) counter(name string) prometheus.Counter {
	if c, ok := p.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: metricName(name), Help: name})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) gauge(name string) prometheus.Gauge {
	if g, ok := p.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: metricName(name), Help: name})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return g
}

func (p *Prometheus) histogram(name string) prometheus.Histogram {
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: metricName(name), Help: name})
	p.registry.MustRegister(h)
	p.histograms[name] = h
	return h
}

func (p *Prometheus) IncCounter(name string)                  { p.counter(name).Inc() }
func (p *Prometheus) IncCounterBy(name string, delta float64) { p.counter(name).Add(delta) }
func (p *Prometheus) UpdateGauge(name string, value float64)  { p.gauge(name).Set(value) }
func (p *Prometheus) MeasureSince(name string, start time.Time) {
	p.histogram(name).Observe(time.Since(start).Seconds())
}

func metricName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return "weir_" + string(out)
}

// Void is a Metrics implementation that discards everything, used in tests
// and wherever metrics are not configured.
type Void struct{}

func (Void) IncCounter(string)                  {}
func (Void) IncCounterBy(string, float64)       {}
func (Void) UpdateGauge(string, float64)        {}
func (Void) MeasureSince(string, time.Time)     {}
