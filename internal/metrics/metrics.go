// Package metrics defines the narrow counter/gauge sink the proxy core
// consumes, and a Prometheus-backed concrete implementation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the two-operation interface consumed by the forwarder and proxy
// server. Counter names written by the core: total_connections,
// allowed_messages, blocked_messages, client_disconnects. Gauge names
// written by the core: rate_limiter_buckets, rate_limiter_blocked_buckets.
// A capture_dropped counter is also registered; nothing in the core
// increments it.
type Sink interface {
	IncrementCounter(name string)
	SetGauge(name string, value float64)
}

// PrometheusSink backs Sink with a private Prometheus registry, exposed
// through Handler().
type PrometheusSink struct {
	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// counterNames and gaugeNames enumerate every metric name the core emits,
// so they can be pre-registered with fixed help text.
var counterNames = []string{
	"total_connections",
	"allowed_messages",
	"blocked_messages",
	"client_disconnects",
	"capture_dropped",
}

var gaugeNames = []string{
	"rate_limiter_buckets",
	"rate_limiter_blocked_buckets",
}

// NewPrometheusSink builds a PrometheusSink whose metric names are
// prefixed with namespace (e.g. "throttlebox").
func NewPrometheusSink(namespace string) *PrometheusSink {
	registry := prometheus.NewRegistry()
	s := &PrometheusSink{
		registry: registry,
		counters: make(map[string]prometheus.Counter, len(counterNames)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeNames)),
	}

	for _, name := range counterNames {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name + "_total",
			Help:      "Cumulative count of " + name + " observed by the proxy.",
		})
		registry.MustRegister(c)
		s.counters[name] = c
	}

	for _, name := range gaugeNames {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "Current value of " + name + ".",
		})
		registry.MustRegister(g)
		s.gauges[name] = g
	}

	return s
}

// IncrementCounter increments the named counter. Unknown names are
// silently ignored: the core only ever passes names from the fixed set
// above, so this path is unreachable in practice.
func (s *PrometheusSink) IncrementCounter(name string) {
	if c, ok := s.counters[name]; ok {
		c.Inc()
	}
}

// SetGauge sets the named gauge to value. Unknown names are ignored.
func (s *PrometheusSink) SetGauge(name string, value float64) {
	if g, ok := s.gauges[name]; ok {
		g.Set(value)
	}
}

// Handler returns the http.Handler serving Prometheus text exposition for
// this sink's private registry.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
