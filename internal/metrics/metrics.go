// Package metrics exports request cache activity to Prometheus
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/briangreenhill/jiradesk/cache"
)

const namespace = "jiradesk"

// Dispatch results
const (
	ResultOK        = "ok"
	ResultStatus    = "status"
	ResultTransport = "transport"
	ResultOther     = "other"
)

// CacheMetrics implements cache.Observer on a private registry
type CacheMetrics struct {
	registry   *prometheus.Registry
	lookups    *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	entries    prometheus.Gauge
	pending    prometheus.Gauge
}

// New creates the cache collectors. withRuntime adds the Go and process
// collectors.
func New(withRuntime bool) *CacheMetrics {
	registry := prometheus.NewRegistry()
	if withRuntime {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &CacheMetrics{
		registry: registry,
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Fetch calls by how they were satisfied.",
		}, []string{"outcome"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "dispatches_total",
			Help:      "Upstream requests issued by the cache, by result.",
		}, []string{"result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "dispatch_duration_seconds",
			Help:      "Upstream request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Responses currently stored.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "pending_requests",
			Help:      "Upstream requests currently in flight.",
		}),
	}
	registry.MustRegister(m.lookups, m.dispatches, m.latency, m.entries, m.pending)
	return m
}

// Lookup counts a Fetch by outcome
func (m *CacheMetrics) Lookup(outcome cache.Outcome) {
	m.lookups.WithLabelValues(string(outcome)).Inc()
}

// Settled records a finished dispatch
func (m *CacheMetrics) Settled(err error, elapsed time.Duration) {
	result := classify(err)
	m.dispatches.WithLabelValues(result).Inc()
	m.latency.WithLabelValues(result).Observe(elapsed.Seconds())
}

// Size updates the entry and pending gauges
func (m *CacheMetrics) Size(stats cache.Stats) {
	m.entries.Set(float64(stats.CacheSize))
	m.pending.Set(float64(stats.PendingRequests))
}

// Registry exposes the underlying registry for extra collectors
func (m *CacheMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *CacheMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func classify(err error) string {
	if err == nil {
		return ResultOK
	}
	var te *cache.TransportError
	if !errors.As(err, &te) {
		return ResultOther
	}
	if te.Err != nil {
		return ResultTransport
	}
	return ResultStatus
}
