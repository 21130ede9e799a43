// Package metrics owns the service's Prometheus collectors.
//
// A Metrics value satisfies the observer interfaces of the offer service and the realtime gateway, so
// those packages never import Prometheus directly.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collab"

// Metrics holds a private registry and the collectors registered on it.
type Metrics struct {
	reg *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	transitions   *prometheus.CounterVec
	subscriptions prometheus.Gauge
	wsConnections prometheus.Gauge
}

// New builds and registers every collector, including the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offers",
			Name:      "operations_total",
			Help:      "Offer write operations by operation and result.",
		}, []string{"op", "result"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "offers",
			Name:      "live_subscriptions",
			Help:      "Current number of live offer subscriptions.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Current number of open WebSocket sessions.",
		}),
	}

	m.reg.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.transitions,
		m.subscriptions,
		m.wsConnections,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RequestStarted tracks an in-flight request. The returned func records the outcome.
// route should be the matched mux pattern, never the raw path, to keep label cardinality bounded.
func (m *Metrics) RequestStarted() func(method, route string, status int, d time.Duration) {
	m.httpInFlight.Inc()
	return func(method, route string, status int, d time.Duration) {
		m.httpInFlight.Dec()
		if d <= 0 {
			d = time.Microsecond
		}
		method = strings.ToUpper(method)
		route = canonicalRoute(route)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
	}
}

// ObserveTransition counts an offer operation outcome.
func (m *Metrics) ObserveTransition(op, result string) {
	if op == "" {
		op = "unknown"
	}
	m.transitions.WithLabelValues(op, result).Inc()
}

// SubscriptionOpened and SubscriptionClosed track live subscriptions.
func (m *Metrics) SubscriptionOpened() { m.subscriptions.Inc() }

func (m *Metrics) SubscriptionClosed() { m.subscriptions.Dec() }

// ConnectionOpened and ConnectionClosed track WebSocket sessions.
func (m *Metrics) ConnectionOpened() { m.wsConnections.Inc() }

func (m *Metrics) ConnectionClosed() { m.wsConnections.Dec() }

// canonicalRoute strips the method prefix of a ServeMux pattern ("GET /offers/{id}" -> "/offers/{id}").
func canonicalRoute(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		pattern = strings.TrimSpace(pattern[i+1:])
	}
	if pattern == "" {
		return "unmatched"
	}
	return pattern
}
