// Package metrics exposes relay counters in Prometheus format. A nil *Metrics
// is valid and records nothing, which keeps unit tests free of registries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connections     prometheus.Counter
	authFailures    prometheus.Counter
	sessions        prometheus.Gauge
	rooms           prometheus.Gauge
	events          *prometheus.CounterVec
	malformed       prometheus.Counter
	deliveries      prometheus.Counter
	dropped         prometheus.Counter
	persistFailures *prometheus.CounterVec
	persistLatency  *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wardrelay",
			Name:      "connections_total",
			Help:      "Websocket connections accepted.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wardrelay",
			Name:      "auth_failures_total",
			Help:      "Auth events whose token did not resolve.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardrelay",
			Name:      "sessions",
			Help:      "Live authenticated sessions.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardrelay",
			Name:      "rooms",
			Help:      "Rooms active in memory.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardrelay",
			Name:      "events_total",
			Help:      "Inbound events handled, by type.",
		}, []string{"type"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wardrelay",
			Name:      "malformed_events_total",
			Help:      "Inbound events dropped as unparseable or invalid.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wardrelay",
			Name:      "deliveries_total",
			Help:      "Events enqueued to a session.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wardrelay",
			Name:      "deliveries_dropped_total",
			Help:      "Events not enqueued because the session buffer stayed full.",
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardrelay",
			Name:      "persist_failures_total",
			Help:      "Durable writes that failed and were dropped, by operation.",
		}, []string{"op"}),
		persistLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wardrelay",
			Name:      "persist_duration_seconds",
			Help:      "Durable write latency, by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		m.connections,
		m.authFailures,
		m.sessions,
		m.rooms,
		m.events,
		m.malformed,
		m.deliveries,
		m.dropped,
		m.persistFailures,
		m.persistLatency,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Connection() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) AuthFailed() {
	if m != nil {
		m.authFailures.Inc()
	}
}

func (m *Metrics) Event(eventType string) {
	if m != nil {
		m.events.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.malformed.Inc()
	}
}

// Delivered records one fan-out: sent events reached a session buffer,
// dropped ones timed out.
func (m *Metrics) Delivered(sent, dropped int) {
	if m == nil {
		return
	}
	m.deliveries.Add(float64(sent))
	m.dropped.Add(float64(dropped))
}

// Gauges sets the live session and room counts.
func (m *Metrics) Gauges(sessions, rooms int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(sessions))
	m.rooms.Set(float64(rooms))
}

// Persisted records one durable write outcome.
func (m *Metrics) Persisted(op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.persistLatency.WithLabelValues(op).Observe(took.Seconds())
	if err != nil {
		m.persistFailures.WithLabelValues(op).Inc()
	}
}
