package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpErrors      *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	connections     prometheus.Gauge
	slowKicks       prometheus.Counter
	notifications   *prometheus.CounterVec
}

// NewMetrics registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealroom_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealroom_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealroom_http_errors_total",
			Help: "HTTP errors by route and error code.",
		}, []string{"route", "method", "code"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealroom_events_published_total",
			Help: "Events handed to the transaction channel.",
		}, []string{"type"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealroom_event_publish_failures_total",
			Help: "Events that could not be published after the write succeeded.",
		}, []string{"type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealroom_ws_connections",
			Help: "Open websocket connections.",
		}),
		slowKicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealroom_ws_slow_consumer_kicks_total",
			Help: "Connections dropped because their send buffer stayed full.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealroom_notifications_total",
			Help: "Offline notification outcomes.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.httpErrors,
		m.eventsPublished,
		m.publishFailures,
		m.connections,
		m.slowKicks,
		m.notifications,
	)
	return m
}

// RecordRequest observes one finished HTTP request.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordError counts an error response by its domain code.
func (m *Metrics) RecordError(route, method, code string) {
	if m == nil {
		return
	}
	m.httpErrors.WithLabelValues(route, method, code).Inc()
}

// EventPublished counts a successful publish.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// PublishFailed counts a publish that failed after its write was committed.
func (m *Metrics) PublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(eventType).Inc()
}

// ConnectionOpened and ConnectionClosed track live websocket connections.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SlowConsumerKicked counts a dropped slow connection.
func (m *Metrics) SlowConsumerKicked() {
	if m == nil {
		return
	}
	m.slowKicks.Inc()
}

// Notification counts an offline-notification outcome such as "sent",
// "duplicate", "throttled" or "failed".
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}
