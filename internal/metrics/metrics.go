// Package metrics defines Prometheus metrics for connections and query streaming.
//
// Metrics are registered on a registry owned by the Metrics value rather than
// the process-wide default, so independent instances can coexist in tests.
//
// Metric naming follows Prometheus conventions:
//   - sqlpulse_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
//
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query outcomes used as the "outcome" label.
const (
	OutcomeComplete  = "complete"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the collectors and the registry that serves them.
type Metrics struct {
	registry *prometheus.Registry

	connectionsRejected prometheus.Counter
	messagesPublished   *prometheus.CounterVec
	deliveryFailures    prometheus.Counter
	evictions           *prometheus.CounterVec
	queries             *prometheus.CounterVec
	queryDuration       *prometheus.HistogramVec
	rowsStreamed        prometheus.Counter
	activeQueries       prometheus.Gauge
}

// New creates a Metrics value with its own registry. connections reports the
// live client count for the active-connections gauge; it may be nil.
func New(connections func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqlpulse_connections_rejected_total",
			Help: "Connections refused because the registry was full.",
		}),
		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlpulse_messages_published_total",
			Help: "Messages handed to the router by channel and event type.",
		}, []string{"channel", "type"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqlpulse_delivery_failures_total",
			Help: "Per-client sends that failed and caused an eviction.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlpulse_evictions_total",
			Help: "Clients removed by the server, by reason.",
		}, []string{"reason"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlpulse_queries_total",
			Help: "Streamed query executions by outcome.",
		}, []string{"outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqlpulse_query_duration_seconds",
			Help:    "Duration of streamed query executions in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"outcome"}),
		rowsStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqlpulse_rows_streamed_total",
			Help: "Result rows delivered in progress chunks.",
		}),
		activeQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sqlpulse_active_queries",
			Help: "Number of query executions currently running.",
		}),
	}

	m.registry.MustRegister(
		m.connectionsRejected,
		m.messagesPublished,
		m.deliveryFailures,
		m.evictions,
		m.queries,
		m.queryDuration,
		m.rowsStreamed,
		m.activeQueries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if connections != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sqlpulse_websocket_connections",
			Help: "Current registered WebSocket clients.",
		}, func() float64 { return float64(connections()) }))
	}
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionRejected records a refused registration.
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

// MessagePublished records one routed message.
func (m *Metrics) MessagePublished(channel, eventType string) {
	if m == nil {
		return
	}
	m.messagesPublished.WithLabelValues(channel, eventType).Inc()
}

// DeliveryFailed records one failed per-client send.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// ClientEvicted records a server-initiated removal.
func (m *Metrics) ClientEvicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

// QueryStarted increments the active query gauge.
func (m *Metrics) QueryStarted() {
	if m == nil {
		return
	}
	m.activeQueries.Inc()
}

// QueryFinished records the outcome of an execution and decrements the active gauge.
func (m *Metrics) QueryFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeQueries.Dec()
	m.queries.WithLabelValues(outcome).Inc()
	m.queryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RowsStreamed adds n delivered rows.
func (m *Metrics) RowsStreamed(n int) {
	if m == nil {
		return
	}
	m.rowsStreamed.Add(float64(n))
}
