// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamDuration tracks how long query streams stay open, by outcome.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "query_stream_duration_seconds",
			Help:    "Query stream duration by outcome",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 300},
		},
		[]string{"outcome"},
	)

	// StreamsActive tracks upstream query streams currently open.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "query_streams_active",
			Help: "Number of upstream query streams currently open",
		},
	)

	// StreamEventsTotal counts decoded stream events by type.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_stream_events_total",
			Help: "Decoded query stream events by type",
		},
		[]string{"type"},
	)

	// StreamFramesDropped counts frames the decoder could not use.
	StreamFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_stream_frames_dropped_total",
			Help: "Stream frames dropped by the decoder",
		},
		[]string{"reason"},
	)

	// PersistFailuresTotal counts failed conversation writes to the session store.
	PersistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_persist_failures_total",
			Help: "Failed conversation writes to the session store",
		},
	)

	// ReloadsTotal counts persisted-state reloads by result.
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_reloads_total",
			Help: "Persisted conversation reloads by result",
		},
		[]string{"result"},
	)

	// SSEConnectionsActive tracks active SSE relay connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MessagesTotal tracks conversation turns appended.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total conversation turns appended",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStream records the outcome of one query stream.
func RecordStream(outcome string, duration float64) {
	StreamDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordReload records the result of a reload attempt.
func RecordReload(result string) {
	ReloadsTotal.WithLabelValues(result).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
