// Package metrics provides Prometheus instrumentation for the Wejdan chat
// server. It exposes gauges for connection counts, counters for event
// throughput and broadcast failures, and histograms for AI request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wejdan_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EventsTotal counts broadcast events by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wejdan_events_total",
		Help: "Total number of events broadcast to clients",
	}, []string{"type"})

	// BroadcastErrors counts per-recipient send failures during broadcast.
	BroadcastErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wejdan_broadcast_errors_total",
		Help: "Total number of failed sends during event broadcast",
	})

	// AIRequestsTotal counts AI completion requests by provider and outcome.
	AIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wejdan_ai_requests_total",
		Help: "Total number of AI completion requests",
	}, []string{"provider", "outcome"}) // outcome = "ok", "error"

	// AIRequestDuration records AI request latency in seconds.
	AIRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wejdan_ai_request_duration_seconds",
		Help:    "AI completion request latency in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	// StreamFragments counts content fragments relayed from streaming providers.
	StreamFragments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wejdan_stream_fragments_total",
		Help: "Total number of streamed content fragments relayed to callers",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		BroadcastErrors,
		AIRequestsTotal,
		AIRequestDuration,
		StreamFragments,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
