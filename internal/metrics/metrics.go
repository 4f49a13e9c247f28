// Package metrics provides Prometheus instrumentation for the chat relay.
// It exposes gauges for connection and cache state, counters for message
// outcomes, and a histogram for the per-message processing path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of open WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	// MessagesTotal counts inbound message outcomes, labeled by result:
	// "broadcast", "malformed", "unauthorized", "persist_failed",
	// "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of inbound messages by processing outcome",
	}, []string{"result"})

	// MessageLatency records the time from frame receipt to bus publish.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_message_latency_seconds",
		Help:    "Inbound message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// BroadcastDropped counts messages evicted from subscriber backlogs
	// because a client was not draining fast enough.
	BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcast_dropped_total",
		Help: "Messages dropped from slow subscriber backlogs",
	})

	// SessionCacheSize tracks the number of tokens in the session cache.
	SessionCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_session_cache_size",
		Help: "Current number of tokens in the session cache",
	})

	// ReconcileRuns counts reconciliation cycles, labeled by result:
	// "ok", "list_failed".
	ReconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reconcile_runs_total",
		Help: "Session cache reconciliation cycles by result",
	}, []string{"result"})

	// SessionsExpired counts session rows deleted by the expiry sweep.
	SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_expired_total",
		Help: "Expired session rows deleted from the store",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		MessagesTotal,
		MessageLatency,
		BroadcastDropped,
		SessionCacheSize,
		ReconcileRuns,
		SessionsExpired,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
