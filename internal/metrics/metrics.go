// Package metrics provides Prometheus instrumentation for the chat sync
// engine. It exposes gauges for connection state and unread totals, counters
// for frame and reconnect throughput, and a histogram for send-to-ack latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState tracks the broker connection state as a numeric gauge:
	// 0 = disconnected, 1 = connecting, 2 = connected, 3 = reconnecting.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketchat_connection_state",
		Help: "Broker connection state (0=disconnected 1=connecting 2=connected 3=reconnecting)",
	})

	// ReconnectsTotal counts reconnect attempts, labeled by outcome:
	// "success", "failure", or "give_up".
	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_reconnects_total",
		Help: "Total number of reconnect attempts",
	}, []string{"outcome"})

	// FramesTotal counts inbound frames by type, including "malformed" for
	// frames dropped at the parse stage.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_frames_total",
		Help: "Total number of inbound broker frames processed",
	}, []string{"type"})

	// IngestTotal counts message ingestion results: "new", "duplicate", or
	// "reconciled".
	IngestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_ingest_total",
		Help: "Total number of ingested messages by reconciliation result",
	}, []string{"result"})

	// NotificationsTotal counts notification events emitted to the
	// presentation layer.
	NotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketchat_notifications_total",
		Help: "Total number of new-message notification events emitted",
	})

	// UnreadTotal tracks the sum of unread counters across all rooms.
	UnreadTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketchat_unread_total",
		Help: "Current total unread message count across all rooms",
	})

	// SendAckLatency records the time from optimistic append to the arrival
	// of the authoritative echo.
	SendAckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketchat_send_ack_latency_seconds",
		Help:    "Latency from optimistic send to authoritative acknowledgment",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectsTotal,
		FramesTotal,
		IngestTotal,
		NotificationsTotal,
		UnreadTotal,
		SendAckLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
