// ABOUTME: Prometheus collectors for connections, event dispatch and the bus
// ABOUTME: Registered on the default registry and served by promhttp at /metrics

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mission_gateway_connections_active",
			Help: "Currently admitted WebSocket connections",
		},
	)

	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mission_gateway_handshakes_total",
			Help: "WebSocket handshakes by result",
		},
		[]string{"result"}, // "admitted", "unauthorized", "timeout", "error"
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mission_gateway_connections_closed_total",
			Help: "Connection teardowns by reason",
		},
		[]string{"reason"},
	)

	ClientFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mission_gateway_client_frames_total",
			Help: "Client frames by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Dispatch metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mission_gateway_events_published_total",
			Help: "Events dispatched by the router",
		},
		[]string{"kind", "origin"}, // origin: "local" or "remote"
	)

	FramesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mission_gateway_frames_delivered_total",
			Help: "Frames enqueued to member send queues",
		},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mission_gateway_frames_dropped_total",
			Help: "Frames not delivered to a member",
		},
		[]string{"reason"},
	)

	RelayDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mission_gateway_relay_duplicates_total",
			Help: "Relayed events dropped as already seen",
		},
	)

	// Bus metrics
	BusConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mission_gateway_bus_connected",
			Help: "1 while the bus subscription is established",
		},
	)

	BusPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mission_gateway_bus_published_total",
			Help: "Envelopes published to the bus",
		},
	)

	BusPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mission_gateway_bus_publish_errors_total",
			Help: "Remote copies that could not be published",
		},
		[]string{"reason"}, // "queue_full", "encode", "transport"
	)

	BusReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mission_gateway_bus_received_total",
			Help: "Envelopes received from the bus by outcome",
		},
		[]string{"outcome"}, // "relayed", "decode_error"
	)

	BusReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mission_gateway_bus_reconnects_total",
			Help: "Bus subscription attempts after the first",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mission_gateway_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mission_gateway_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)

// BoolGauge converts a state flag for a 0/1 gauge.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
