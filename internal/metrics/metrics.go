// Package metrics exposes Prometheus collectors for the chat bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GatewayReconnectAttempts counts upstream reconnect attempts.
	GatewayReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_gateway_reconnect_attempts_total",
		Help: "Number of reconnect attempts made against the upstream gateway",
	})

	// GatewayHandshakes counts completed upstream handshakes by outcome.
	GatewayHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_gateway_handshakes_total",
		Help: "Number of upstream handshake attempts by outcome",
	}, []string{"outcome"})

	// GatewayPendingRequests tracks requests awaiting an upstream response.
	GatewayPendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_gateway_pending_requests",
		Help: "Requests currently awaiting a correlated upstream response",
	})

	// GatewayRequestFailures counts failed upstream requests by kind.
	GatewayRequestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_gateway_request_failures_total",
		Help: "Failed upstream requests by failure kind",
	}, []string{"kind"})

	// RelayConnectedClients tracks downstream WebSocket connections.
	RelayConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_relay_connected_clients",
		Help: "Downstream WebSocket clients currently connected",
	})

	// RelayBroadcasts counts fan-out deliveries by scope.
	RelayBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_relay_broadcasts_total",
		Help: "Messages fanned out to downstream clients by scope",
	}, []string{"scope"})

	// RelayDroppedClients counts clients evicted for not keeping up.
	RelayDroppedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_relay_dropped_clients_total",
		Help: "Downstream clients evicted because their send queue overflowed",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
