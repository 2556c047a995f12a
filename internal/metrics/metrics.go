// Package metrics provides Prometheus instrumentation for the presence and
// notification gateway: connection and online-user gauges, handshake and chat
// outcome counters, notification delivery counters and relay latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of admitted WebSocket
	// connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_total",
		Help: "Current number of admitted WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one live session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_online_users",
		Help: "Current number of users with at least one live session",
	})

	// Handshakes counts connection attempts by result: "admitted",
	// "no_credential", "invalid_credential" or "rejected".
	Handshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_handshakes_total",
		Help: "Connection attempts by handshake result",
	}, []string{"result"})

	// ChatMessages counts chat send events by outcome: "relayed" or the
	// rejection code.
	ChatMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_chat_messages_total",
		Help: "Chat send events by outcome",
	}, []string{"outcome"})

	// Notifications counts per-session notification deliveries by result:
	// "delivered", "dropped" (write failed) or "no_sessions" (per publish).
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_notifications_total",
		Help: "Notification deliveries by result",
	}, []string{"result"})

	// ChatLatency records the time from chat receipt to relay completion.
	ChatLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_chat_latency_seconds",
		Help:    "Chat gate latency from receipt to relay in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// LastOnlineWrites counts last-online timestamp writes by result.
	LastOnlineWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_last_online_writes_total",
		Help: "Last-online timestamp writes on full disconnect by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		Handshakes,
		ChatMessages,
		Notifications,
		ChatLatency,
		LastOnlineWrites,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
