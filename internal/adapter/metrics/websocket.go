package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for graphql-transport-ws connections.
type WebSocketMetrics struct {
	ActiveConnections  prometheus.Gauge
	MessagesSent       *prometheus.CounterVec
	MessagesReceived   *prometheus.CounterVec
	Closes             *prometheus.CounterVec
	KeepAliveTimeouts  prometheus.Counter
	KeepAlivesAnswered prometheus.Counter
	RejectedUpgrades   *prometheus.CounterVec
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections on this instance.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Protocol messages written to clients, by message type.",
		}, []string{"type"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Protocol messages read from clients, by message type.",
		}, []string{"type"}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "closes_total",
			Help:      "Connections closed by the server, by close code.",
		}, []string{"code"}),
		KeepAliveTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "keepalive_timeouts_total",
			Help:      "Connections closed because no pong arrived in time.",
		}),
		KeepAlivesAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "keepalives_answered_total",
			Help:      "Server pings answered by a pong before the deadline.",
		}),
		RejectedUpgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejected_upgrades_total",
			Help:      "Upgrade requests refused before a connection was established, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.ActiveConnections, m.MessagesSent, m.MessagesReceived, m.Closes, m.KeepAliveTimeouts, m.KeepAlivesAnswered, m.RejectedUpgrades)
	return m
}
