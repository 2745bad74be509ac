package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hwbridge_connections_open",
			Help: "Open connections by listener",
		},
		[]string{"listener"}, // "hardware" or "app"
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hwbridge_connections_rejected_total",
			Help: "Connections refused before the first command",
		},
		[]string{"listener", "reason"},
	)

	SessionsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hwbridge_sessions_online",
			Help: "Hardware sessions currently registered",
		},
	)

	// Command metrics
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hwbridge_commands_total",
			Help: "Commands received by command and response code",
		},
		[]string{"listener", "command", "code"},
	)

	BridgeForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hwbridge_bridge_forwards_total",
			Help: "Bridge forwards by outcome",
		},
		[]string{"outcome"}, // "delivered", "not_allowed", "offline"
	)

	DroppedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hwbridge_dropped_messages_total",
			Help: "Bridge deliveries refused because the target's outbound queue was full",
		},
	)
)
