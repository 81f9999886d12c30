package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Open websocket connections",
		},
	)
	documentsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_documents",
			Help: "Shared documents held in memory",
		},
	)
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Frames received from clients by message type",
		},
		[]string{"type"},
	)
	protocolErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Connections closed because of an undecodable or unappliable frame",
		},
	)
	persistenceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_persistence_errors_total",
			Help: "Failed writes to the update log",
		},
	)
	persistQueueFullTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_persistence_queue_full_total",
			Help: "Updates that had to wait for room on a full persistence queue",
		},
	)
	keepaliveTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_keepalive_timeouts_total",
			Help: "Connections closed because a ping was not answered",
		},
	)
)
