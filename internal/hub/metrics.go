package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsGauge tracks currently open observer connections
	ConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_hub_connections",
			Help: "Number of currently open observer connections",
		},
	)

	// EventsDeliveredTotal counts events enqueued to observer connections
	EventsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_hub_events_delivered_total",
			Help: "Total events enqueued for delivery to observers",
		},
	)

	// EventsDroppedTotal counts events dropped because a queue was full
	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_hub_events_dropped_total",
			Help: "Total events dropped due to slow observer connections",
		},
	)

	// MessagesReceivedTotal counts inbound observer messages by type
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_hub_messages_received_total",
			Help: "Total inbound messages received from observers",
		},
		[]string{"type"},
	)
)

// RecordConnectionOpen records one opened observer connection
func RecordConnectionOpen() { ConnectionsGauge.Inc() }

// RecordConnectionClose records one closed observer connection
func RecordConnectionClose() { ConnectionsGauge.Dec() }

// RecordEventDelivered records one event enqueued for an observer
func RecordEventDelivered() { EventsDeliveredTotal.Inc() }

// RecordEventDropped records one event dropped for a slow observer
func RecordEventDropped() { EventsDroppedTotal.Inc() }

// RecordMessageReceived records one inbound observer message
func RecordMessageReceived(msgType string) {
	MessagesReceivedTotal.WithLabelValues(msgType).Inc()
}
