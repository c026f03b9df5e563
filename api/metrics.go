package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_connections",
		Help: "Number of WebSocket connections attached to this instance.",
	})

	metricActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_rooms",
		Help: "Number of room replicas held by this instance.",
	})

	metricEventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_client_events_total",
		Help: "Client events routed, by event type and outcome.",
	}, []string{"event", "outcome"})

	metricBusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_bus_published_total",
		Help: "Envelopes published to the bus, by topic.",
	}, []string{"topic"})

	metricBusDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_bus_delivered_total",
		Help: "Envelopes delivered from the bus, by topic.",
	}, []string{"topic"})

	metricDuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_duplicate_events_dropped_total",
		Help: "Events idempotently ignored as duplicates, by event type.",
	}, []string{"event"})
)

const (
	outcomeApplied  = "applied"
	outcomeRejected = "rejected"
	outcomeDropped  = "dropped"
)
