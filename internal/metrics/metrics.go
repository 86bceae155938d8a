// Package metrics defines the Prometheus collectors shared across the
// application. Collectors are package-level and registered via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat server metrics
var (
	// ConnectionsCurrent tracks currently open chat connections
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_connections_current",
			Help: "Currently open chat connections",
		},
	)

	// ConnectionsTotal tracks accepted connections since start
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total accepted chat connections",
		},
	)

	// RoomsCurrent tracks rooms with at least one member
	RoomsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_rooms_current",
			Help: "Rooms with at least one member",
		},
	)

	// MessagesDispatched tracks inbound messages by type and outcome
	MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_dispatched_total",
			Help: "Inbound chat messages by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// BroadcastRecipients tracks per-broadcast recipient counts
	BroadcastRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_broadcast_recipients",
			Help:    "Recipients per room broadcast",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// BroadcastWriteFailures tracks failed deliveries during fan-out
	BroadcastWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broadcast_write_failures_total",
			Help: "Failed per-recipient deliveries during room fan-out",
		},
	)

	// SlowClientsEvicted tracks clients dropped for a full send buffer
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_slow_clients_evicted_total",
			Help: "Clients disconnected because their send buffer was full",
		},
	)

	// RateLimitedMessages tracks messages rejected by the per-connection limiter
	RateLimitedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_rate_limited_messages_total",
			Help: "Inbound messages rejected by the per-connection rate limiter",
		},
	)
)

// Broker metrics
var (
	// BrokerPublishes tracks publishes by channel
	BrokerPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publishes_total",
			Help: "Messages published by channel",
		},
		[]string{"channel"},
	)

	// BrokerDeliveries tracks handler deliveries by channel
	BrokerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deliveries_total",
			Help: "Subscriber deliveries by channel",
		},
		[]string{"channel"},
	)

	// BrokerSubscribers tracks current subscriptions by channel
	BrokerSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_subscribers_current",
			Help: "Current subscriptions by channel",
		},
		[]string{"channel"},
	)
)

// Fleet metrics
var (
	// FleetServersActive tracks fleet servers with fresh heartbeats
	FleetServersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_servers_active",
			Help: "Fleet servers with a fresh heartbeat",
		},
	)

	// FleetRoutingExhausted tracks least-loaded lookups that found no server
	FleetRoutingExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_routing_exhausted_total",
			Help: "Least-loaded lookups that found no eligible server",
		},
	)

	// FleetRelaysReceived tracks fleet messages relayed from other servers
	FleetRelaysReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_relays_received_total",
			Help: "Fleet messages relayed from sibling servers by channel",
		},
		[]string{"channel"},
	)
)

// Persistence metrics
var (
	// PersistenceFailures tracks collaborator failures by operation
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_failures_total",
			Help: "Persistence collaborator failures by operation",
		},
		[]string{"operation"},
	)

	// PersistenceBreakerState tracks the persistence circuit breaker state (0=closed, 1=half-open, 2=open)
	PersistenceBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "persistence_circuit_breaker_state",
			Help: "Persistence circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
