package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the chat fabric.
//
// Naming convention: namespace_subsystem_name
// - namespace: chatflow (application-level grouping)
// - subsystem: websocket, producer, consumer, writer, batch (feature-level grouping)
//
// Components additionally keep their own atomic counters for the /stats
// snapshot; these series are the Prometheus view of the same events.

var (
	// ActiveWebSocketConnections tracks the current number of live sockets (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatflow",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks rooms with at least one live session on this node (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatflow",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with live sessions on this node",
	})

	// RoomSessions tracks the number of sessions per room (GaugeVec with room_id label)
	RoomSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatflow",
		Subsystem: "room",
		Name:      "sessions_count",
		Help:      "Number of live sessions in each room",
	}, []string{"room_id"})

	// IngressFrames counts inbound frames by outcome (CounterVec - cumulative)
	IngressFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatflow",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound frames processed by outcome",
	}, []string{"outcome"})

	// ProducerMessages counts queue publishes by outcome
	ProducerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatflow",
		Subsystem: "producer",
		Name:      "messages_total",
		Help:      "Total messages handed to the external queue by outcome",
	}, []string{"outcome"})

	// ConsumerMessages counts consumed queue messages by outcome
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatflow",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Total messages received from the external queue by outcome",
	}, []string{"outcome"})

	// BroadcastDeliveries counts per-session broadcast deliveries by outcome
	BroadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatflow",
		Subsystem: "broadcast",
		Name:      "deliveries_total",
		Help:      "Total per-session broadcast deliveries by outcome",
	}, []string{"outcome"})

	// WriteSerializerDepth tracks the batch writer buffer fill level
	BatchBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatflow",
		Subsystem: "batch",
		Name:      "buffer_size",
		Help:      "Current number of messages staged for batch insert",
	})

	// BatchFlushDuration observes database flush latency (Histogram - latency distribution)
	BatchFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chatflow",
		Subsystem: "batch",
		Name:      "flush_seconds",
		Help:      "Time spent flushing a batch to the database",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// CircuitBreakerState tracks breaker state per dependency (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatflow",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// RateLimitExceeded counts rejected requests per endpoint and limit type
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatflow",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by rate limiting",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerFailures counts requests rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatflow",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Requests rejected while a circuit breaker was open",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
