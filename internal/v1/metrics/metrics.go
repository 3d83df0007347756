package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room host.
//
// Naming convention: namespace_subsystem_name
// - namespace: stateroom (application-level grouping)
// - subsystem: websocket, room, machine, actions, bus (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, players, pending timers)
// - Counter: Cumulative events (events dispatched, actions executed, errors)
// - Histogram: Latency distributions (dispatch time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stateroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stateroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the roster size of each room (GaugeVec with room_id label - current state per room)
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stateroom",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of players in each room",
	}, []string{"room_id"})

	// EventsDispatched tracks statechart events by outcome (CounterVec - cumulative).
	// status is one of: handled, ignored, dropped.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stateroom",
		Subsystem: "machine",
		Name:      "events_total",
		Help:      "Total statechart events dispatched",
	}, []string{"event_type", "status"})

	// EventDispatchDuration tracks time spent handling one event end to end (HistogramVec - latency distribution)
	EventDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stateroom",
		Subsystem: "machine",
		Name:      "event_dispatch_seconds",
		Help:      "Time spent dispatching statechart events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ActionsExecuted tracks action runtime executions by outcome (CounterVec - cumulative).
	// status is one of: ok, error, skipped.
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stateroom",
		Subsystem: "actions",
		Name:      "executed_total",
		Help:      "Total actions executed by the action runtime",
	}, []string{"action", "status"})

	// ScheduledBatches tracks scheduled action batches by outcome (CounterVec - cumulative).
	// status is one of: fired, error.
	ScheduledBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stateroom",
		Subsystem: "actions",
		Name:      "scheduled_batches_total",
		Help:      "Total scheduled action batches by outcome",
	}, []string{"status"})

	// CircuitBreakerState exposes the bus circuit breaker state per backend (GaugeVec - current state)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stateroom",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Bus circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations dropped while the breaker was open (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stateroom",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total bus operations dropped while the circuit breaker was open",
	}, []string{"backend"})

	// RateLimitRequests counts requests that passed rate limiting (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stateroom",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against a rate limit",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by rate limiting (CounterVec - cumulative).
	// limit_type is the limit that tripped: ip, user, or an endpoint class.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stateroom",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
