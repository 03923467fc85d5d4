// Package metrics declares the Prometheus metrics exported by the
// watch-party coordination server.
//
// Naming convention: namespace_subsystem_name.
//   - namespace: watchparty
//   - subsystem: websocket, room, chat, signaling, kv, circuit_breaker,
//     rate_limit, resolver
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	RoomUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "room",
		Name:      "users_count",
		Help:      "Number of users in each room",
	}, []string{"room_id"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total inbound events processed",
	}, []string{"event", "status"})

	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchparty",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent handling an inbound event",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	SignalingConnectionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "signaling",
		Name:      "connection_attempts_total",
		Help:      "Total signaling join/offer/answer attempts",
	}, []string{"modality", "status"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchparty",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against the rate limiter",
	}, []string{"endpoint"})

	KVOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "kv",
		Name:      "operations_total",
		Help:      "Total key-value store operations",
	}, []string{"operation", "status"})

	KVOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchparty",
		Subsystem: "kv",
		Name:      "operation_duration_seconds",
		Help:      "Duration of key-value store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	ResolverDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "resolver",
		Name:      "decisions_total",
		Help:      "Total source resolution outcomes by delivery type",
	}, []string{"delivery_type"})

	ChatReactionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchparty",
		Subsystem: "chat",
		Name:      "reaction_retries_total",
		Help:      "Total retries of the reaction read-modify-write",
	}, []string{"outcome"})
)

func IncConnection() { ActiveConnections.Inc() }
func DecConnection() { ActiveConnections.Dec() }
