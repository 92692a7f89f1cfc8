// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

// Package metrics provides Prometheus instrumentation for:
//   - Presence registry operations and sweep evictions
//   - WebSocket connections and message flow
//   - Broadcast fan-out and track routing
//   - Location history store operations (Badger)
//   - API endpoint latency and throughput
//   - Circuit breaker state for the upstream location API
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Presence Registry Metrics
	PresenceParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_participants",
			Help: "Current number of participants in the presence registry",
		},
	)

	PresenceOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_operations_total",
			Help: "Total number of presence registry operations",
		},
		[]string{"operation"}, // "connect", "reconnect", "ping", "update", "disconnecting", "drop"
	)

	PresenceEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_evictions_total",
			Help: "Total number of participants evicted by the sweeper",
		},
		[]string{"phase"}, // "disconnecting", "socket_dropped", "connected"
	)

	PresenceSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "presence_sweep_duration_seconds",
			Help:    "Duration of presence sweep passes in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	PresenceUnknownIdentity = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_unknown_identity_total",
			Help: "Total number of operations referencing an unknown identity",
		},
		[]string{"operation"},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_received_total",
			Help: "Total number of WebSocket messages received",
		},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
		[]string{"error_type"}, // "read", "write", "decode", "rate_limited", "slow_client"
	)

	// Broadcast Metrics
	BroadcastsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcasts_sent_total",
			Help: "Total number of broadcast messages fanned out",
		},
		[]string{"type"}, // wire message type
	)

	BroadcastsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcasts_dropped_total",
			Help: "Total number of broadcasts dropped because the channel was full",
		},
	)

	TrackRoutes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "track_routes_total",
			Help: "Total number of track request/response frames routed between identities",
		},
		[]string{"type", "result"}, // result: "delivered", "target_missing"
	)

	// History Store Metrics (Badger)
	HistoryOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "history_operation_duration_seconds",
			Help:    "Duration of history store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // "append", "track", "clear", "clean"
	)

	HistoryOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_operation_errors_total",
			Help: "Total number of history store operation errors",
		},
		[]string{"operation"},
	)

	HistoryPointsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_points_purged_total",
			Help: "Total number of history points purged by retention",
		},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// Circuit Breaker Metrics (upstream location API)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordPresenceOperation records a presence registry operation.
func RecordPresenceOperation(operation string) {
	PresenceOperations.WithLabelValues(operation).Inc()
}

// RecordPresenceEviction records a participant eviction by the sweeper.
func RecordPresenceEviction(phase string) {
	PresenceEvictions.WithLabelValues(phase).Inc()
}

// RecordPresenceSweep records the duration of a sweep pass.
func RecordPresenceSweep(duration time.Duration) {
	PresenceSweepDuration.Observe(duration.Seconds())
}

// RecordUnknownIdentity records an operation that referenced an unknown identity.
func RecordUnknownIdentity(operation string) {
	PresenceUnknownIdentity.WithLabelValues(operation).Inc()
}

// SetPresenceParticipants sets the current participant count.
func SetPresenceParticipants(count int) {
	PresenceParticipants.Set(float64(count))
}

// RecordBroadcast records a fanned-out broadcast of the given wire type.
func RecordBroadcast(messageType string) {
	BroadcastsSent.WithLabelValues(messageType).Inc()
}

// RecordBroadcastDropped records a broadcast dropped due to backpressure.
func RecordBroadcastDropped() {
	BroadcastsDropped.Inc()
}

// RecordTrackRoute records a targeted track frame delivery attempt.
func RecordTrackRoute(messageType string, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "target_missing"
	}
	TrackRoutes.WithLabelValues(messageType, result).Inc()
}

// RecordWSError records a WebSocket error of the given type.
func RecordWSError(errorType string) {
	WSErrors.WithLabelValues(errorType).Inc()
}

// RecordHistoryOperation records a history store operation metric.
func RecordHistoryOperation(operation string, duration time.Duration, err error) {
	HistoryOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		HistoryOperationErrors.WithLabelValues(operation).Inc()
	}
}

// RecordHistoryPurge records points removed by a retention pass.
func RecordHistoryPurge(points int) {
	HistoryPointsPurged.Add(float64(points))
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks active API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordCircuitBreakerRequest records a request outcome through a breaker.
func RecordCircuitBreakerRequest(name, result string) {
	CircuitBreakerRequests.WithLabelValues(name, result).Inc()
}

// RecordCircuitBreakerTransition records a breaker state transition.
func RecordCircuitBreakerTransition(name, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// SetCircuitBreakerState sets the breaker state gauge.
// 0=closed, 1=half-open, 2=open.
func SetCircuitBreakerState(name string, state float64) {
	CircuitBreakerState.WithLabelValues(name).Set(state)
}
