package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broadcast Bus Metrics
var (
	// BusGroups tracks the number of groups with at least one member
	BusGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_groups",
			Help: "Number of groups with at least one member",
		},
	)

	// BusMembershipsTotal tracks join/leave operations by result
	BusMembershipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_memberships_total",
			Help: "Group membership operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// BusPublishesTotal tracks publish calls
	BusPublishesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_publishes_total",
			Help: "Total publish calls on the broadcast bus",
		},
	)

	// BusDeliveriesTotal tracks frames delivered to subscribers
	BusDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_deliveries_total",
			Help: "Total frames delivered to subscribers",
		},
	)

	// BusDroppedDeliveriesTotal tracks frames dropped for slow subscribers
	BusDroppedDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_dropped_deliveries_total",
			Help: "Frames dropped because a subscriber's buffer was full",
		},
	)

	// BusCommandChannelDepth tracks the bus actor's command backlog
	BusCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_command_channel_depth",
			Help: "Current depth of the bus actor command channel",
		},
	)
)

// Stream Endpoint Metrics
var (
	// EndpointActionsTotal tracks dispatched actions by stream, action and status
	EndpointActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoint_actions_total",
			Help: "Dispatched endpoint actions by stream, action and response status",
		},
		[]string{"stream", "action", "status"},
	)

	// EndpointActionDuration tracks action handling latency in seconds
	EndpointActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "endpoint_action_duration_seconds",
			Help:    "Endpoint action handling duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"stream", "action"},
	)
)

// Change Feed Metrics
var (
	// ChangeEventsPublished tracks change events by entity kind and action
	ChangeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_events_published_total",
			Help: "Change events published to the feed by kind and action",
		},
		[]string{"kind", "action"},
	)

	// ChangeEventsDropped tracks events dropped due to full subscriber buffers
	ChangeEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "change_events_dropped_total",
			Help: "Change events dropped because a subscriber buffer was full",
		},
	)

	// NotifierBroadcastsTotal tracks deferred-path broadcasts by kind and action
	NotifierBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_broadcasts_total",
			Help: "Deferred-path broadcasts emitted by the change notifier",
		},
		[]string{"kind", "action"},
	)

	// NotifierSuppressedTotal tracks suppressed change events
	NotifierSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_suppressed_total",
			Help: "Change events skipped because the immediate path already broadcast",
		},
	)
)

// WebSocket Connection Metrics
var (
	// WebSocketActiveConnections tracks currently open connections
	WebSocketActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_active_connections",
			Help: "Number of currently open WebSocket connections",
		},
	)

	// WebSocketConnectionsTotal tracks accepted connections
	WebSocketConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total accepted WebSocket connections",
		},
	)

	// WebSocketRejectedTotal tracks rejected connection attempts by reason
	WebSocketRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_rejected_total",
			Help: "Rejected WebSocket connection attempts by reason",
		},
		[]string{"reason"},
	)

	// WebSocketForcedDisconnects tracks connections closed via identity groups
	WebSocketForcedDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_forced_disconnects_total",
			Help: "Connections force-closed via an identity group instruction",
		},
	)

	// WebSocketPingFailures tracks failed keepalive pings
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Failed WebSocket keepalive pings",
		},
	)
)

// Database Metrics
var (
	// DBQueryDuration tracks database query latency in seconds
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"query"},
	)

	// DBErrorsTotal tracks database errors by query type
	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Total database errors by query type",
		},
		[]string{"query"},
	)
)

// Redis Relay Metrics
var (
	// RelayPublishesTotal tracks frames mirrored to Redis by status
	RelayPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_publishes_total",
			Help: "Frames mirrored to the Redis relay channel by status",
		},
		[]string{"status"},
	)

	// RelayReceivedTotal tracks frames replayed from other instances
	RelayReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_received_total",
			Help: "Frames replayed into the local bus from other instances",
		},
	)

	// RedisOpsTotal tracks Redis operations by operation and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
