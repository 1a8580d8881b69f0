// Package model holds the value types shared across the coordinator: Task,
// Lease, Event, QueueItem, RateBucket, PredictiveHealthIndicator, and
// CacheEntry.
package model

import "time"

// TaskState is one of the states in the task lifecycle.
type TaskState string

const (
	TaskReady      TaskState = "READY"
	TaskLeased     TaskState = "LEASED"
	TaskRunning    TaskState = "RUNNING"
	TaskVerifying  TaskState = "VERIFYING"
	TaskCommitted  TaskState = "COMMITTED"
	TaskDone       TaskState = "DONE"
	TaskError      TaskState = "ERROR"
	TaskBlocked    TaskState = "BLOCKED"
)

// Task is a unit of work persisted in the Store.
type Task struct {
	ID             string
	State          TaskState
	Priority       int
	Payload        []byte
	Attempts       int
	TokenBudget    int64
	CostBudgetCents int64
	PolicyLabel    string
	Provider       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lease is the exclusive right to execute a task.
type Lease struct {
	TaskID         string
	AgentID        string
	LeaseExpiresAt time.Time
	Attempt        int
}

// Severity is an Event's severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// EventKind enumerates the closed set of event kinds the coordinator
// emits. Kept as a plain string type at the wire boundary rather than an
// interface/sum-type, but internal producers/consumers should use the
// typed helpers in internal/eventlog rather than raw strings.
type EventKind string

const (
	// Lifecycle
	EventClaimed    EventKind = "CLAIMED"
	EventRunning    EventKind = "RUNNING"
	EventVerifying  EventKind = "VERIFYING"
	EventCommitted  EventKind = "COMMITTED"
	EventTaskError  EventKind = "ERROR"

	// Liveness
	EventHeartbeatRenewFailure EventKind = "HEARTBEAT_RENEW_FAILURE"
	EventHeartbeatMissed       EventKind = "HEARTBEAT_MISSED"
	EventLeaseExpired          EventKind = "LEASE_EXPIRED"
	EventAgentHealthCheck      EventKind = "AGENT_HEALTH_CHECK"

	// Backpressure
	EventAllowed                     EventKind = "ALLOWED"
	EventThrottled                   EventKind = "THROTTLED"
	EventQueued                      EventKind = "QUEUED"
	EventDeferred                    EventKind = "DEFERRED"
	EventDropped                     EventKind = "DROPPED"
	EventQueueFull                   EventKind = "QUEUE_FULL"
	EventRateLimitApproaching        EventKind = "RATE_LIMIT_APPROACHING"
	EventProviderHealthDegrading      EventKind = "PROVIDER_HEALTH_DEGRADING"
	EventProviderHealthRecovering     EventKind = "PROVIDER_HEALTH_RECOVERING"
	EventQueueUtilizationSpike        EventKind = "QUEUE_UTILIZATION_SPIKE"
	EventPredictiveHealthAlert        EventKind = "PREDICTIVE_HEALTH_ALERT"
	EventLimitConfigChanged           EventKind = "LIMIT_CONFIG_CHANGED"

	// EventDataCorrupt stands in for an event row whose data_json failed
	// to unmarshal; QueryEvents substitutes one of these for the corrupt
	// row rather than failing the whole query.
	EventDataCorrupt EventKind = "EVENT_DATA_CORRUPT"
)

// SystemTaskID is the sentinel task_id used for events not tied to any one
// task (e.g. provider-scoped predictive-health alerts).
const SystemTaskID = "__system__"

// Event is an append-only observability record.
type Event struct {
	ID        int64
	TaskID    string
	Timestamp time.Time
	Kind      EventKind
	Data      map[string]interface{}
	Severity  Severity
}

// Priority is a QueueManager priority tier.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// QueueItem is a transient envelope while a task waits in the backpressure
// queue.
type QueueItem struct {
	ID                 string
	Provider           string
	Priority           Priority
	PayloadRef         string
	EnqueuedAt         time.Time
	EstimatedDurationMS int64
}

// HealthState is a provider's current or predicted health bucket.
type HealthState string

const (
	HealthHealthy     HealthState = "HEALTHY"
	HealthWarning     HealthState = "WARNING"
	HealthCritical    HealthState = "CRITICAL"
	HealthUnavailable HealthState = "UNAVAILABLE"
)

// Trend is the direction of one of the four predictive-health channels.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// CachePriority orders CacheEntry eviction precedence.
type CachePriority string

const (
	CacheLow      CachePriority = "low"
	CacheMedium   CachePriority = "medium"
	CacheHigh     CachePriority = "high"
	CacheCritical CachePriority = "critical"
)

// BackpressureAction is the outcome of the submit pipeline.
type BackpressureAction string

const (
	ActionRoute    BackpressureAction = "ROUTE"
	ActionThrottle BackpressureAction = "THROTTLE"
	ActionDefer    BackpressureAction = "DEFER"
	ActionDrop     BackpressureAction = "DROP"
)

// Drop/defer/throttle reason codes.
const (
	ReasonQuotaExceeded    = "QUOTA_EXCEEDED"
	ReasonSystemOverloaded = "SYSTEM_OVERLOADED"
	ReasonRateLimited      = "RATE_LIMITED"
	ReasonQueueFull        = "QUEUE_FULL"
)
