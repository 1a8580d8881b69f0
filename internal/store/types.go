package store

import (
	"time"

	"github.com/beadforge/fleetctl/internal/model"
)

// EventFilter narrows a query_events call.
type EventFilter struct {
	TaskID string
	Kind   model.EventKind
	Since  time.Time
	Until  time.Time
}

// Evidence is a persisted artifact of a verifier or CI review-gate outcome,
// one row per attempt.
type Evidence struct {
	TaskID   string
	Attempt  int
	Verifier string
	Result   string
	Details  map[string]interface{}
	Timestamp time.Time
}

// ErrNotFound is returned by single-row lookups that find nothing.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return e.Resource + " not found: " + e.ID
}

// ErrInvariantViolation signals a fatal, non-retriable transition attempt.
// The caller should move the task to ERROR and surface this for operator
// intervention.
type ErrInvariantViolation struct {
	TaskID string
	From   model.TaskState
	To     model.TaskState
	Reason string
}

func (e *ErrInvariantViolation) Error() string {
	return "invariant violation on task " + e.TaskID + ": " + string(e.From) + "->" + string(e.To) + ": " + e.Reason
}

// ErrOptimisticLock signals a concurrent modification was detected under
// store contention. Retriable.
type ErrOptimisticLock struct {
	TaskID string
}

func (e *ErrOptimisticLock) Error() string {
	return "optimistic lock failure on task " + e.TaskID
}
