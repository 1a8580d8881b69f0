package store

import (
	"context"
	"time"

	"github.com/beadforge/fleetctl/internal/model"
)

// Store is the durable backend for Tasks, Leases, and Events. All
// multi-row mutations (reserve, transition+event) are transactional: a
// crash never leaves a task LEASED without a matching lease row. Readers
// never block writers; the write path is serialized behind a single
// writer per task.
type Store interface {
	// InsertTask creates a new task in READY state (or BLOCKED if the
	// caller marks it so via task.State).
	InsertTask(ctx context.Context, task *model.Task) error

	// GetTask returns the task, or *ErrNotFound if absent.
	GetTask(ctx context.Context, id string) (*model.Task, error)

	// ListTasksByState returns up to limit tasks in the given state,
	// ordered by priority desc, created_at asc (the same tie-break
	// Reserve uses). limit <= 0 means unlimited.
	ListTasksByState(ctx context.Context, state model.TaskState, limit int) ([]*model.Task, error)

	// Reserve atomically: picks the highest-priority READY task (tie-break
	// priority desc, created_at asc, id asc), increments attempts, creates
	// a Lease with lease_expires_at = now+ttl, transitions the task to
	// LEASED, and appends a CLAIMED event. Returns (nil, nil, nil) if no
	// task is eligible.
	Reserve(ctx context.Context, agentID string, ttl time.Duration, now time.Time) (*model.Task, *model.Lease, error)

	// Transition moves a task from `from` to `to`, appending an event of
	// the given kind with the given data, in one transaction. Returns
	// *ErrInvariantViolation if the task isn't currently in `from` state.
	Transition(ctx context.Context, taskID string, from, to model.TaskState, kind model.EventKind, severity model.Severity, data map[string]interface{}) error

	// RenewLease extends lease_expires_at to now+ttl for a lease owned by
	// agentID. Returns *ErrNotFound if no such lease exists.
	RenewLease(ctx context.Context, taskID, agentID string, ttl time.Duration, now time.Time) error

	// ReleaseLease removes the lease row for taskID without changing task
	// state (used by supervised agent shutdown).
	ReleaseLease(ctx context.Context, taskID string) error

	// GetLease returns the active lease for a task, or *ErrNotFound.
	GetLease(ctx context.Context, taskID string) (*model.Lease, error)

	// ListLeasesByAgent returns all leases currently owned by agentID.
	ListLeasesByAgent(ctx context.Context, agentID string) ([]*model.Lease, error)

	// ReclaimExpired finds leases with lease_expires_at < now, appends a
	// LEASE_EXPIRED event per task, and transitions each task back to
	// READY. Idempotent: a second call with the same `now` yields 0.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)

	// AppendEvent appends a standalone event (not part of a task
	// transition), returning its assigned ID.
	AppendEvent(ctx context.Context, evt *model.Event) (int64, error)

	// QueryEvents returns events matching filter, newest first, up to
	// limit rows (limit <= 0 means unlimited).
	QueryEvents(ctx context.Context, filter EventFilter, limit int) ([]*model.Event, error)

	// CountEventsByKind counts events of kind kind since ts.
	CountEventsByKind(ctx context.Context, kind model.EventKind, since time.Time) (int, error)

	// CountEventsBetween counts events of kind kind in [from, to).
	CountEventsBetween(ctx context.Context, kind model.EventKind, from, to time.Time) (int, error)

	// InsertEvidence persists a verifier/review-gate evidence row.
	InsertEvidence(ctx context.Context, ev *Evidence) error

	// CountEvidenceCycles counts distinct review attempts recorded for a
	// task.
	CountEvidenceCycles(ctx context.Context, taskID string) (int, error)

	// TrimEventsBefore deletes events older than cutoff, returning the
	// number removed. Used by the retention sweep that bounds the event
	// log's growth.
	TrimEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
