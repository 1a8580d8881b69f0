// Package scheduler is the sole state-machine authority for task
// lifecycle transitions (READY→LEASED→RUNNING→VERIFYING→COMMITTED→DONE,
// with error/lease_expired side exits back to READY or ERROR). Every
// transition not in that table is a fatal invariant violation, enforced
// by store.Store.Transition's from-state check and, for Error, by a check
// that the from-state is LEASED, RUNNING or VERIFYING.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/store"
)

// ErrNoEligibleTask is returned by Reserve when no READY task is
// available; it is not a failure, callers should back off and retry.
var ErrNoEligibleTask = errors.New("scheduler: no eligible task")

// Config controls the scheduler's retry policy.
type Config struct {
	MaxRetries int
}

// Outcome describes the result an agent reports for a task via
// reportOutcome.
type Outcome struct {
	Success   bool
	Evidence  map[string]interface{}
	Err       error
	Retryable *bool // nil means "default per policy"
}

// Scheduler wraps a store.Store with the task lifecycle operations.
// It never holds its own lock — store.Store.Reserve/Transition already
// serialize the write path — so Scheduler itself carries no mutable
// state of its own.
type Scheduler struct {
	store  store.Store
	config Config
}

// New builds a Scheduler over s.
func New(s store.Store, config Config) *Scheduler {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	return &Scheduler{store: s, config: config}
}

// Reserve atomically claims the highest-priority READY task for agentID.
// It is the ONLY place a CLAIMED event is emitted — any higher-level
// "claimNextTask" surface must call this and must not emit its own
// CLAIMED event.
func (s *Scheduler) Reserve(ctx context.Context, agentID string, ttl time.Duration) (*model.Task, *model.Lease, error) {
	task, lease, err := s.store.Reserve(ctx, agentID, ttl, time.Now())
	if err != nil {
		return nil, nil, err
	}
	if task == nil {
		return nil, nil, ErrNoEligibleTask
	}
	return task, lease, nil
}

// Start transitions a task LEASED → RUNNING.
func (s *Scheduler) Start(ctx context.Context, taskID string) error {
	return s.store.Transition(ctx, taskID, model.TaskLeased, model.TaskRunning, model.EventRunning, model.SeverityInfo, nil)
}

// Verifying transitions a task RUNNING → VERIFYING.
func (s *Scheduler) Verifying(ctx context.Context, taskID string) error {
	return s.store.Transition(ctx, taskID, model.TaskRunning, model.TaskVerifying, model.EventVerifying, model.SeverityInfo, nil)
}

// Committed transitions a task VERIFYING → COMMITTED.
func (s *Scheduler) Committed(ctx context.Context, taskID string, evidence map[string]interface{}) error {
	return s.store.Transition(ctx, taskID, model.TaskVerifying, model.TaskCommitted, model.EventCommitted, model.SeverityInfo, evidence)
}

// Finalize transitions a task COMMITTED → DONE. Called by the committing
// agent or a background finalizer once post-commit bookkeeping (if any)
// has settled.
func (s *Scheduler) Finalize(ctx context.Context, taskID string) error {
	return s.store.Transition(ctx, taskID, model.TaskCommitted, model.TaskDone, model.EventCommitted, model.SeverityInfo, nil)
}

// Error reports a failed attempt for a task currently in one of
// LEASED/RUNNING/VERIFYING. Retry policy: retryable unless the caller
// says otherwise, or unless the task has already exhausted MaxRetries —
// in which case it always routes to ERROR regardless of the caller's
// hint.
func (s *Scheduler) Error(ctx context.Context, taskID string, from model.TaskState, taskErr error, retryable bool) error {
	if from != model.TaskLeased && from != model.TaskRunning && from != model.TaskVerifying {
		return &store.ErrInvariantViolation{TaskID: taskID, From: from, To: model.TaskError, Reason: "error reported outside LEASED/RUNNING/VERIFYING"}
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	data := sanitizeError(taskErr)
	if task.Attempts >= s.config.MaxRetries {
		retryable = false
	}

	to := model.TaskReady
	if !retryable {
		to = model.TaskError
	}
	return s.store.Transition(ctx, taskID, from, to, model.EventTaskError, model.SeverityError, data)
}

// ReportOutcome is the Scheduler-side half of the Agent Protocol's
// reportOutcome call: success routes VERIFYING→COMMITTED (persisting
// evidence), failure routes through Error with the caller-supplied
// retryable hint (or the default policy if omitted).
func (s *Scheduler) ReportOutcome(ctx context.Context, taskID string, outcome Outcome) error {
	if outcome.Success {
		return s.Committed(ctx, taskID, outcome.Evidence)
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	retryable := task.Attempts < s.config.MaxRetries
	if outcome.Retryable != nil {
		retryable = *outcome.Retryable
	}
	return s.Error(ctx, taskID, task.State, outcome.Err, retryable)
}

// ReclaimExpired sweeps leases past their expiry, emitting LEASE_EXPIRED
// and returning each task to READY. Idempotent: re-running it over leases
// already reclaimed is a no-op.
func (s *Scheduler) ReclaimExpired(ctx context.Context) (int, error) {
	return s.store.ReclaimExpired(ctx, time.Now())
}

// sanitizeError builds the {error.message, error.name} payload stored
// against a failed attempt, never leaking a raw Go error's internal
// wrapping structure.
func sanitizeError(err error) map[string]interface{} {
	if err == nil {
		return map[string]interface{}{"error.message": "", "error.name": ""}
	}
	return map[string]interface{}{
		"error.message": err.Error(),
		"error.name":    errorName(err),
	}
}

func errorName(err error) string {
	type named interface{ Name() string }
	var n named
	if errors.As(err, &n) {
		return n.Name()
	}
	return "error"
}
