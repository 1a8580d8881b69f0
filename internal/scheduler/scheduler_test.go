package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/store"
)

func newTestScheduler() (*Scheduler, store.Store) {
	s := store.NewMemoryStore()
	return New(s, Config{MaxRetries: 3}), s
}

func TestReserveStartVerifyCommitFinalize(t *testing.T) {
	sched, s := newTestScheduler()
	ctx := context.Background()

	if err := s.InsertTask(ctx, &model.Task{ID: "t1", Priority: 1}); err != nil {
		t.Fatal(err)
	}

	task, lease, err := sched.Reserve(ctx, "agent-1", time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if task.ID != "t1" || lease.AgentID != "agent-1" {
		t.Fatalf("unexpected reserve result: %+v %+v", task, lease)
	}

	if err := sched.Start(ctx, "t1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sched.Verifying(ctx, "t1"); err != nil {
		t.Fatalf("Verifying: %v", err)
	}
	if err := sched.Committed(ctx, "t1", map[string]interface{}{"checks": "passed"}); err != nil {
		t.Fatalf("Committed: %v", err)
	}
	if err := sched.Finalize(ctx, "t1"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	final, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if final.State != model.TaskDone {
		t.Fatalf("expected DONE, got %s", final.State)
	}
}

func TestReserveWithNoEligibleTaskReturnsSentinelError(t *testing.T) {
	sched, _ := newTestScheduler()
	_, _, err := sched.Reserve(context.Background(), "agent-1", time.Minute)
	if !errors.Is(err, ErrNoEligibleTask) {
		t.Fatalf("expected ErrNoEligibleTask, got %v", err)
	}
}

func TestErrorRoutesToReadyWhenRetryable(t *testing.T) {
	sched, s := newTestScheduler()
	ctx := context.Background()

	if err := s.InsertTask(ctx, &model.Task{ID: "t1", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sched.Reserve(ctx, "agent-1", time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := sched.Error(ctx, "t1", model.TaskLeased, errors.New("transient"), true); err != nil {
		t.Fatalf("Error: %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.State != model.TaskReady {
		t.Fatalf("expected READY, got %s", task.State)
	}
}

func TestErrorRoutesToErrorWhenNotRetryable(t *testing.T) {
	sched, s := newTestScheduler()
	ctx := context.Background()

	if err := s.InsertTask(ctx, &model.Task{ID: "t1", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sched.Reserve(ctx, "agent-1", time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := sched.Error(ctx, "t1", model.TaskLeased, errors.New("fatal"), false); err != nil {
		t.Fatalf("Error: %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.State != model.TaskError {
		t.Fatalf("expected ERROR, got %s", task.State)
	}
}

func TestErrorForcesErrorStateAfterMaxRetries(t *testing.T) {
	sched, s := newTestScheduler()
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertTask(ctx, &model.Task{ID: "t1", Priority: 1, Attempts: 2}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sched.Reserve(ctx, "agent-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	// Attempts is now 3 == MaxRetries: even a "retryable=true" hint must
	// route to ERROR.
	_ = now

	if err := sched.Error(ctx, "t1", model.TaskLeased, errors.New("still failing"), true); err != nil {
		t.Fatalf("Error: %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.State != model.TaskError {
		t.Fatalf("expected ERROR after exhausting retries, got %s", task.State)
	}
}

func TestReportOutcomeSuccessCommits(t *testing.T) {
	sched, s := newTestScheduler()
	ctx := context.Background()

	if err := s.InsertTask(ctx, &model.Task{ID: "t1", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sched.Reserve(ctx, "agent-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := sched.Verifying(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	if err := sched.ReportOutcome(ctx, "t1", Outcome{Success: true}); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.State != model.TaskCommitted {
		t.Fatalf("expected COMMITTED, got %s", task.State)
	}
}

func TestReclaimExpiredReturnsToReady(t *testing.T) {
	sched, s := newTestScheduler()
	ctx := context.Background()

	if err := s.InsertTask(ctx, &model.Task{ID: "t1", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sched.Reserve(ctx, "agent-1", -time.Second); err != nil {
		t.Fatal(err)
	}

	n, err := sched.ReclaimExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
}
