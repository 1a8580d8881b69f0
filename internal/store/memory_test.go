package store

import (
	"context"
	"testing"
	"time"

	"github.com/beadforge/fleetctl/internal/model"
)

func newTestTask(id string, priority int, createdAt time.Time) *model.Task {
	return &model.Task{
		ID:        id,
		Priority:  priority,
		CreatedAt: createdAt,
		State:     model.TaskReady,
	}
}

func TestReserveExactlyOnceClaimed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertTask(ctx, newTestTask("t1", 1, now)); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	task, lease, err := s.Reserve(ctx, "agent-1", time.Minute, now)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if task == nil || lease == nil {
		t.Fatalf("expected a task and lease, got %v %v", task, lease)
	}
	if task.State != model.TaskLeased {
		t.Fatalf("expected LEASED, got %s", task.State)
	}
	if lease.AgentID != "agent-1" {
		t.Fatalf("expected lease owned by agent-1, got %s", lease.AgentID)
	}

	// No longer READY: a second reserve must not re-pick it.
	again, _, err := s.Reserve(ctx, "agent-2", time.Minute, now)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no eligible task, got %v", again)
	}

	events, err := s.QueryEvents(ctx, EventFilter{TaskID: "t1", Kind: model.EventClaimed}, 0)
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one CLAIMED event, got %d", len(events))
	}
}

func TestReservePriorityTieBreak(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	if err := s.InsertTask(ctx, newTestTask("low-old", 1, base.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertTask(ctx, newTestTask("high-new", 5, base)); err != nil {
		t.Fatal(err)
	}

	task, _, err := s.Reserve(ctx, "agent-1", time.Minute, base)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if task.ID != "high-new" {
		t.Fatalf("expected highest priority task picked first, got %s", task.ID)
	}
}

func TestTransitionRejectsWrongFromState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertTask(ctx, newTestTask("t1", 1, now)); err != nil {
		t.Fatal(err)
	}

	err := s.Transition(ctx, "t1", model.TaskRunning, model.TaskVerifying, model.EventVerifying, model.SeverityInfo, nil)
	if err == nil {
		t.Fatal("expected an invariant violation, got nil")
	}
	if _, ok := err.(*ErrInvariantViolation); !ok {
		t.Fatalf("expected *ErrInvariantViolation, got %T", err)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertTask(ctx, newTestTask("t1", 1, now)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Reserve(ctx, "agent-1", time.Minute, now); err != nil {
		t.Fatal(err)
	}

	if err := s.Transition(ctx, "t1", model.TaskLeased, model.TaskRunning, model.EventRunning, model.SeverityInfo, nil); err != nil {
		t.Fatalf("Transition to RUNNING: %v", err)
	}
	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.State != model.TaskRunning {
		t.Fatalf("expected RUNNING, got %s", task.State)
	}

	if err := s.Transition(ctx, "t1", model.TaskRunning, model.TaskDone, model.EventCommitted, model.SeverityInfo, nil); err != nil {
		t.Fatalf("Transition to DONE: %v", err)
	}
	if _, err := s.GetLease(ctx, "t1"); err == nil {
		t.Fatal("expected lease to be released on DONE transition")
	}
}

func TestReclaimExpiredIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertTask(ctx, newTestTask("t1", 1, now)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Reserve(ctx, "agent-1", time.Second, now); err != nil {
		t.Fatal(err)
	}

	later := now.Add(time.Minute)
	n, err := s.ReclaimExpired(ctx, later)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.State != model.TaskReady {
		t.Fatalf("expected task back to READY, got %s", task.State)
	}

	n, err = s.ReclaimExpired(ctx, later)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected second reclaim to be a no-op, got %d", n)
	}
}

func TestReclaimExpiredIgnoresTerminalStates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertTask(ctx, newTestTask("t1", 1, now)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Reserve(ctx, "agent-1", time.Second, now); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, "t1", model.TaskLeased, model.TaskDone, model.EventCommitted, model.SeverityInfo, nil); err != nil {
		t.Fatal(err)
	}

	n, err := s.ReclaimExpired(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected a DONE task's stale lease row to be ignored, got %d reclaimed", n)
	}
}

func TestEventOrderingNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(ctx, &model.Event{
			TaskID:    "t1",
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Kind:      model.EventAllowed,
			Severity:  model.SeverityInfo,
		}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.QueryEvents(ctx, EventFilter{TaskID: "t1"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 0; i+1 < len(events); i++ {
		if events[i].Timestamp.Before(events[i+1].Timestamp) {
			t.Fatalf("expected newest-first ordering at index %d", i)
		}
	}
}

func TestCountEvidenceCyclesCountsDistinctAttempts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, attempt := range []int{1, 1, 2, 3} {
		if err := s.InsertEvidence(ctx, &Evidence{
			TaskID:   "t1",
			Attempt:  attempt,
			Verifier: "lint",
			Result:   "fail",
		}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CountEvidenceCycles(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 distinct attempts, got %d", n)
	}
}

func TestTrimEventsBeforeRemovesOnlyOlderEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	if _, err := s.AppendEvent(ctx, &model.Event{TaskID: "t1", Kind: model.EventClaimed, Timestamp: old}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEvent(ctx, &model.Event{TaskID: "t1", Kind: model.EventRunning, Timestamp: recent}); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	removed, err := s.TrimEventsBefore(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 event removed, got %d", removed)
	}

	remaining, err := s.QueryEvents(ctx, EventFilter{TaskID: "t1"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Kind != model.EventRunning {
		t.Fatalf("expected only the recent event to remain, got %+v", remaining)
	}
}
