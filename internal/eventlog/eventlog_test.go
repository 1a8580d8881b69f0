package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/store"
)

func TestThrottledRecordsReason(t *testing.T) {
	s := store.NewMemoryStore()
	log := New(s)
	ctx := context.Background()

	if err := log.Throttled(ctx, "openai", model.ReasonRateLimited); err != nil {
		t.Fatalf("Throttled: %v", err)
	}

	events, err := log.Since(ctx, model.EventThrottled, time.Time{}, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Data["reason"] != model.ReasonRateLimited {
		t.Fatalf("expected reason %q, got %v", model.ReasonRateLimited, events[0].Data["reason"])
	}
}

func TestForTaskFiltersByTaskID(t *testing.T) {
	s := store.NewMemoryStore()
	log := New(s)
	ctx := context.Background()

	if err := log.Queued(ctx, "item-1", "anthropic", model.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if err := log.Queued(ctx, "item-2", "anthropic", model.PriorityLow); err != nil {
		t.Fatal(err)
	}

	events, err := log.ForTask(ctx, "item-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event for item-1, got %d", len(events))
	}
}

func TestCountSinceCounts(t *testing.T) {
	s := store.NewMemoryStore()
	log := New(s)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		if err := log.QueueFull(ctx, "openai", model.PriorityMedium, 100); err != nil {
			t.Fatal(err)
		}
	}

	n, err := log.CountSince(ctx, model.EventQueueFull, past)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}
