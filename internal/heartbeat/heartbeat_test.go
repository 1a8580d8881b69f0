package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/beadforge/fleetctl/internal/logging"
	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/store"
)

func TestStartRenewsLeasesThenStopReleasesThem(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.InsertTask(ctx, &model.Task{ID: "t1", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Reserve(ctx, "agent-1", 50*time.Millisecond, time.Now()); err != nil {
		t.Fatal(err)
	}

	mgr := New(s, Config{
		HeartbeatInterval:    10 * time.Millisecond,
		LeaseRenewalInterval: 10 * time.Millisecond,
		HealthCheckInterval:  10 * time.Millisecond,
		LeaseTTL:             50 * time.Millisecond,
		MaxConsecutiveMisses: 3,
	}, logging.NewNop())

	mgr.Start(ctx, "agent-1")
	time.Sleep(60 * time.Millisecond)

	lease, err := s.GetLease(ctx, "t1")
	if err != nil {
		t.Fatalf("expected lease still present after renewal, got error: %v", err)
	}
	if !lease.LeaseExpiresAt.After(time.Now()) {
		t.Fatalf("expected lease to have been renewed into the future")
	}

	mgr.Stop(ctx, "agent-1")

	if _, err := s.GetLease(ctx, "t1"); err == nil {
		t.Fatal("expected lease to be released on Stop")
	}
}

func TestStartIsIdempotentPerAgent(t *testing.T) {
	s := store.NewMemoryStore()
	mgr := New(s, Config{
		HeartbeatInterval:    time.Hour,
		LeaseRenewalInterval: time.Hour,
		HealthCheckInterval:  time.Hour,
		LeaseTTL:             time.Hour,
	}, logging.NewNop())

	ctx := context.Background()
	mgr.Start(ctx, "agent-1")
	mgr.Start(ctx, "agent-1")

	mgr.mu.Lock()
	count := len(mgr.agents)
	mgr.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one tracked loop, got %d", count)
	}

	mgr.Stop(ctx, "agent-1")
}
