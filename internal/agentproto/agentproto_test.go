package agentproto

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/beadforge/fleetctl/internal/eventlog"
	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/scheduler"
	"github.com/beadforge/fleetctl/internal/store"
)

func TestClaimReturnsTaskAndExactlyOneClaimedEvent(t *testing.T) {
	s := store.NewMemoryStore()
	sched := scheduler.New(s, scheduler.Config{MaxRetries: 3})
	srv := New(sched, nil, nil, Config{LeaseTTL: time.Minute}, zap.NewNop().Sugar())

	ctx := context.Background()
	if err := s.InsertTask(ctx, &model.Task{ID: "t1", Priority: 1}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/agent/agent-1/claim", nil)
	rr := httptest.NewRecorder()
	srv.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp claimResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TaskID != "t1" {
		t.Fatalf("expected t1, got %+v", resp)
	}

	events := eventlog.New(s)
	claimed, err := events.ForTask(ctx, "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, e := range claimed {
		if e.Kind == model.EventClaimed {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one CLAIMED event, got %d", count)
	}
}

func TestClaimReturnsNoContentWhenNoTasks(t *testing.T) {
	s := store.NewMemoryStore()
	sched := scheduler.New(s, scheduler.Config{MaxRetries: 3})
	srv := New(sched, nil, nil, Config{LeaseTTL: time.Minute}, zap.NewNop().Sugar())

	req := httptest.NewRequest(http.MethodPost, "/agent/agent-1/claim", nil)
	rr := httptest.NewRecorder()
	srv.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestReportOutcomeSuccessCommitsTask(t *testing.T) {
	s := store.NewMemoryStore()
	sched := scheduler.New(s, scheduler.Config{MaxRetries: 3})
	srv := New(sched, nil, nil, Config{LeaseTTL: time.Minute}, zap.NewNop().Sugar())

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

	body, _ := json.Marshal(reportOutcomeRequest{Success: true, Evidence: map[string]interface{}{"ok": true}})
	req := httptest.NewRequest(http.MethodPost, "/agent/outcome/t1", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.State != model.TaskCommitted {
		t.Fatalf("expected COMMITTED, got %s", task.State)
	}
}
