package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testConfig(t *testing.T, url string) *Config {
	t.Helper()
	return &Config{
		AgentID:        "agent-1",
		CoordinatorURL: url,
		RequestTimeout: 2 * time.Second,
	}
}

func TestClaimNextTaskReturnsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(claimedTask{TaskID: "t1", Provider: "openai", Priority: 3})
	}))
	defer srv.Close()

	c := newClient(testConfig(t, srv.URL))
	task, err := c.claimNextTask()
	if err != nil {
		t.Fatalf("claimNextTask: %v", err)
	}
	if task.TaskID != "t1" {
		t.Fatalf("expected t1, got %s", task.TaskID)
	}
}

func TestClaimNextTaskReturnsErrNoTaskOn204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newClient(testConfig(t, srv.URL))
	_, err := c.claimNextTask()
	if err != ErrNoTask {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}
}

func TestReportOutcomeSetsIdempotencyKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(testConfig(t, srv.URL))
	if err := c.reportOutcome("t1", outcomeRequest{Success: true}); err != nil {
		t.Fatalf("reportOutcome: %v", err)
	}
	if gotKey == "" {
		t.Fatal("expected a non-empty Idempotency-Key header")
	}
}

func TestReportOutcomeConflictIsSurfacedAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := newClient(testConfig(t, srv.URL))
	if err := c.reportOutcome("t1", outcomeRequest{Success: true}); err == nil {
		t.Fatal("expected an error on 409 conflict")
	}
}
