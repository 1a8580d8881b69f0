package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/store"
)

func TestHubBroadcastsPublishedEvent(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 50 && hub.ClientCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client registered, got %d", hub.ClientCount())
	}

	hub.Publish(&model.Event{TaskID: "t1", Kind: model.EventClaimed})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received model.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read: %v", err)
	}
	if received.TaskID != "t1" || received.Kind != model.EventClaimed {
		t.Fatalf("unexpected event: %+v", received)
	}
}

func TestHubRejectsConnectionsAtCapacity(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer cancel()

	// Saturate the client map directly to avoid opening 200 real sockets.
	hub.mu.Lock()
	for i := 0; i < maxConnections; i++ {
		hub.clients[&websocket.Conn{}] = struct{}{}
	}
	hub.mu.Unlock()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed when hub is at capacity")
	}
}

func TestBuildSnapshotAggregatesStateAndErrors(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.InsertTask(ctx, &model.Task{ID: "t1", State: model.TaskReady}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertTask(ctx, &model.Task{ID: "t2", State: model.TaskDone}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEvent(ctx, &model.Event{TaskID: "t1", Kind: model.EventTaskError, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	snap, err := BuildSnapshot(ctx, s, 10)
	if err != nil {
		t.Fatal(err)
	}
	if snap.TasksByState[model.TaskReady] != 1 || snap.TasksByState[model.TaskDone] != 1 {
		t.Fatalf("unexpected task distribution: %+v", snap.TasksByState)
	}
	window := snap.ErrorsByKind[model.EventTaskError]
	if window.LastHour != 1 || window.Last24h != 1 {
		t.Fatalf("expected 1 error in both windows, got %+v", window)
	}
	if window.MostRecent.IsZero() {
		t.Fatal("expected MostRecent to be set")
	}

	raw, err := json.Marshal(snap)
	if err != nil || len(raw) == 0 {
		t.Fatalf("expected snapshot to marshal, err=%v", err)
	}
}
