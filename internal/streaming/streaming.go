// Package streaming implements the CLI's live event stream: a WebSocket
// hub broadcasting every Event handed to Hub.Publish to connected clients
// (events appended to the store are not published automatically), plus a
// periodic snapshot of {tasks grouped by state, recent events, error
// aggregation by kind}. Built as a single broadcaster goroutine
// (register/unregister channels, a connection cap); each connection runs
// its own ping ticker and read deadline for ping/pong dead-connection
// detection, so a stalled client's socket gets reaped.
package streaming

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/store"
)

const (
	maxConnections = 200
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub broadcasts events to every connected client from a single
// goroutine, avoiding one ticker/writer per connection.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan *model.Event
	log        *zap.SugaredLogger

	mu sync.RWMutex
}

// NewHub builds an idle Hub; call Run to start its broadcast loop.
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan *model.Event, 256),
		log:        log,
	}
}

// Run is the hub's single owning goroutine; cancel ctx to shut it down.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				_ = conn.Close()
				h.log.Warnw("streaming: connection rejected, at capacity", "max", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			h.mu.Unlock()
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Publish enqueues an event for broadcast. Non-blocking: a full buffer
// drops the event rather than stalling the caller, since event emission
// must never re-enter or block the submit pipeline.
func (h *Hub) Publish(ev *model.Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warnw("streaming: broadcast buffer full, dropping event", "kind", ev.Kind)
	}
}

func (h *Hub) broadcast(ev *model.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Warnw("streaming: write failed, dropping client", "error", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a client connection, rejecting it if the hub is at
// capacity.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request to a WebSocket and pumps it until the
// client disconnects, per api_stream.go's ping/pong dead-connection
// detection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("streaming: upgrade failed", "error", err)
		return
	}
	h.Register(conn)
	defer h.Unregister(conn)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Snapshot is the periodic non-streaming alternative the CLI can poll:
// tasks grouped by state, recent events, and error aggregation.
type Snapshot struct {
	TasksByState map[model.TaskState]int        `json:"tasks_by_state"`
	RecentEvents []*model.Event                 `json:"recent_events"`
	ErrorsByKind map[model.EventKind]ErrorWindow `json:"errors_by_kind"`
}

// ErrorWindow counts a kind's occurrences in the last hour and 24h, plus
// its most recent timestamp.
type ErrorWindow struct {
	LastHour  int       `json:"last_hour"`
	Last24h   int       `json:"last_24h"`
	MostRecent time.Time `json:"most_recent"`
}

var errorKinds = []model.EventKind{
	model.EventTaskError,
	model.EventDropped,
	model.EventHeartbeatMissed,
	model.EventHeartbeatRenewFailure,
}

// BuildSnapshot queries s for the current state distribution, the most
// recent events, and hourly/24h error aggregation by kind.
func BuildSnapshot(ctx context.Context, s store.Store, recentLimit int) (Snapshot, error) {
	snap := Snapshot{
		TasksByState: make(map[model.TaskState]int),
		ErrorsByKind: make(map[model.EventKind]ErrorWindow),
	}

	for _, state := range []model.TaskState{
		model.TaskReady, model.TaskLeased, model.TaskRunning,
		model.TaskVerifying, model.TaskCommitted, model.TaskDone,
		model.TaskError, model.TaskBlocked,
	} {
		tasks, err := s.ListTasksByState(ctx, state, 0)
		if err != nil {
			return Snapshot{}, err
		}
		snap.TasksByState[state] = len(tasks)
	}

	recent, err := s.QueryEvents(ctx, store.EventFilter{}, recentLimit)
	if err != nil {
		return Snapshot{}, err
	}
	snap.RecentEvents = recent

	now := time.Now()
	for _, kind := range errorKinds {
		hourCount, err := s.CountEventsByKind(ctx, kind, now.Add(-time.Hour))
		if err != nil {
			return Snapshot{}, err
		}
		dayCount, err := s.CountEventsByKind(ctx, kind, now.Add(-24*time.Hour))
		if err != nil {
			return Snapshot{}, err
		}
		var mostRecent time.Time
		events, err := s.QueryEvents(ctx, store.EventFilter{Kind: kind}, 1)
		if err == nil && len(events) > 0 {
			mostRecent = events[0].Timestamp
		}
		snap.ErrorsByKind[kind] = ErrorWindow{LastHour: hourCount, Last24h: dayCount, MostRecent: mostRecent}
	}

	return snap, nil
}
