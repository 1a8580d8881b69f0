// Package heartbeat runs the per-agent cooperative liveness loop: lease
// renewal, health-check probing, and missed-heartbeat detection. One
// supervised goroutine runs per active agent rather than a single "list
// all agents, compare to threshold" sweep, so each agent's renewal
// cadence is independent and Stop can drain exactly one agent's in-flight
// work.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beadforge/fleetctl/internal/eventlog"
	"github.com/beadforge/fleetctl/internal/store"
)

// Config holds the heartbeat/renewal/health-check periods, plus the lease
// TTL they renew against and the miss threshold that triggers
// HEARTBEAT_MISSED.
type Config struct {
	HeartbeatInterval    time.Duration
	LeaseRenewalInterval time.Duration
	HealthCheckInterval  time.Duration
	LeaseTTL             time.Duration
	MaxConsecutiveMisses int
}

// Manager supervises one goroutine set per agent.
type Manager struct {
	store  store.Store
	events *eventlog.Log
	config Config
	log    *zap.SugaredLogger

	mu     sync.Mutex
	agents map[string]*agentLoop
}

type agentLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Manager over s.
func New(s store.Store, config Config, log *zap.SugaredLogger) *Manager {
	if config.MaxConsecutiveMisses <= 0 {
		config.MaxConsecutiveMisses = 3
	}
	return &Manager{
		store:  s,
		events: eventlog.New(s),
		config: config,
		log:    log,
		agents: make(map[string]*agentLoop),
	}
}

// Start activates the three loops for agentID. Calling Start twice for
// the same agent is a no-op for the second call.
func (m *Manager) Start(parent context.Context, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.agents[agentID] = &agentLoop{cancel: cancel, done: done}

	go m.run(ctx, agentID, done)
}

// Stop drains in-flight renewals for agentID and releases every lease it
// owns.
func (m *Manager) Stop(ctx context.Context, agentID string) {
	m.mu.Lock()
	loop, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	loop.cancel()
	<-loop.done

	leases, err := m.store.ListLeasesByAgent(ctx, agentID)
	if err != nil {
		m.log.Warnw("heartbeat: list leases on stop failed", "agent_id", agentID, "error", err)
		return
	}
	for _, l := range leases {
		if err := m.store.ReleaseLease(ctx, l.TaskID); err != nil {
			m.log.Warnw("heartbeat: release lease on stop failed", "agent_id", agentID, "task_id", l.TaskID, "error", err)
		}
	}
}

func (m *Manager) run(ctx context.Context, agentID string, done chan struct{}) {
	defer close(done)

	hbTicker := time.NewTicker(m.config.HeartbeatInterval)
	renewTicker := time.NewTicker(m.config.LeaseRenewalInterval)
	healthTicker := time.NewTicker(m.config.HealthCheckInterval)
	defer hbTicker.Stop()
	defer renewTicker.Stop()
	defer healthTicker.Stop()

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-hbTicker.C:
			if err := m.events.AgentHealthCheck(ctx, agentID, true, m.activeLeaseCount(ctx, agentID)); err != nil {
				m.log.Warnw("heartbeat: liveness event failed", "agent_id", agentID, "error", err)
			}
		case <-renewTicker.C:
			consecutiveFailures = m.renewAll(ctx, agentID, consecutiveFailures)
		case <-healthTicker.C:
			if err := m.events.AgentHealthCheck(ctx, agentID, true, m.activeLeaseCount(ctx, agentID)); err != nil {
				m.log.Warnw("heartbeat: health check event failed", "agent_id", agentID, "error", err)
			}
		}
	}
}

func (m *Manager) activeLeaseCount(ctx context.Context, agentID string) int {
	leases, err := m.store.ListLeasesByAgent(ctx, agentID)
	if err != nil {
		return 0
	}
	return len(leases)
}

// renewAll renews every lease owned by agentID, returning the updated
// consecutive-failure count. Every failed renewal at or past
// MaxConsecutiveMisses in a row also emits HEARTBEAT_MISSED. Renewal
// does not stop there: every lease is retried on each later tick, and a
// lease that keeps failing expires and is picked up by ReclaimExpired.
func (m *Manager) renewAll(ctx context.Context, agentID string, consecutiveFailures int) int {
	leases, err := m.store.ListLeasesByAgent(ctx, agentID)
	if err != nil {
		m.log.Warnw("heartbeat: list leases for renewal failed", "agent_id", agentID, "error", err)
		return consecutiveFailures
	}

	failed := false
	for _, l := range leases {
		if err := m.store.RenewLease(ctx, l.TaskID, agentID, m.config.LeaseTTL, time.Now()); err != nil {
			failed = true
			consecutiveFailures++
			if evtErr := m.events.HeartbeatRenewFailure(ctx, l.TaskID, agentID, err.Error()); evtErr != nil {
				m.log.Warnw("heartbeat: renew-failure event failed", "agent_id", agentID, "error", evtErr)
			}
			if consecutiveFailures >= m.config.MaxConsecutiveMisses {
				if evtErr := m.events.HeartbeatMissed(ctx, l.TaskID, agentID, consecutiveFailures); evtErr != nil {
					m.log.Warnw("heartbeat: missed event failed", "agent_id", agentID, "error", evtErr)
				}
			}
		}
	}
	if !failed {
		return 0
	}
	return consecutiveFailures
}
