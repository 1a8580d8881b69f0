package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beadforge/fleetctl/internal/model"
)

// MemoryStore is an in-memory Store implementation built on a
// map-of-copies pattern: every getter returns a copy so callers can't
// mutate state behind the store's back. It is used for tests and for the
// CLI-snapshot/development path; it is not durable across process
// restarts (that is the Postgres backend's job).
//
// All mutation goes through a single mutex: readers take RLock, the one
// writer path (reserve, transition, lease ops, reclaim) takes Lock.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*model.Task
	leases    map[string]*model.Lease
	events    []*model.Event
	nextEvent int64
	evidence  []*Evidence
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*model.Task),
		leases: make(map[string]*model.Lease),
		events: make([]*model.Event, 0),
	}
}

func (s *MemoryStore) InsertTask(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.State == "" {
		task.State = model.TaskReady
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.UpdatedAt = task.CreatedAt
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &ErrNotFound{Resource: "task", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasksByState(ctx context.Context, state model.TaskState, limit int) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Task
	for _, t := range s.tasks {
		if t.State == state {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reserve implements the atomic pick-lease-claim triad.
func (s *MemoryStore) Reserve(ctx context.Context, agentID string, ttl time.Duration, now time.Time) (*model.Task, *model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.Task
	for _, t := range s.tasks {
		if t.State != model.TaskReady {
			continue
		}
		if best == nil || betterCandidate(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil, nil
	}

	best.Attempts++
	best.State = model.TaskLeased
	best.UpdatedAt = now

	lease := &model.Lease{
		TaskID:         best.ID,
		AgentID:        agentID,
		LeaseExpiresAt: now.Add(ttl),
		Attempt:        best.Attempts,
	}
	s.leases[best.ID] = lease

	s.appendEventLocked(&model.Event{
		TaskID:    best.ID,
		Timestamp: now,
		Kind:      model.EventClaimed,
		Severity:  model.SeverityInfo,
		Data: map[string]interface{}{
			"agent_id": agentID,
			"attempt":  best.Attempts,
		},
	})

	taskCp := *best
	leaseCp := *lease
	return &taskCp, &leaseCp, nil
}

// betterCandidate reports whether candidate beats current under the
// tie-break rule: higher priority, then earlier created_at, then
// lexicographic id.
func betterCandidate(candidate, current *model.Task) bool {
	if candidate.Priority != current.Priority {
		return candidate.Priority > current.Priority
	}
	if !candidate.CreatedAt.Equal(current.CreatedAt) {
		return candidate.CreatedAt.Before(current.CreatedAt)
	}
	return candidate.ID < current.ID
}

func (s *MemoryStore) Transition(ctx context.Context, taskID string, from, to model.TaskState, kind model.EventKind, severity model.Severity, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return &ErrNotFound{Resource: "task", ID: taskID}
	}
	if t.State != from {
		return &ErrInvariantViolation{TaskID: taskID, From: t.State, To: to, Reason: "task not in expected state " + string(from)}
	}

	t.State = to
	t.UpdatedAt = time.Now()

	if to == model.TaskDone || to == model.TaskReady || to == model.TaskError {
		// Terminal or requeue: drop any lease row.
		delete(s.leases, taskID)
	}

	s.appendEventLocked(&model.Event{
		TaskID:    taskID,
		Timestamp: t.UpdatedAt,
		Kind:      kind,
		Severity:  severity,
		Data:      data,
	})
	return nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, taskID, agentID string, ttl time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[taskID]
	if !ok || l.AgentID != agentID {
		return &ErrNotFound{Resource: "lease", ID: taskID}
	}
	l.LeaseExpiresAt = now.Add(ttl)
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, taskID)
	return nil
}

func (s *MemoryStore) GetLease(ctx context.Context, taskID string) (*model.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[taskID]
	if !ok {
		return nil, &ErrNotFound{Resource: "lease", ID: taskID}
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListLeasesByAgent(ctx context.Context, agentID string) ([]*model.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Lease
	for _, l := range s.leases {
		if l.AgentID == agentID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ReclaimExpired implements the lease_expired transition and is
// idempotent: once a lease is gone, a repeated call at the same `now`
// finds nothing more to do.
func (s *MemoryStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for taskID, l := range s.leases {
		if !l.LeaseExpiresAt.Before(now) {
			continue
		}
		t, ok := s.tasks[taskID]
		if !ok {
			delete(s.leases, taskID)
			continue
		}
		if t.State != model.TaskLeased && t.State != model.TaskRunning && t.State != model.TaskVerifying {
			delete(s.leases, taskID)
			continue
		}

		t.State = model.TaskReady
		t.UpdatedAt = now
		delete(s.leases, taskID)

		s.appendEventLocked(&model.Event{
			TaskID:    taskID,
			Timestamp: now,
			Kind:      model.EventLeaseExpired,
			Severity:  model.SeverityWarning,
			Data: map[string]interface{}{
				"agent_id":    l.AgentID,
				"expiry_time": l.LeaseExpiresAt,
			},
		})
		count++
	}
	return count, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEventLocked(evt), nil
}

func (s *MemoryStore) appendEventLocked(evt *model.Event) int64 {
	s.nextEvent++
	evt.ID = s.nextEvent
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.TaskID == "" {
		evt.TaskID = model.SystemTaskID
	}
	cp := *evt
	s.events = append(s.events, &cp)
	return evt.ID
}

func (s *MemoryStore) QueryEvents(ctx context.Context, filter EventFilter, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !e.Timestamp.Before(filter.Until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountEventsByKind(ctx context.Context, kind model.EventKind, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.events {
		if e.Kind == kind && !e.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountEventsBetween(ctx context.Context, kind model.EventKind, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.events {
		if e.Kind == kind && !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) TrimEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	removed := 0
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

func (s *MemoryStore) InsertEvidence(ctx context.Context, ev *Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	cp := *ev
	s.evidence = append(s.evidence, &cp)
	return nil
}

func (s *MemoryStore) CountEvidenceCycles(ctx context.Context, taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := make(map[int]struct{})
	for _, e := range s.evidence {
		if e.TaskID == taskID {
			attempts[e.Attempt] = struct{}{}
		}
	}
	return len(attempts), nil
}
