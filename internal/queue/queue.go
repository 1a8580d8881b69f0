// Package queue implements the three-tier (high/medium/low) FIFO
// admission queue used by the backpressure pipeline's DEFER decisions:
// three independent per-provider FIFO tiers with fixed depth caps and a
// medium-to-low demotion rule when the medium tier is full.
package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/beadforge/fleetctl/internal/eventlog"
	"github.com/beadforge/fleetctl/internal/model"
)

const (
	defaultEstimatedDurationMS = 5000
	jitterMS                   = 500
)

// tierShard holds one priority tier's items for one provider behind its
// own lock, so traffic on unrelated providers or tiers never contends.
type tierShard struct {
	mu    sync.Mutex
	items []*model.QueueItem
}

type providerTiers struct {
	high   *tierShard
	medium *tierShard
	low    *tierShard
}

func newProviderTiers() *providerTiers {
	return &providerTiers{high: &tierShard{}, medium: &tierShard{}, low: &tierShard{}}
}

func (t *providerTiers) shard(p model.Priority) *tierShard {
	switch p {
	case model.PriorityHigh:
		return t.high
	case model.PriorityMedium:
		return t.medium
	default:
		return t.low
	}
}

var priorityOrder = []model.Priority{model.PriorityHigh, model.PriorityMedium, model.PriorityLow}

// Manager holds one FIFO deque per priority tier, per provider. The
// provider map itself is guarded by mu (only touched on first sight of a
// new provider); each tier's contents are guarded independently by that
// tier's own tierShard.mu, and the shared per-priority depth caps by
// capMu, so two providers (or two tiers of the same provider) never wait
// on each other's lock.
type Manager struct {
	mu     sync.RWMutex
	events *eventlog.Log
	tiers  map[string]*providerTiers

	capMu    sync.Mutex
	capacity map[model.Priority]int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a Manager with the given per-tier depth caps.
func New(events *eventlog.Log, highCap, mediumCap, lowCap int) *Manager {
	return &Manager{
		events: events,
		capacity: map[model.Priority]int{
			model.PriorityHigh:   highCap,
			model.PriorityMedium: mediumCap,
			model.PriorityLow:    lowCap,
		},
		tiers: make(map[string]*providerTiers),
		rng:   rand.New(rand.NewSource(1)),
	}
}

func (m *Manager) tiersFor(provider string) *providerTiers {
	m.mu.RLock()
	pt, ok := m.tiers[provider]
	m.mu.RUnlock()
	if ok {
		return pt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if pt, ok = m.tiers[provider]; ok {
		return pt
	}
	pt = newProviderTiers()
	m.tiers[provider] = pt
	return pt
}

func (m *Manager) capacityFor(priority model.Priority) int {
	m.capMu.Lock()
	defer m.capMu.Unlock()
	return m.capacity[priority]
}

// EnqueueResult reports what Enqueue actually did, since a medium item
// can silently become a low item.
type EnqueueResult struct {
	Accepted       bool
	DemotedToLow   bool
	FinalPriority  model.Priority
	RejectedReason string
}

// Enqueue appends item to its priority tier for item.Provider. If that
// tier is full and the item is medium priority, it demotes to low when
// low has space; otherwise it is dropped.
func (m *Manager) Enqueue(item *model.QueueItem) EnqueueResult {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	pt := m.tiersFor(item.Provider)

	target := pt.shard(item.Priority)
	target.mu.Lock()
	if len(target.items) < m.capacityFor(item.Priority) {
		target.items = append(target.items, item)
		target.mu.Unlock()
		m.emitQueued(item, item.Priority)
		return EnqueueResult{Accepted: true, FinalPriority: item.Priority}
	}
	target.mu.Unlock()

	if item.Priority == model.PriorityMedium {
		low := pt.shard(model.PriorityLow)
		low.mu.Lock()
		if len(low.items) < m.capacityFor(model.PriorityLow) {
			low.items = append(low.items, item)
			low.mu.Unlock()
			m.emitDeferred(item)
			return EnqueueResult{Accepted: true, DemotedToLow: true, FinalPriority: model.PriorityLow}
		}
		low.mu.Unlock()
	}

	m.emitDropped(item)
	return EnqueueResult{Accepted: false, RejectedReason: model.ReasonQueueFull}
}

func (m *Manager) emitQueued(item *model.QueueItem, priority model.Priority) {
	if m.events == nil {
		return
	}
	_ = m.events.Queued(context.Background(), item.ID, item.Provider, priority)
}

func (m *Manager) emitDeferred(item *model.QueueItem) {
	if m.events == nil {
		return
	}
	_ = m.events.Deferred(context.Background(), item.ID, model.PriorityMedium, model.PriorityLow)
}

func (m *Manager) emitDropped(item *model.QueueItem) {
	if m.events == nil {
		return
	}
	_ = m.events.Dropped(context.Background(), item.ID, model.ReasonQueueFull)
}

// Dequeue scans high -> medium -> low and pops the head of the first
// non-empty tier, per-provider. Returns (nil, "", false) if every tier
// for that provider is empty.
func (m *Manager) Dequeue(provider string) (*model.QueueItem, model.Priority, bool) {
	pt := m.tiersFor(provider)
	for _, p := range priorityOrder {
		shard := pt.shard(p)
		shard.mu.Lock()
		if len(shard.items) == 0 {
			shard.mu.Unlock()
			continue
		}
		head := shard.items[0]
		shard.items = shard.items[1:]
		shard.mu.Unlock()
		if m.events != nil {
			_ = m.events.Allowed(context.Background(), provider, p)
		}
		return head, p, true
	}
	return nil, "", false
}

// WaitTime estimates queueing delay for a priority tier as the sum of the
// first N items' estimated_duration (falling back to 5000ms per item if
// unset) plus jitter of +-500ms.
func (m *Manager) WaitTime(provider string, priority model.Priority, n int) time.Duration {
	pt := m.tiersFor(provider)
	shard := pt.shard(priority)

	shard.mu.Lock()
	if n > len(shard.items) {
		n = len(shard.items)
	}
	var totalMS int64
	for i := 0; i < n; i++ {
		d := shard.items[i].EstimatedDurationMS
		if d <= 0 {
			d = defaultEstimatedDurationMS
		}
		totalMS += d
	}
	shard.mu.Unlock()

	m.rngMu.Lock()
	jitter := int64(m.rng.Intn(2*jitterMS+1) - jitterMS)
	m.rngMu.Unlock()

	totalMS += jitter
	if totalMS < 0 {
		totalMS = 0
	}
	return time.Duration(totalMS) * time.Millisecond
}

// Remove deletes the item with the given id from any tier of provider.
func (m *Manager) Remove(provider, id string) bool {
	pt := m.tiersFor(provider)
	for _, p := range priorityOrder {
		shard := pt.shard(p)
		shard.mu.Lock()
		for i, item := range shard.items {
			if item.ID == id {
				shard.items = append(shard.items[:i], shard.items[i+1:]...)
				shard.mu.Unlock()
				return true
			}
		}
		shard.mu.Unlock()
	}
	return false
}

// Clear empties every tier for provider.
func (m *Manager) Clear(provider string) {
	pt := m.tiersFor(provider)
	for _, p := range priorityOrder {
		shard := pt.shard(p)
		shard.mu.Lock()
		shard.items = nil
		shard.mu.Unlock()
	}
}

// SetCapacity mutates the depth cap for a priority tier, global across
// providers, and emits LIMIT_CONFIG_CHANGED.
func (m *Manager) SetCapacity(priority model.Priority, n int) {
	m.capMu.Lock()
	old := m.capacity[priority]
	m.capacity[priority] = n
	m.capMu.Unlock()

	if m.events != nil {
		_ = m.events.LimitConfigChanged(context.Background(), "queue", "capacity:"+string(priority), old, n)
	}
}

// Depth returns the current item count for a priority tier of provider.
func (m *Manager) Depth(provider string, priority model.Priority) int {
	shard := m.tiersFor(provider).shard(priority)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return len(shard.items)
}

// TotalDepth returns the summed depth across all tiers for provider.
func (m *Manager) TotalDepth(provider string) int {
	pt := m.tiersFor(provider)
	total := 0
	for _, p := range priorityOrder {
		shard := pt.shard(p)
		shard.mu.Lock()
		total += len(shard.items)
		shard.mu.Unlock()
	}
	return total
}

// Utilization returns a tier's depth as a fraction of its capacity.
func (m *Manager) Utilization(provider string, priority model.Priority) float64 {
	cap := m.capacityFor(priority)
	if cap == 0 {
		return 0
	}
	return float64(m.Depth(provider, priority)) / float64(cap)
}

// TotalUtilization returns the summed depth across tiers as a fraction of
// the summed capacity for provider.
func (m *Manager) TotalUtilization(provider string) float64 {
	m.capMu.Lock()
	totalCap := m.capacity[model.PriorityHigh] + m.capacity[model.PriorityMedium] + m.capacity[model.PriorityLow]
	m.capMu.Unlock()
	if totalCap == 0 {
		return 0
	}
	return float64(m.TotalDepth(provider)) / float64(totalCap)
}
