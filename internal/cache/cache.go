// Package cache implements a severity-indexed TTL cache: a keyed store
// where each entry carries a CachePriority and a TTL, plus a
// critical-event-driven bulk invalidation rule that evicts by priority
// rather than by key.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/beadforge/fleetctl/internal/model"
)

// criticalKinds is the event-kind set that triggers
// InvalidateOnCriticalChange's bulk eviction.
var criticalKinds = map[model.EventKind]bool{
	model.EventProviderHealthDegrading:  true,
	model.EventProviderHealthRecovering: true,
	model.EventQueueUtilizationSpike:    true,
	model.EventRateLimitApproaching:     true,
	model.EventPredictiveHealthAlert:    true,
	model.EventDropped:                  true,
	model.EventQueueFull:                true,
}

const mediumMaxAge = 30 * time.Second

// shardCount is the number of independent lock domains the key space is
// split across. Sized for the 10,000-entry ballpark this cache targets:
// enough shards that Set/Get contention is rare without each shard's map
// being so small that InvalidateOnCriticalChange's per-shard pass adds
// much overhead.
const shardCount = 32

// Entry is one cached value with its priority and expiry.
type Entry struct {
	Value     interface{}
	Priority  model.CachePriority
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// halfLife reports whether an entry has passed 50% of its TTL, making it a
// background-refresh candidate.
func (e *Entry) halfLife(now time.Time) bool {
	total := e.ExpiresAt.Sub(e.CreatedAt)
	if total <= 0 {
		return true
	}
	return now.Sub(e.CreatedAt) >= total/2
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Cache is a keyed store of Entry, sharded by key hash so unrelated keys
// never contend on the same lock.
type Cache struct {
	shards [shardCount]*shard
}

// New builds an empty Cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Set stores value under key with the given priority and TTL.
func (c *Cache) Set(key string, value interface{}, priority model.CachePriority, ttl time.Duration, now time.Time) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &Entry{
		Value:     value,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Get returns the cached value for key, or (nil, false) if absent or past
// its TTL. An expired entry is evicted on read.
func (c *Cache) Get(key string, now time.Time) (interface{}, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(s.entries, key)
		return nil, false
	}
	return e.Value, true
}

// Delete removes key unconditionally.
func (c *Cache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len reports the current entry count, including not-yet-swept expired
// entries.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// InvalidateOnCriticalChange runs the invalidation rule: a critical-set
// event kind drops every critical/high entry, drops medium entries older
// than 30s, and leaves low entries untouched. Any other event kind is a
// no-op. Each shard takes its own lock in turn rather than one pass
// holding a single lock for the whole cache.
func (c *Cache) InvalidateOnCriticalChange(kind model.EventKind, now time.Time) {
	if !criticalKinds[kind] {
		return
	}

	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			switch e.Priority {
			case model.CacheCritical, model.CacheHigh:
				delete(s.entries, key)
			case model.CacheMedium:
				if now.Sub(e.CreatedAt) > mediumMaxAge {
					delete(s.entries, key)
				}
			case model.CacheLow:
				// left alone
			}
		}
		s.mu.Unlock()
	}
}

// RefreshCandidates returns the keys of every entry past 50% of its TTL,
// for a caller-supplied background refresher to re-populate. The cache
// itself never fetches fresh values; it only signals which keys are stale
// enough to be worth refreshing.
func (c *Cache) RefreshCandidates(now time.Time) []string {
	var keys []string
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.expired(now) {
				continue
			}
			if e.halfLife(now) {
				keys = append(keys, key)
			}
		}
		s.mu.Unlock()
	}
	return keys
}

// Sweep evicts every expired entry, independent of invalidation events.
// Intended to run off the same maintenance ticker as RefreshCandidates.
func (c *Cache) Sweep(now time.Time) int {
	evicted := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}
