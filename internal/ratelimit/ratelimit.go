// Package ratelimit implements a per-provider leaky bucket. It is
// hand-rolled rather than built on golang.org/x/time/rate: that limiter
// has no non-mutating peek and no downward-resize semantics, both
// required here (status() must not consume a token, and update_config()
// must be able to shrink capacity and truncate the current level).
// golang.org/x/time/rate is still used elsewhere in this module — see
// internal/agentproto's per-agent claim throttle — so the dependency
// isn't carried for nothing, it just isn't the right tool for this one
// component.
package ratelimit

import (
	"sync"
	"time"
)

// Outcome is the result of a single try_consume call.
type Outcome struct {
	Allowed bool
	WaitMS  float64
	Level   float64
}

// Status is a non-mutating snapshot of a bucket.
type Status struct {
	Level      float64
	Capacity   float64
	RefillRate float64
}

// Utilization returns level/capacity, the fraction of tokens still
// available. The Backpressure Manager's RATE_LIMIT_APPROACHING check
// compares 1 minus this figure (the consumed fraction) against 40%.
func (s Status) Utilization() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return s.Level / s.Capacity
}

type bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	level      float64
	lastRefill time.Time
}

func (b *bucket) refillLocked(now time.Time) {
	if now.After(b.lastRefill) {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.level += elapsed * b.refillRate
		if b.level > b.capacity {
			b.level = b.capacity
		}
		b.lastRefill = now
	}
}

// Limiter holds one leaky bucket per provider.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New builds an empty Limiter; buckets are created lazily on first use
// via Configure or TryConsume.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Configure sets (or resets) a provider's capacity and refill rate. A
// downward capacity resize truncates the bucket's current level to the
// new capacity.
func (l *Limiter) Configure(provider string, capacity, refillRate float64) {
	l.mu.Lock()
	b, ok := l.buckets[provider]
	if !ok {
		b = &bucket{capacity: capacity, refillRate: refillRate, level: capacity, lastRefill: time.Now()}
		l.buckets[provider] = b
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	b.refillRate = refillRate
	if b.level > capacity {
		b.level = capacity
	}
}

func (l *Limiter) bucketFor(provider string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[provider]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[provider]; ok {
		return b
	}
	b = &bucket{capacity: 1, refillRate: 1, level: 1, lastRefill: time.Now()}
	l.buckets[provider] = b
	return b
}

// TryConsume attempts to take one token from provider's bucket.
func (l *Limiter) TryConsume(provider string, now time.Time) Outcome {
	b := l.bucketFor(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if b.level >= 1 {
		b.level -= 1
		return Outcome{Allowed: true, Level: b.level}
	}

	waitMS := (1 - b.level) / b.refillRate * 1000
	return Outcome{Allowed: false, WaitMS: waitMS, Level: b.level}
}

// Status peeks at provider's bucket without mutating it, refilling the
// returned snapshot against `now` but not persisting that refill.
func (l *Limiter) Status(provider string, now time.Time) Status {
	b := l.bucketFor(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	level := b.level
	if now.After(b.lastRefill) {
		level += now.Sub(b.lastRefill).Seconds() * b.refillRate
		if level > b.capacity {
			level = b.capacity
		}
	}
	return Status{Level: level, Capacity: b.capacity, RefillRate: b.refillRate}
}

// BatchOutcome is one provider's result within a TryConsumeBatch call.
type BatchOutcome struct {
	Provider string
	Outcome  Outcome
}

// TryConsumeBatch consumes one token from each of providers in a single
// cycle. If any provider in the batch would be rejected, the whole batch
// is rejected as a group and no provider is charged.
func (l *Limiter) TryConsumeBatch(providers []string, now time.Time) []BatchOutcome {
	bucketsInOrder := make([]*bucket, len(providers))
	for i, p := range providers {
		bucketsInOrder[i] = l.bucketFor(p)
	}

	// Lock every distinct bucket before touching any of them so the
	// group charge is atomic across providers.
	locked := make(map[*bucket]bool, len(bucketsInOrder))
	for _, b := range bucketsInOrder {
		if !locked[b] {
			b.mu.Lock()
			locked[b] = true
		}
	}
	defer func() {
		for b := range locked {
			b.mu.Unlock()
		}
	}()

	ok := true
	for _, b := range bucketsInOrder {
		b.refillLocked(now)
		if b.level < 1 {
			ok = false
		}
	}

	out := make([]BatchOutcome, len(providers))
	if !ok {
		for i, p := range providers {
			b := bucketsInOrder[i]
			waitMS := (1 - b.level) / b.refillRate * 1000
			out[i] = BatchOutcome{Provider: p, Outcome: Outcome{Allowed: false, WaitMS: waitMS, Level: b.level}}
		}
		return out
	}

	for i, p := range providers {
		b := bucketsInOrder[i]
		b.level -= 1
		out[i] = BatchOutcome{Provider: p, Outcome: Outcome{Allowed: true, Level: b.level}}
	}
	return out
}
