package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyPhase is the two-phase state of a deduplicated Agent Protocol
// call, covering reportOutcome retries that must be safe to replay
// without double-executing.
type IdempotencyPhase string

const (
	PhaseLocked IdempotencyPhase = "LOCKED"
	PhaseResult IdempotencyPhase = "RESULT"
)

// IdempotencyRecord is the cached outcome of a prior call keyed by the
// caller-supplied idempotency key.
type IdempotencyRecord struct {
	Phase     IdempotencyPhase `json:"phase"`
	Body      []byte           `json:"body,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

const (
	lockTTL   = 2 * time.Minute
	resultTTL = 24 * time.Hour
)

// IdempotencyStore deduplicates retried Agent Protocol calls in Redis: the
// first caller to see a key locks it, executes, and stores the result;
// every retry sees either the lock (and gets PhaseLocked back at once) or
// the stored result.
type IdempotencyStore struct {
	client *redis.Client
}

// NewIdempotencyStore connects to Redis at addr.
func NewIdempotencyStore(addr string) (*IdempotencyStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &IdempotencyStore{client: client}, nil
}

func (s *IdempotencyStore) Close() error {
	return s.client.Close()
}

func resultKey(key string) string { return "idempotency:result:" + key }
func lockKey(key string) string   { return "idempotency:lock:" + key }

// Get returns the cached record for key, or nil if neither a lock nor a
// result is present.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, resultKey(key)).Bytes()
	if err == nil {
		var rec IdempotencyRecord
		if jerr := json.Unmarshal(data, &rec); jerr != nil {
			return nil, jerr
		}
		return &rec, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ok, err := s.client.Exists(ctx, lockKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if ok == 0 {
		return nil, nil
	}
	return &IdempotencyRecord{Phase: PhaseLocked, CreatedAt: time.Now()}, nil
}

// Lock claims key for exclusive execution. Returns false if another caller
// already holds it.
func (s *IdempotencyStore) Lock(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, lockKey(key), "1", lockTTL).Result()
}

// Complete stores the execution result and releases the lock.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, body []byte) error {
	rec := IdempotencyRecord{Phase: PhaseResult, Body: body, CreatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, resultKey(key), data, resultTTL)
	pipe.Del(ctx, lockKey(key))
	_, err = pipe.Exec(ctx)
	return err
}

// Abort releases the lock without storing a result, letting the next
// retry attempt the call again.
func (s *IdempotencyStore) Abort(ctx context.Context, key string) error {
	return s.client.Del(ctx, lockKey(key)).Err()
}

// Execute runs the two-phase pattern: check for a cached result, lock,
// run fn, and cache the outcome. A caller that sees PhaseLocked should
// retry after a short backoff rather than call Execute again immediately.
func (s *IdempotencyStore) Execute(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) (*IdempotencyRecord, error) {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	acquired, err := s.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &IdempotencyRecord{Phase: PhaseLocked, CreatedAt: time.Now()}, nil
	}

	body, err := fn(ctx)
	if err != nil {
		_ = s.Abort(ctx, key)
		return nil, err
	}
	if err := s.Complete(ctx, key, body); err != nil {
		return nil, err
	}
	return &IdempotencyRecord{Phase: PhaseResult, Body: body, CreatedAt: time.Now()}, nil
}
