// Package ratelimit implements fixed-window request limiting. Windows
// are keyed rl:{bucket}:{windowStart}:{ident}; the store backend is
// either process-local memory or Redis when several API processes
// share traffic.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Info describes the window the decision was made in. It is returned
// on both allowed and rejected requests so clients can back off.
type Info struct {
	Limit         int   `json:"limit"`
	WindowSeconds int   `json:"window_seconds"`
	Remaining     int   `json:"remaining"`
	ResetIn       int64 `json:"reset_in"`
}

// Store counts hits per window key.
type Store interface {
	// Incr increments the counter for key and returns the new value.
	// The key expires ttl after its first increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Limiter struct {
	store  Store
	window time.Duration
}

func New(store Store, window time.Duration) *Limiter {
	return &Limiter{store: store, window: window}
}

// Allow records one hit for ident in bucket and reports whether it is
// within limit. The counter increments even on rejection; rejected
// requests must not mutate any other state.
func (l *Limiter) Allow(ctx context.Context, bucket, ident string, limit int) (bool, *Info, error) {
	now := time.Now()
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf("rl:%s:%d:%s", bucket, windowStart.Unix(), ident)

	n, err := l.store.Incr(ctx, key, l.window+time.Second)
	if err != nil {
		return false, nil, fmt.Errorf("rate limit store: %w", err)
	}

	remaining := limit - int(n)
	if remaining < 0 {
		remaining = 0
	}

	info := &Info{
		Limit:         limit,
		WindowSeconds: int(l.window.Seconds()),
		Remaining:     remaining,
		ResetIn:       int64(windowStart.Add(l.window).Sub(now).Seconds()) + 1,
	}

	return n <= int64(limit), info, nil
}

// MemoryStore is the single-process fallback.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]*memEntry
	lastGC time.Time
}

type memEntry struct {
	n       int64
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]*memEntry), lastGC: time.Now()}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastGC) > time.Minute {
		for k, e := range s.counts {
			if now.After(e.expires) {
				delete(s.counts, k)
			}
		}
		s.lastGC = now
	}

	e, ok := s.counts[key]
	if !ok || now.After(e.expires) {
		e = &memEntry{expires: now.Add(ttl)}
		s.counts[key] = e
	}
	e.n++
	return e.n, nil
}

// RedisStore shares windows across processes.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
