// Package ratelimit throttles API requests per client using fixed
// counting windows. The in-memory store suits Autarch's single-process
// deployment; the Store interface leaves room for a shared backend.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autarch-dev/autarch/pkg/config"
)

// Result reports the outcome of a limit check.
type Result struct {
	// Allowed is false when the request exceeds the limit.
	Allowed bool

	// Limit is the configured request budget per window.
	Limit int

	// Remaining requests in the current window. Zero when denied.
	Remaining int

	// ResetAt is when the current window ends.
	ResetAt time.Time
}

// RetryAfter returns how long a denied client should wait.
func (r *Result) RetryAfter() time.Duration {
	d := time.Until(r.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// Store counts requests per key within a window.
type Store interface {
	// Increment adds one request for key and returns the new count
	// plus the end of the key's current window.
	Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error)
}

// record holds one client's count for the current window.
type record struct {
	count     int
	windowEnd time.Time
}

// MemoryStore is a thread-safe in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*record)}
}

// Increment implements Store. Expired windows restart at one; expired
// records for other keys are swept opportunistically to bound growth.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[key]
	if !ok || rec.windowEnd.Before(now) {
		rec = &record{windowEnd: now.Add(window)}
		s.data[key] = rec
	}
	rec.count++

	if len(s.data) > 1024 {
		for k, r := range s.data {
			if r.windowEnd.Before(now) {
				delete(s.data, k)
			}
		}
	}

	return rec.count, rec.windowEnd, nil
}

// Limiter enforces a request budget per client key.
type Limiter struct {
	requests int
	window   time.Duration
	store    Store
}

// NewLimiter builds a limiter from the server rate limit config.
func NewLimiter(cfg *config.RateLimitConfig, store Store) (*Limiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ratelimit: config is required")
	}
	if cfg.Requests < 1 {
		return nil, fmt.Errorf("ratelimit: requests must be at least 1")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{requests: cfg.Requests, window: cfg.Window, store: store}, nil
}

// Allow records one request for key and reports whether it fits the
// current window.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	count, resetAt, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}

	res := &Result{Limit: l.requests, ResetAt: resetAt}
	if count <= l.requests {
		res.Allowed = true
		res.Remaining = l.requests - count
	}
	return res, nil
}
