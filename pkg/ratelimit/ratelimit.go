// Package ratelimit implements fixed-window request limiting for the
// decision API. Redis-backed when a client is available so limits hold
// across daemon restarts, with an in-memory window otherwise.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of one Allow call. ResetAt is when the
// current window expires and the count starts over.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

type MemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	counts map[string]window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewMemory(windowLen time.Duration) *MemoryLimiter {
	if windowLen <= 0 {
		windowLen = time.Minute
	}
	return &MemoryLimiter{
		window: windowLen,
		counts: make(map[string]window),
	}
}

func (l *MemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked(now)
	w, ok := l.counts[key]
	if !ok || now.After(w.resetAt) {
		w = window{resetAt: now.Add(l.window)}
	}
	w.count++
	l.counts[key] = w
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= limit,
		Count:     w.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}

func (l *MemoryLimiter) expireLocked(now time.Time) {
	for k, w := range l.counts {
		if now.After(w.resetAt) {
			delete(l.counts, k)
		}
	}
}
