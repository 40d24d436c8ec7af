package httpx

import (
	"sync"
	"time"
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

const memorySweepEvery = time.Minute

// memoryRateLimiter keeps windows in process. Expired windows are dropped
// lazily, at most once per memorySweepEvery.
type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateDecision
	nextSweep time.Time
	now       func() time.Time
}

// NewMemoryRateLimiter returns the single-replica limiter used when Redis is
// not configured.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{windows: make(map[string]*rateDecision), now: time.Now}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.After(rl.nextSweep) {
		for k, w := range rl.windows {
			if now.After(w.windowEnd) {
				delete(rl.windows, k)
			}
		}
		rl.nextSweep = now.Add(memorySweepEvery)
	}

	w, ok := rl.windows[key]
	if !ok || now.After(w.windowEnd) {
		w = &rateDecision{windowEnd: now.Add(window)}
		rl.windows[key] = w
	}
	if w.count < limit {
		w.count++
		w.allowed = true
	} else {
		w.allowed = false
	}
	return *w
}

func (rl *memoryRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

func (rl *memoryRateLimiter) Close() {}
