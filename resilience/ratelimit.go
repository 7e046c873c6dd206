package resilience

import (
	"context"
	"sync"
	"time"
)

// DefaultMinInterval is the minimum spacing between two admitted calls.
const DefaultMinInterval = time.Second

// RateLimiter spaces calls by a minimum interval. The first call never waits.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	now      func() time.Time
}

// NewRateLimiter creates a limiter. If interval <= 0, DefaultMinInterval is used.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return &RateLimiter{interval: interval, now: time.Now}
}

// Wait blocks until the caller may proceed or ctx is done. Each admitted
// call reserves the next slot, so concurrent callers are serialized.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := r.now()
	slot := now
	if r.next.After(now) {
		slot = r.next
	}
	r.next = slot.Add(r.interval)
	r.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.release(slot)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// release gives a cancelled reservation back when it was the most recent one.
func (r *RateLimiter) release(slot time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next.Equal(slot.Add(r.interval)) {
		r.next = slot
	}
}

// Interval returns the configured spacing.
func (r *RateLimiter) Interval() time.Duration { return r.interval }
