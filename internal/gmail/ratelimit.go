package gmail

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

const (
	// DefaultMaxRequests is the default number of requests allowed per window.
	DefaultMaxRequests = 10

	// DefaultWindow is the default length of the sliding window.
	DefaultWindow = time.Second

	// minWait is the minimum wait duration when the window is full.
	minWait = 10 * time.Millisecond
)

// realClock implements Clock using the standard time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RateLimiter bounds outbound requests with a sliding window: at most
// maxRequests may start within any trailing window. It is safe for
// concurrent use and is meant to be shared by every client in a process.
type RateLimiter struct {
	mu             sync.Mutex
	clock          Clock
	maxRequests    int
	window         time.Duration
	stamps         []time.Time // request start times, oldest first
	throttledUntil time.Time
}

// NewRateLimiter creates a limiter allowing maxRequests per window.
// Non-positive arguments fall back to DefaultMaxRequests and DefaultWindow.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return newRateLimiter(realClock{}, maxRequests, window)
}

// newRateLimiter creates a rate limiter with the given clock.
// Panics if clk is nil.
func newRateLimiter(clk Clock, maxRequests int, window time.Duration) *RateLimiter {
	if clk == nil {
		panic("gmail: RateLimiter requires a non-nil Clock")
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RateLimiter{
		clock:       clk,
		maxRequests: maxRequests,
		window:      window,
		stamps:      make([]time.Time, 0, maxRequests),
	}
}

// reserve records a request and returns 0 if a slot is free, or returns
// how long to wait before checking again.
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}

	r.prune(now)
	if len(r.stamps) < r.maxRequests {
		r.stamps = append(r.stamps, now)
		return 0
	}

	// The oldest stamp leaves the window first.
	wait := r.stamps[0].Add(r.window).Sub(now)
	if wait < minWait {
		wait = minWait
	}
	return wait
}

// prune drops stamps that fell out of the window. Must be called with lock held.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.stamps) && !r.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[i:]...)
	}
}

// Wait blocks until a request slot is available and claims it.
// A slot that opened during the wait may already be taken by another
// caller, so the window is re-checked after every wait.
// Returns an error if the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait := r.reserve()
		if wait == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// TryAcquire claims a slot without blocking.
func (r *RateLimiter) TryAcquire() bool {
	return r.reserve() == 0
}

// InFlight returns the number of requests counted in the current window.
func (r *RateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.clock.Now())
	return len(r.stamps)
}

// Throttle blocks every slot for the given duration. Used when the upstream
// answers with a rate-limit response despite the local window.
func (r *RateLimiter) Throttle(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.clock.Now().Add(duration)
	// Don't shorten an existing throttle window (e.g., 429 shouldn't shorten a 403 backoff)
	if end.After(r.throttledUntil) {
		r.throttledUntil = end
	}
}
