package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter. It remembers the
// last limit accepted events in a ring, so a check costs O(1).
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	filled int
	window time.Duration
	denied int
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow records an event at now when fewer than limit events were accepted
// within the preceding window. A refusal reports how long until the oldest
// accepted event leaves the window.
func (r *RateLimiter) Allow(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled == len(r.ring) {
		if age := now.Sub(r.ring[r.next]); age < r.window {
			r.denied++
			return false, r.window - age
		}
	} else {
		r.filled++
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	r.denied = 0
	return true, 0
}

// Denied is the number of refusals since the last accepted event.
func (r *RateLimiter) Denied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.denied
}
