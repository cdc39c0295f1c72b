package paloma

import (
	"sync"
	"time"
)

// RateLimiter is a per-principal sliding window over inbound messages.
// When the window is full the message is silently dropped: no reply, no
// error surfaced to the sender. State is in-process and resets with the
// runtime.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	seen    map[string][]time.Time
	nowFunc func() time.Time // test hook
}

// NewRateLimiter creates a limiter allowing max messages per principal per
// window. max <= 0 disables limiting (everything accepted).
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window:  window,
		max:     max,
		seen:    make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// Allow reports whether a message from principal is accepted, recording it
// when accepted.
func (r *RateLimiter) Allow(principal string) bool {
	if r.max <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	cutoff := now.Add(-r.window)
	entries := pruneTime(r.seen[principal], cutoff)
	if len(entries) >= r.max {
		r.seen[principal] = entries
		return false
	}
	r.seen[principal] = append(entries, now)
	return true
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}
