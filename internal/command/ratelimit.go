// Package command implements the interactive text command surface: the
// radio listener state machine, the command grammar, and per-sender rate
// limiting.
package command

import (
	"sync"
	"time"
)

// gcThreshold is the tracked-sender count above which Allow prunes idle
// senders from the map.
const gcThreshold = 100

// RateLimiter enforces a sliding-window limit per sender: at most burst
// commands within window.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	burst   int
	history map[int64][]time.Time

	now func() time.Time
}

func NewRateLimiter(window time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		window:  window,
		burst:   burst,
		history: make(map[int64][]time.Time),
		now:     time.Now,
	}
}

// Allow records an attempt for the sender and reports whether it is within
// the limit. A rejected attempt is not recorded, so a sender hammering the
// limit does not push their window forward.
func (r *RateLimiter) Allow(senderID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	recent := r.history[senderID][:0]
	for _, t := range r.history[senderID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.burst {
		r.history[senderID] = recent
		return false
	}
	r.history[senderID] = append(recent, now)

	if len(r.history) > gcThreshold {
		r.gcLocked(now)
	}
	return true
}

// gcLocked drops senders whose newest attempt is older than ten windows.
func (r *RateLimiter) gcLocked(now time.Time) {
	stale := now.Add(-10 * r.window)
	for id, times := range r.history {
		if len(times) == 0 || times[len(times)-1].Before(stale) {
			delete(r.history, id)
		}
	}
}
