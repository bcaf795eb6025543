package app

import (
	"time"

	"github.com/opencrm/callkit/internal/domain"
)

// SignalRateLimiter caps how many signaling envelopes one participant may
// deliver inside a sliding window. Group topics broadcast to everyone, so a
// single flooding member must not be able to starve the engine lock.
//
// Not safe for concurrent use on its own; the router calls it under the
// engine lock.
type SignalRateLimiter struct {
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewSignalRateLimiter(limit int, interval time.Duration) *SignalRateLimiter {
	return &SignalRateLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records one envelope from uid and reports whether it fits the window.
func (rl *SignalRateLimiter) Allow(uid domain.UserID) bool {
	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Forget drops the history of a participant, typically when its link is
// removed or the call ends.
func (rl *SignalRateLimiter) Forget(uid domain.UserID) {
	delete(rl.history, uid)
}
