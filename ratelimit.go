package tether

import (
	"sync"
	"time"
)

// slidingWindowLimiter bounds message throughput per connection over a
// rolling window. Allow reports whether one more message fits; refused
// messages are counted by the caller, never silently dropped.
type slidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time

	// nowFn is the clock injection point for tests.
	nowFn func() time.Time
}

func newSlidingWindowLimiter(limit int, window time.Duration) *slidingWindowLimiter {
	return &slidingWindowLimiter{
		limit:  limit,
		window: window,
		nowFn:  time.Now,
	}
}

// Allow records one message attempt and reports whether it is within the
// budget.
func (l *slidingWindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	cutoff := now.Add(-l.window)

	keep := l.times[:0]
	for _, t := range l.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.times = keep

	if len(l.times) >= l.limit {
		return false
	}
	l.times = append(l.times, now)
	return true
}

// Remaining returns how many messages fit in the current window.
func (l *slidingWindowLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.nowFn().Add(-l.window)
	active := 0
	for _, t := range l.times {
		if t.After(cutoff) {
			active++
		}
	}
	if active >= l.limit {
		return 0
	}
	return l.limit - active
}
