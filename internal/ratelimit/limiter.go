package ratelimit

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of the limiter window, exposed on the
// diagnostics endpoint.
type Stats struct {
	CallsThisWindow   int           `json:"calls_this_minute"`
	MaxCallsPerWindow int           `json:"max_calls_per_minute"`
	TimeUntilReset    time.Duration `json:"time_until_reset"`
}

// Limiter gates outbound provider calls against a fixed per-window budget.
// The window resets lazily: the first call observed after the window has
// elapsed zeroes the counter before evaluating.
type Limiter struct {
	mu          sync.Mutex
	maxCalls    int
	window      time.Duration
	callCount   int
	windowStart time.Time

	now func() time.Time
}

// New creates a Limiter allowing maxCalls per window. A non-positive window
// falls back to one minute.
func New(maxCalls int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		maxCalls:    maxCalls,
		window:      window,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// TryAcquire reports whether one more provider call fits in the current
// window, counting it if so. It never blocks and never queues; on false the
// caller must fall back to cached data.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfElapsed()

	if l.callCount >= l.maxCalls {
		return false
	}
	l.callCount++
	return true
}

// Stats returns the current window counters. A pure read: an elapsed window
// reads as empty, but the actual reset still happens on the next TryAcquire,
// so observing stats never moves the window anchor.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	calls := l.callCount
	remaining := l.window - l.now().Sub(l.windowStart)
	if remaining <= 0 {
		calls = 0
		remaining = 0
	}
	return Stats{
		CallsThisWindow:   calls,
		MaxCallsPerWindow: l.maxCalls,
		TimeUntilReset:    remaining,
	}
}

// resetIfElapsed zeroes the counter once per elapsed window. Caller holds mu.
func (l *Limiter) resetIfElapsed() {
	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.callCount = 0
		l.windowStart = now
	}
}
