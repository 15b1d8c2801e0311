package bus

import (
	"sync"
	"time"
)

// DefaultRateLimit is the per-session message cap inside the sliding window.
const DefaultRateLimit = 100

// DefaultRateWindow is the width of the sliding window.
const DefaultRateWindow = 60 * time.Second

// RateLimiter enforces a sliding-window cap on inbound session messages.
// Token buckets would allow bursts past the cap right after a refill, so the
// window keeps the actual admission timestamps and prunes as it slides.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   []time.Time
	now    func() time.Time
}

// NewRateLimiter creates a limiter admitting at most max messages per window.
// Non-positive arguments select the defaults.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{max: max, window: window, now: time.Now}
}

// Allow records one message attempt and reports whether it is admitted.
// Rejected attempts are not recorded, so the session recovers as soon as the
// window slides past earlier admissions.
func (l *RateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.hits[:0]
	for _, t := range l.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.hits = kept

	if len(l.hits) >= l.max {
		return false
	}
	l.hits = append(l.hits, now)
	return true
}

// Remaining returns how many admissions are left in the current window.
func (l *RateLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	active := 0
	for _, t := range l.hits {
		if t.After(cutoff) {
			active++
		}
	}
	return l.max - active
}
