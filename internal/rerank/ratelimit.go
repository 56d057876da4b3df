package rerank

import (
	"sync"
	"time"
)

// HourlyLimiter enforces a sliding one-hour window over LLM reranker calls,
// capping both call count and spend. The window is pruned on every check, so
// capacity frees up as old calls age out.
type HourlyLimiter struct {
	mu          sync.Mutex
	maxRequests int
	maxCents    float64
	window      time.Duration
	events      []limiterEvent

	now func() time.Time // swappable for tests
}

type limiterEvent struct {
	at    time.Time
	cents float64
}

// NewHourlyLimiter creates a limiter with the given per-hour caps. A cap of
// zero or below disables that dimension.
func NewHourlyLimiter(maxRequests int, maxCents float64) *HourlyLimiter {
	return &HourlyLimiter{
		maxRequests: maxRequests,
		maxCents:    maxCents,
		window:      time.Hour,
		now:         time.Now,
	}
}

// CheckAndRecord admits a call costing costCents, or returns a
// *RateLimitError naming the cap that was hit and how long until the window
// has room again. Admission and recording are atomic.
func (l *HourlyLimiter) CheckAndRecord(costCents float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if l.maxRequests > 0 && len(l.events) >= l.maxRequests {
		return &RateLimitError{Kind: LimitRequests, RetryAfter: l.retryAfter(now)}
	}
	if l.maxCents > 0 {
		spent := 0.0
		for _, e := range l.events {
			spent += e.cents
		}
		if spent+costCents > l.maxCents {
			return &RateLimitError{Kind: LimitBudget, RetryAfter: l.retryAfter(now)}
		}
	}

	l.events = append(l.events, limiterEvent{at: now, cents: costCents})
	return nil
}

// Spent reports the cents consumed inside the current window.
func (l *HourlyLimiter) Spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	spent := 0.0
	for _, e := range l.events {
		spent += e.cents
	}
	return spent
}

func (l *HourlyLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.events) && !l.events[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}

func (l *HourlyLimiter) retryAfter(now time.Time) time.Duration {
	if len(l.events) == 0 {
		return 0
	}
	d := l.events[0].at.Add(l.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
