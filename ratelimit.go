package toolrpc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitDecision is the outcome of a rate limit check. Every check,
// allowed or not, returns one.
type RateLimitDecision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

type rateLimitEntry struct {
	count         int
	windowResetAt time.Time
}

// RateLimiter bounds how many operations per (tool, caller-identifier) pair
// are permitted within a fixed time window. Entries are created lazily on
// first check, replaced when their window expires, and reclaimed by
// Cleanup.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string]map[string]*rateLimitEntry
	now     func() time.Time
}

// RateLimiterOption configures optional RateLimiter behavior.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterClock overrides the limiter's time source.
func WithRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) {
		l.now = now
	}
}

// NewRateLimiter creates a limiter allowing max checks per window. The
// window is a human time-window string such as "30s", "1m", "2h" or "1d".
func NewRateLimiter(max int, window string, options ...RateLimiterOption) (*RateLimiter, error) {
	if max <= 0 {
		return nil, ConfigurationError{Reason: fmt.Sprintf("rate limit max must be positive, got %d", max)}
	}
	d, err := ParseWindow(window)
	if err != nil {
		return nil, ConfigurationError{Reason: err.Error()}
	}

	l := &RateLimiter{
		max:     max,
		window:  d,
		entries: make(map[string]map[string]*rateLimitEntry),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	return l, nil
}

// Check records one attempted operation for the (tool, caller) pair. Within
// a live window the count is incremented until max is reached; at or above
// max the check is rejected without incrementing. An expired window is
// replaced by a fresh one with count 1.
func (l *RateLimiter) Check(tool, caller string) RateLimitDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	callers, ok := l.entries[tool]
	if !ok {
		callers = make(map[string]*rateLimitEntry)
		l.entries[tool] = callers
	}

	entry, ok := callers[caller]
	if !ok || !now.Before(entry.windowResetAt) {
		entry = &rateLimitEntry{count: 1, windowResetAt: now.Add(l.window)}
		callers[caller] = entry
		return RateLimitDecision{Allowed: true, Remaining: l.max - 1, ResetTime: entry.windowResetAt}
	}

	if entry.count >= l.max {
		return RateLimitDecision{Allowed: false, Remaining: 0, ResetTime: entry.windowResetAt}
	}

	entry.count++
	return RateLimitDecision{
		Allowed:   true,
		Remaining: l.max - entry.count,
		ResetTime: entry.windowResetAt,
	}
}

// Cleanup purges expired entries to bound memory, returning how many were
// removed. Callers run it periodically.
func (l *RateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	purged := 0
	for tool, callers := range l.entries {
		for caller, entry := range callers {
			if !now.Before(entry.windowResetAt) {
				delete(callers, caller)
				purged++
			}
		}
		if len(callers) == 0 {
			delete(l.entries, tool)
		}
	}
	return purged
}

// ParseWindow parses a human time-window string. The accepted grammar is
// deliberately tiny: an integer followed by ms, s, m, h or d.
func ParseWindow(s string) (time.Duration, error) {
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"ms", time.Millisecond},
		{"s", time.Second},
		{"m", time.Minute},
		{"h", time.Hour},
		{"d", 24 * time.Hour},
	}

	for _, u := range units {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		digits := strings.TrimSuffix(s, u.suffix)
		// "1m" must not match the "ms" branch as "1" + "ms"; require
		// all-digit prefixes.
		if digits == "" || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			continue
		}
		n, err := strconv.Atoi(digits)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid time window: %s", s)
		}
		return time.Duration(n) * u.unit, nil
	}

	return 0, fmt.Errorf("invalid time window: %s", s)
}
