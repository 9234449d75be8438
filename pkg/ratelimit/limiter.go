package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter consumes one token for key when fewer than limit calls were
// accepted in the trailing window. Denied calls consume nothing.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter keeps a per-key log of accepted call times.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	logs   map[string][]time.Time
	now    func() time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		logs:   make(map[string][]time.Time),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *InMemoryLimiter) Window() time.Duration {
	return l.window
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	log := prune(l.logs[key], now.Add(-l.window))
	allowed := len(log) < limit
	if allowed {
		log = append(log, now)
	}
	if len(log) == 0 {
		delete(l.logs, key)
	} else {
		l.logs[key] = log
	}
	remaining := limit - len(log)
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now.Add(l.window)
	if len(log) > 0 {
		resetAt = log[0].Add(l.window)
	}
	return Decision{
		Allowed:   allowed,
		Count:     len(log),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Count returns the number of accepted calls for key inside the window.
func (l *InMemoryLimiter) Count(key string) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	log := prune(l.logs[key], now.Add(-l.window))
	if len(log) == 0 {
		delete(l.logs, key)
		return 0
	}
	l.logs[key] = log
	return len(log)
}

// prune drops entries at or before cutoff. Entries are in time order.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}
