// Package ratelimit bounds long-lived management sessions: how many may be
// open at once and how fast new ones may be opened.
package ratelimit

import (
	"sync"
	"time"
)

// SessionLimiter combines a concurrency cap with a token bucket refilled at
// a per-minute rate.
type SessionLimiter struct {
	mu  sync.Mutex
	now func() time.Time

	maxSessions int
	open        int

	rate       int
	burst      int
	tokens     float64
	lastRefill time.Time
	refused    uint64
}

func NewSessionLimiter(maxSessions, ratePerMinute, burst int) *SessionLimiter {
	return newSessionLimiter(maxSessions, ratePerMinute, burst, time.Now)
}

func newSessionLimiter(maxSessions, ratePerMinute, burst int, now func() time.Time) *SessionLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &SessionLimiter{
		now:         now,
		maxSessions: maxSessions,
		rate:        ratePerMinute,
		burst:       burst,
		tokens:      float64(burst),
		lastRefill:  now(),
	}
}

// Acquire reserves a session slot. Every successful Acquire must be paired
// with a Release.
func (l *SessionLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxSessions > 0 && l.open >= l.maxSessions {
		l.refused++
		return false
	}

	now := l.now()
	l.tokens += float64(l.rate) * now.Sub(l.lastRefill).Minutes()
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastRefill = now

	if l.tokens < 1.0 {
		l.refused++
		return false
	}
	l.tokens -= 1.0
	l.open++
	return true
}

func (l *SessionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open > 0 {
		l.open--
	}
}

type Stats struct {
	Open    int     `json:"open"`
	Max     int     `json:"max"`
	Tokens  float64 `json:"tokens"`
	Refused uint64  `json:"refused"`
}

func (l *SessionLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Open: l.open, Max: l.maxSessions, Tokens: l.tokens, Refused: l.refused}
}

// Update changes the limits in place. Non-positive values keep the current
// setting. Sessions already open stay open.
func (l *SessionLimiter) Update(maxSessions, ratePerMinute, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxSessions > 0 {
		l.maxSessions = maxSessions
	}
	if ratePerMinute > 0 {
		l.rate = ratePerMinute
	}
	if burst > 0 {
		l.burst = burst
	}
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}
