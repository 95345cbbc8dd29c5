package ratelimit

import (
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func TestSessionLimiterCap(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	limiter := newSessionLimiter(2, 600, 10, clock.now)

	if !limiter.Acquire() || !limiter.Acquire() {
		t.Fatalf("expected two sessions")
	}
	if limiter.Acquire() {
		t.Fatalf("third session exceeded the cap")
	}
	limiter.Release()
	if !limiter.Acquire() {
		t.Fatalf("released slot not reusable")
	}
	if stats := limiter.Stats(); stats.Open != 2 || stats.Refused != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSessionLimiterRate(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	limiter := newSessionLimiter(0, 60, 1, clock.now)

	if !limiter.Acquire() {
		t.Fatalf("expected first session")
	}
	limiter.Release()
	if limiter.Acquire() {
		t.Fatalf("bucket should be empty")
	}
	clock.t = clock.t.Add(time.Second)
	if !limiter.Acquire() {
		t.Fatalf("bucket should refill one token per second at 60/min")
	}
}

func TestSessionLimiterUpdate(t *testing.T) {
	limiter := NewSessionLimiter(5, 10, 2)
	if !limiter.Acquire() {
		t.Fatalf("expected allow")
	}
	limiter.Update(1, 1, 1)
	stats := limiter.Stats()
	if stats.Max != 1 {
		t.Fatalf("unexpected max %d", stats.Max)
	}
	if stats.Tokens > 1 {
		t.Fatalf("tokens not clamped: %f", stats.Tokens)
	}
	if limiter.Acquire() {
		t.Fatalf("cap of one should refuse a second session")
	}
}
