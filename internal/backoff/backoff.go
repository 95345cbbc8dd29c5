package backoff

import (
	"sync"
	"time"
)

const (
	DefaultInitial = time.Millisecond
	DefaultMaximum = 64 * time.Millisecond
)

// Policy hands out exponentially growing delays, doubling from the initial
// interval up to the maximum.
type Policy struct {
	interval time.Duration
	maximum  time.Duration
	current  time.Duration
}

func NewPolicy(initial, maximum time.Duration) *Policy {
	if initial <= 0 {
		initial = DefaultInitial
	}
	if maximum <= 0 {
		maximum = DefaultMaximum
	}
	if maximum < initial {
		maximum = initial
	}
	return &Policy{
		interval: initial,
		maximum:  maximum,
		current:  initial,
	}
}

func (p *Policy) Next() time.Duration {
	value := p.current
	p.current *= 2
	if p.current > p.maximum {
		p.current = p.maximum
	}
	return value
}

func (p *Policy) Reset() {
	p.current = p.interval
}

func (p *Policy) Bounds() (initial, maximum time.Duration) {
	return p.interval, p.maximum
}

// Window tracks a deadline before which work should be skipped.
type Window struct {
	mu    sync.Mutex
	until time.Time
}

// Open arms the window until now+d. A shorter window never shortens an
// already open one.
func (w *Window) Open(now time.Time, d time.Duration) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := now.Add(d)
	if deadline.After(w.until) {
		w.until = deadline
	}
	return w.until
}

// Clear closes the window and reports whether it was open at now.
func (w *Window) Clear(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	open := now.Before(w.until)
	w.until = time.Time{}
	return open
}

func (w *Window) Active(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Before(w.until)
}

func (w *Window) Deadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.until
}
