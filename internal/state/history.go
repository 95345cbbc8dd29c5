package state

import (
	"sync"
	"time"
)

// Event is one entry in a History: a device transition, a config reload, or
// anything else worth keeping for diagnosis.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// History keeps the most recent events, oldest first.
type History struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
}

func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 10
	}
	return &History{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
	}
}

func (h *History) Record(kind, detail string, changes ...string) {
	h.add(Event{
		Timestamp: time.Now(),
		Kind:      kind,
		Success:   true,
		Detail:    detail,
		Changes:   changes,
	})
}

func (h *History) RecordFailure(kind string, err error) {
	event := Event{
		Timestamp: time.Now(),
		Kind:      kind,
	}
	if err != nil {
		event.Error = err.Error()
	}
	h.add(event)
}

func (h *History) add(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	if len(h.events) > h.maxSize {
		h.events = h.events[len(h.events)-h.maxSize:]
	}
}

// Events returns a copy of the retained events.
func (h *History) Events() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]Event, len(h.events))
	copy(result, h.events)
	return result
}

func (h *History) Last() *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.events) == 0 {
		return nil
	}
	event := h.events[len(h.events)-1]
	return &event
}

// Stats counts retained events by outcome.
func (h *History) Stats() (total, successful, failed int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total = len(h.events)
	for _, event := range h.events {
		if event.Success {
			successful++
		} else {
			failed++
		}
	}
	return
}
