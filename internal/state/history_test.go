package state

import (
	"errors"
	"fmt"
	"testing"
)

func TestHistoryKeepsMostRecent(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record("device", fmt.Sprintf("event-%d", i))
	}
	events := h.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Detail != "event-2" || events[2].Detail != "event-4" {
		t.Fatalf("unexpected retained events %+v", events)
	}
	if last := h.Last(); last == nil || last.Detail != "event-4" {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestHistoryStats(t *testing.T) {
	h := NewHistory(0)
	if h.Last() != nil {
		t.Fatalf("empty history must have no last event")
	}
	h.Record("reload", "", "burst")
	h.RecordFailure("reload", errors.New("bad json"))
	total, ok, failed := h.Stats()
	if total != 2 || ok != 1 || failed != 1 {
		t.Fatalf("unexpected stats total=%d ok=%d failed=%d", total, ok, failed)
	}
	if got := h.Last().Error; got != "bad json" {
		t.Fatalf("unexpected error %q", got)
	}
}
