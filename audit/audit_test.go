package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLogWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, 10)

	if err := l.LogWrite("operator", "127.0.0.1", "reset_counts", "", nil); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := l.LogWrite("", "127.0.0.1", "burst", "abc", errors.New("invalid syntax")); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := l.LogDenied("10.0.0.9", "burst", "missing bearer token"); err != nil {
		t.Fatalf("log: %v", err)
	}

	scanner := bufio.NewScanner(&buf)
	var events []Event
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line is not json: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(events))
	}
	if events[0].Result != "success" || events[0].Subject != "operator" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Result != "failure" || events[1].Details["value"] != "abc" {
		t.Fatalf("unexpected second event %+v", events[1])
	}
	if events[2].Type != EventTypeDenied {
		t.Fatalf("unexpected third event %+v", events[2])
	}

	counts := l.Counts()
	if counts[EventTypeWrite] != 2 || counts[EventTypeDenied] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestRecentIsBounded(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, 2)
	for _, path := range []string{"a", "b", "c"} {
		_ = l.LogReload(path, nil)
	}
	recent := l.Recent(0)
	if len(recent) != 2 || recent[0].Resource != "b" || recent[1].Resource != "c" {
		t.Fatalf("unexpected recent events %+v", recent)
	}
	if got := l.Recent(1); len(got) != 1 || got[0].Resource != "c" {
		t.Fatalf("unexpected newest event %+v", got)
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.LogReload("/etc/egressd.yaml", errors.New("bad yaml")); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(data, []byte(`"result":"failure"`)) {
		t.Fatalf("unexpected file content %s", data)
	}
}
