package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LevelInfo, &buf).With(map[string]interface{}{"component": "egress"})

	logger.Debug("hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered, got %q", buf.String())
	}

	logger.Warn("device busy", map[string]interface{}{"device": "eth0"})
	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "warn" || entry["message"] != "device busy" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["component"] != "egress" || entry["device"] != "eth0" {
		t.Fatalf("missing fields in %v", entry)
	}
}

func TestSetLevelPropagatesToChildren(t *testing.T) {
	var buf bytes.Buffer
	parent := New(LevelError, &buf)
	child := parent.With(map[string]interface{}{"component": "scheduler"})

	child.Info("before", nil)
	parent.SetLevel(LevelDebug)
	child.Info("after", nil)

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Fatalf("info line logged at error level: %q", out)
	}
	if !strings.Contains(out, "after") {
		t.Fatalf("child did not observe parent level change: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		" error ": LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestOpenFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egressd.log")
	logger := Open(Options{Level: LevelInfo, Output: "file", Path: path, MaxSizeMB: 1})
	logger.Info("rotating sink", nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "rotating sink") {
		t.Fatalf("log file missing entry: %q", data)
	}
}
