// Package audit keeps a durable record of operator actions: handler writes,
// rejected writes and configuration reloads. Records are JSON lines.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type EventType string

const (
	EventTypeWrite  EventType = "write"
	EventTypeDenied EventType = "denied"
	EventTypeReload EventType = "reload"
)

type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Subject   string            `json:"subject,omitempty"`
	SourceIP  string            `json:"source_ip,omitempty"`
	Resource  string            `json:"resource"`
	Result    string            `json:"result"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

type Config struct {
	// Path is a file, or "stdout". Files are rotated by size.
	Path       string
	MaxSizeMB  int
	MaxBackups int
	// Recent is how many events stay available in memory.
	Recent int
}

type Logger struct {
	mu      sync.Mutex
	encoder *json.Encoder
	sink    io.Closer
	recent  []Event
	max     int
	counts  map[EventType]uint64
	now     func() time.Time
}

func New(cfg Config) (*Logger, error) {
	var out io.Writer
	var sink io.Closer
	switch cfg.Path {
	case "", "stdout":
		out = os.Stdout
	default:
		if cfg.MaxSizeMB <= 0 {
			cfg.MaxSizeMB = 10
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out = rotating
		sink = rotating
	}
	return newLogger(out, sink, cfg.Recent), nil
}

// NewWriter records to w; mostly for tests.
func NewWriter(w io.Writer, recent int) *Logger {
	return newLogger(w, nil, recent)
}

func newLogger(w io.Writer, sink io.Closer, recent int) *Logger {
	if recent <= 0 {
		recent = 100
	}
	return &Logger{
		encoder: json.NewEncoder(w),
		sink:    sink,
		recent:  make([]Event, 0, recent),
		max:     recent,
		counts:  make(map[EventType]uint64),
		now:     time.Now,
	}
}

func (l *Logger) Log(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.Timestamp = l.now()
	l.counts[ev.Type]++
	if len(l.recent) == l.max {
		copy(l.recent, l.recent[1:])
		l.recent = l.recent[:l.max-1]
	}
	l.recent = append(l.recent, ev)

	if err := l.encoder.Encode(ev); err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	return nil
}

// LogWrite records a handler write and its outcome.
func (l *Logger) LogWrite(subject, sourceIP, handler, value string, err error) error {
	ev := Event{
		Type:     EventTypeWrite,
		Subject:  subject,
		SourceIP: sourceIP,
		Resource: handler,
		Result:   "success",
	}
	if value != "" {
		ev.Details = map[string]string{"value": value}
	}
	if err != nil {
		ev.Result = "failure"
		ev.Message = err.Error()
	}
	return l.Log(ev)
}

func (l *Logger) LogDenied(sourceIP, resource, reason string) error {
	return l.Log(Event{
		Type:     EventTypeDenied,
		SourceIP: sourceIP,
		Resource: resource,
		Result:   "denied",
		Message:  reason,
	})
}

func (l *Logger) LogReload(path string, err error) error {
	ev := Event{Type: EventTypeReload, Resource: path, Result: "success"}
	if err != nil {
		ev.Result = "failure"
		ev.Message = err.Error()
	}
	return l.Log(ev)
}

// Recent returns up to count of the newest events, oldest first.
func (l *Logger) Recent(count int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count <= 0 || count > len(l.recent) {
		count = len(l.recent)
	}
	out := make([]Event, count)
	copy(out, l.recent[len(l.recent)-count:])
	return out
}

func (l *Logger) Counts() map[EventType]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[EventType]uint64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}
