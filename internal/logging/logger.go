package logging

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(input string) Level {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Options selects where log lines go. Output is "stdout", "stderr" or
// "file"; for "file" the rotation settings are honoured.
type Options struct {
	Level      Level
	Output     string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type Logger struct {
	mu    *sync.Mutex
	level *atomic.Int32
	base  map[string]interface{}
	log   *log.Logger
	sink  io.Closer
}

func New(level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	lvl := &atomic.Int32{}
	lvl.Store(int32(level))
	return &Logger{
		mu:    &sync.Mutex{},
		level: lvl,
		base:  map[string]interface{}{},
		log:   log.New(output, "", 0),
	}
}

// Open builds a logger from Options. File output is rotated by size.
func Open(opts Options) *Logger {
	switch strings.ToLower(strings.TrimSpace(opts.Output)) {
	case "stderr":
		return New(opts.Level, os.Stderr)
	case "file":
		if opts.Path == "" {
			return New(opts.Level, os.Stdout)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		l := New(opts.Level, rotator)
		l.sink = rotator
		return l
	default:
		return New(opts.Level, os.Stdout)
	}
}

// With returns a child sharing the parent's output and level.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	child := &Logger{
		mu:    l.mu,
		level: l.level,
		log:   l.log,
		sink:  l.sink,
		base:  make(map[string]interface{}, len(l.base)+len(fields)),
	}
	for k, v := range l.base {
		child.base[k] = v
	}
	for k, v := range fields {
		child.base[k] = v
	}
	return child
}

func (l *Logger) logf(level Level, msg string, fields map[string]interface{}) {
	if int32(level) < l.level.Load() {
		return
	}
	payload := make(map[string]interface{}, len(l.base)+len(fields)+3)
	for k, v := range l.base {
		payload[k] = v
	}
	for k, v := range fields {
		payload[k] = v
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	payload["level"] = level.String()
	payload["message"] = msg
	data, err := json.Marshal(payload)
	if err != nil {
		l.mu.Lock()
		l.log.Printf("{\"level\":\"error\",\"message\":\"log marshal failed\",\"error\":%q}", err.Error())
		l.mu.Unlock()
		return
	}
	l.mu.Lock()
	l.log.Println(string(data))
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.logf(LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.logf(LevelInfo, msg, fields)
}

func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.logf(LevelWarn, msg, fields)
}

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.logf(LevelError, msg, fields)
}

// SetLevel changes the level for this logger and every logger derived from
// it with With.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

func (l *Logger) Level() Level {
	return Level(l.level.Load())
}

// Close releases a rotating file sink, if any.
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}
