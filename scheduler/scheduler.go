// Package scheduler drives a transmit task from a single goroutine. A task
// that asks to be rescheduled runs again after the interval; a task that goes
// idle sleeps until Wake is called.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"egressd/internal/logging"
)

const DefaultInterval = time.Millisecond

// Task is one unit of scheduled work. RunScheduled reports whether it wants
// to run again without being woken.
type Task interface {
	RunScheduled() bool
}

type Stats struct {
	Activations uint64 `json:"activations"`
	Wakes       uint64 `json:"wakes"`
	Idle        bool   `json:"idle"`
}

type Scheduler struct {
	interval time.Duration
	logger   *logging.Logger
	wake     chan struct{}

	activations atomic.Uint64
	wakes       atomic.Uint64
	idle        atomic.Bool

	mu      sync.Mutex
	running bool
}

func New(interval time.Duration, logger *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks for an immediate activation. It never blocks; wakes that arrive
// while one is already pending collapse into it.
func (s *Scheduler) Wake() {
	s.wakes.Add(1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run activates task until ctx is done. The task runs once right away.
func (s *Scheduler) Run(ctx context.Context, task Task) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("scheduler already running", nil)
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	armed := true

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped", map[string]interface{}{"activations": s.activations.Load()})
			return
		case <-s.wake:
		case <-timer.C:
			if !armed {
				continue
			}
		}

		s.activations.Add(1)
		armed = task.RunScheduled()
		s.idle.Store(!armed)
		if armed {
			timer.Reset(s.interval)
		} else {
			timer.Stop()
		}
	}
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Activations: s.activations.Load(),
		Wakes:       s.wakes.Load(),
		Idle:        s.idle.Load(),
	}
}
