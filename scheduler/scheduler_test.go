package scheduler

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"egressd/internal/logging"
)

type countingTask struct {
	runs    atomic.Int64
	rearmed func(run int64) bool
}

func (c *countingTask) RunScheduled() bool {
	n := c.runs.Add(1)
	return c.rearmed(n)
}

func waitRuns(t *testing.T, task *countingTask, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task.runs.Load() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected at least %d runs, got %d", want, task.runs.Load())
}

func TestArmedTaskKeepsRunning(t *testing.T) {
	s := New(time.Millisecond, logging.New(logging.LevelError, io.Discard))
	task := &countingTask{rearmed: func(int64) bool { return true }}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, task)
		close(done)
	}()

	waitRuns(t, task, 5)
	cancel()
	<-done
	if s.Stats().Activations < 5 {
		t.Fatalf("stats lag behind runs: %+v", s.Stats())
	}
}

func TestIdleTaskWaitsForWake(t *testing.T) {
	s := New(time.Millisecond, logging.New(logging.LevelError, io.Discard))
	task := &countingTask{rearmed: func(n int64) bool { return n < 3 }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, task)

	waitRuns(t, task, 3)
	time.Sleep(20 * time.Millisecond)
	if got := task.runs.Load(); got != 3 {
		t.Fatalf("idle task kept running: %d runs", got)
	}
	if !s.Stats().Idle {
		t.Fatalf("expected scheduler to report idle")
	}

	s.Wake()
	waitRuns(t, task, 4)
	time.Sleep(20 * time.Millisecond)
	if got := task.runs.Load(); got != 4 {
		t.Fatalf("single wake should give a single run, got %d", got)
	}
}

func TestWakeNeverBlocks(t *testing.T) {
	s := New(0, logging.New(logging.LevelError, io.Discard))
	if s.Interval() != DefaultInterval {
		t.Fatalf("expected default interval, got %s", s.Interval())
	}
	for i := 0; i < 100; i++ {
		s.Wake()
	}
	if s.Stats().Wakes != 100 {
		t.Fatalf("expected 100 wakes counted, got %d", s.Stats().Wakes)
	}
}

func TestSecondRunReturns(t *testing.T) {
	s := New(time.Millisecond, logging.New(logging.LevelError, io.Discard))
	task := &countingTask{rearmed: func(int64) bool { return false }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, task)
	waitRuns(t, task, 1)

	returned := make(chan struct{})
	go func() {
		s.Run(ctx, task)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("second Run did not return")
	}
}
