// Package source provides the upstream side of the egress path: packets wait
// in a bounded queue until the adapter pulls them.
package source

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull = errors.New("source queue full")
	ErrClosed    = errors.New("source closed")
)

const defaultQueueSize = 1024

// Source yields queued packets without blocking. ok is false when nothing is
// waiting.
type Source interface {
	Pull() (pkt []byte, ok bool)
}

// Queue is a bounded FIFO of packets. Producers Push from any goroutine; the
// consumer Pulls.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	head   int
	size   int
	limit  int
	closed bool
	onPush func()

	dropped atomic.Uint64
}

func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = defaultQueueSize
	}
	return &Queue{
		items: make([][]byte, limit),
		limit: limit,
	}
}

// OnPush registers a hook run after every successful push, outside the lock.
func (q *Queue) OnPush(fn func()) {
	q.mu.Lock()
	q.onPush = fn
	q.mu.Unlock()
}

// Push appends pkt. The queue keeps pkt itself, not a copy.
func (q *Queue) Push(pkt []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.size == q.limit {
		q.mu.Unlock()
		q.dropped.Add(1)
		return ErrQueueFull
	}
	q.items[(q.head+q.size)%q.limit] = pkt
	q.size++
	hook := q.onPush
	q.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (q *Queue) Pull() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil, false
	}
	pkt := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % q.limit
	q.size--
	return pkt, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	return q.limit
}

// Dropped counts pushes refused because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close refuses further pushes. Packets already queued can still be pulled.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
