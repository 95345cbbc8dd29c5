package netdev

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

const defaultLoopbackCapacity = 256

// Registry is an in-memory device table. Devices can be added, replaced and
// removed at runtime; every change is published to watchers. It is useful for
// tests, demos, or hosts where no real device should be touched.
type Registry struct {
	mu          sync.RWMutex
	devices     map[string]*Loopback
	nextIndex   int
	subscribers map[int]*subscriber
	nextSub     int
	closed      bool
	done        chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		devices:     make(map[string]*Loopback),
		nextIndex:   1,
		subscribers: make(map[int]*subscriber),
		done:        make(chan struct{}),
	}
}

// Add registers a device. Adding a name that already exists replaces the old
// device and is reported as EventChanged.
func (r *Registry) Add(name string, addr net.HardwareAddr, media Media, capacity int) *Loopback {
	if capacity <= 0 {
		capacity = defaultLoopbackCapacity
	}
	r.mu.Lock()
	dev := &Loopback{
		name:     name,
		addr:     append(net.HardwareAddr(nil), addr...),
		media:    media,
		index:    r.nextIndex,
		mtu:      1500,
		capacity: capacity,
		registry: r,
	}
	r.nextIndex++
	old, replaced := r.devices[name]
	r.devices[name] = dev
	r.mu.Unlock()

	kind := EventAppeared
	if replaced {
		old.detach()
		kind = EventChanged
	}
	r.emit(Event{Kind: kind, Name: name, Addr: dev.addr, Index: dev.index})
	return dev
}

func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	dev, ok := r.devices[name]
	if ok {
		delete(r.devices, name)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	dev.detach()
	r.emit(Event{Kind: EventDisappeared, Name: name, Addr: dev.addr, Index: dev.index})
	return true
}

func (r *Registry) Lookup(name string) *Loopback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[name]
}

func (r *Registry) Resolve(ref Ref) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !ref.IsAddr() {
		dev, ok := r.devices[ref.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return &loopbackHandle{dev: dev}, nil
	}
	for _, dev := range r.devices {
		if ref.Matches(dev.name, dev.addr) {
			return &loopbackHandle{dev: dev}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// Watch subscribes to registry events. The channel is closed when ctx ends or
// the registry is closed. Appeared, Disappeared and Changed events are never
// dropped for a slow reader; consecutive completions of one device are merged.
func (r *Registry) Watch(ctx context.Context) (<-chan Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("registry closed")
	}
	id := r.nextSub
	r.nextSub++
	sub := &subscriber{signal: make(chan struct{}, 1)}
	r.subscribers[id] = sub
	r.mu.Unlock()

	ch := make(chan Event, 64)
	go r.pump(ctx, id, sub, ch)
	return ch, nil
}

func (r *Registry) pump(ctx context.Context, id int, sub *subscriber, ch chan<- Event) {
	defer func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
		close(ch)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-sub.signal:
		}
		for _, ev := range sub.take() {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
		}
	}
}

func (r *Registry) emit(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subscribers {
		sub.push(ev)
	}
}

// Close ends every watch. Devices stay usable.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	return nil
}

// subscriber buffers events between emit and a watcher's channel.
type subscriber struct {
	mu      sync.Mutex
	pending []Event
	signal  chan struct{}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if n := len(s.pending); ev.Kind == EventTxComplete && n > 0 {
		last := s.pending[n-1]
		if last.Kind == EventTxComplete && last.Name == ev.Name && last.Index == ev.Index {
			s.mu.Unlock()
			return
		}
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Loopback is an in-memory device with a bounded transmit ring. Frames stay
// queued until Drain hands them to the "wire"; a full ring reports ErrBusy.
type Loopback struct {
	name     string
	addr     net.HardwareAddr
	media    Media
	index    int
	mtu      int
	capacity int
	registry *Registry

	mu        sync.Mutex
	queued    [][]byte
	delivered [][]byte
	busy      bool
	failNext  int
	detached  bool
}

func (l *Loopback) Name() string                   { return l.name }
func (l *Loopback) Index() int                     { return l.index }
func (l *Loopback) HardwareAddr() net.HardwareAddr { return l.addr }
func (l *Loopback) Media() Media                   { return l.media }

func (l *Loopback) transmit(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return fmt.Errorf("%s: %w", l.name, ErrClosed)
	}
	if l.failNext > 0 {
		l.failNext--
		return fmt.Errorf("%s: %w", l.name, ErrTransmitFailed)
	}
	if l.busy || len(l.queued) >= l.capacity {
		return fmt.Errorf("%s: %w", l.name, ErrBusy)
	}
	l.queued = append(l.queued, append([]byte(nil), frame...))
	return nil
}

// Drain moves up to n queued frames (all of them when n <= 0) onto the wire
// and announces the completion to watchers.
func (l *Loopback) Drain(n int) int {
	l.mu.Lock()
	if n <= 0 || n > len(l.queued) {
		n = len(l.queued)
	}
	l.delivered = append(l.delivered, l.queued[:n]...)
	l.queued = append([][]byte(nil), l.queued[n:]...)
	detached := l.detached
	l.mu.Unlock()

	if n > 0 && !detached {
		l.registry.emit(Event{Kind: EventTxComplete, Name: l.name, Addr: l.addr, Index: l.index})
	}
	return n
}

// Discard drops up to n queued frames (all when n <= 0) without keeping them,
// then announces the completion like Drain.
func (l *Loopback) Discard(n int) int {
	l.mu.Lock()
	if n <= 0 || n > len(l.queued) {
		n = len(l.queued)
	}
	l.queued = append([][]byte(nil), l.queued[n:]...)
	detached := l.detached
	l.mu.Unlock()

	if n > 0 && !detached {
		l.registry.emit(Event{Kind: EventTxComplete, Name: l.name, Addr: l.addr, Index: l.index})
	}
	return n
}

// SetBusy forces every transmit to report backpressure until cleared.
func (l *Loopback) SetBusy(busy bool) {
	l.mu.Lock()
	l.busy = busy
	l.mu.Unlock()
}

// FailNext makes the next n transmits fail hard.
func (l *Loopback) FailNext(n int) {
	l.mu.Lock()
	l.failNext = n
	l.mu.Unlock()
}

func (l *Loopback) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queued)
}

// Frames returns every frame accepted so far: delivered ones first, then the
// ones still queued.
func (l *Loopback) Frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, 0, len(l.delivered)+len(l.queued))
	out = append(out, l.delivered...)
	out = append(out, l.queued...)
	return out
}

func (l *Loopback) detach() {
	l.mu.Lock()
	l.detached = true
	l.mu.Unlock()
}

type loopbackHandle struct {
	dev    *Loopback
	closed atomic.Bool
}

func (h *loopbackHandle) Name() string                   { return h.dev.name }
func (h *loopbackHandle) Index() int                     { return h.dev.index }
func (h *loopbackHandle) HardwareAddr() net.HardwareAddr { return h.dev.addr }
func (h *loopbackHandle) Media() Media                   { return h.dev.media }
func (h *loopbackHandle) MTU() int                       { return h.dev.mtu }

func (h *loopbackHandle) Transmit(frame []byte) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.dev.transmit(frame)
}

func (h *loopbackHandle) Close() error {
	h.closed.Store(true)
	return nil
}
