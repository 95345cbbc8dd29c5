package netdev

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/tun"

	"egressd/internal/logging"
)

const (
	defaultTUNMTU = 1420
	// tunWriteOffset leaves headroom in front of each frame for the
	// virtio-net header some tun backends prepend.
	tunWriteOffset = 16
)

// TUNResolver owns a single TUN interface. The interface is created up front;
// it counts as present while the link is up, so an administratively down TUN
// resolves to ErrNotFound and its up/down transitions are reported as
// appearance and disappearance.
type TUNResolver struct {
	logger *logging.Logger
	dev    tun.Device
	name   string
	index  int

	mu       sync.Mutex
	up       bool
	mtu      int
	watching bool
	events   chan Event
	done     chan struct{}
	closed   bool
}

// TUNOption adjusts a TUNResolver right after its device has been created.
type TUNOption func(name string) error

func NewTUNResolver(name string, mtu int, logger *logging.Logger, opts ...TUNOption) (*TUNResolver, error) {
	if mtu <= 0 {
		mtu = defaultTUNMTU
	}
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun %q: %w", name, err)
	}
	actual, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("tun name: %w", err)
	}
	for _, opt := range opts {
		if err := opt(actual); err != nil {
			dev.Close()
			return nil, err
		}
	}

	r := &TUNResolver{
		logger: logger,
		dev:    dev,
		name:   actual,
		mtu:    mtu,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	if iface, err := net.InterfaceByName(actual); err == nil {
		r.index = iface.Index
		r.up = iface.Flags&net.FlagUp != 0
	}
	go r.eventLoop()

	logger.Info("tun device created", map[string]interface{}{"name": actual, "mtu": mtu, "up": r.up})
	return r, nil
}

func (r *TUNResolver) Name() string {
	return r.name
}

func (r *TUNResolver) Resolve(ref Ref) (Handle, error) {
	if ref.IsAddr() {
		return nil, fmt.Errorf("%w: tun devices have no link-layer address", ErrUnsupported)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || ref.Name != r.name || !r.up {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return &tunHandle{resolver: r, mtu: r.mtu}, nil
}

// Watch hands out the resolver's event stream until ctx ends or the resolver
// is closed. Only one watcher at a time is supported.
func (r *TUNResolver) Watch(ctx context.Context) (<-chan Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("tun resolver closed")
	}
	if r.watching {
		r.mu.Unlock()
		return nil, errors.New("tun resolver already watched")
	}
	r.watching = true
	r.mu.Unlock()

	out := make(chan Event, 16)
	go func() {
		forwardEvents(ctx, r.events, r.done, out)
		r.mu.Lock()
		r.watching = false
		r.mu.Unlock()
	}()
	return out, nil
}

func (r *TUNResolver) eventLoop() {
	for ev := range r.dev.Events() {
		var out Event
		r.mu.Lock()
		switch ev {
		case tun.EventUp:
			if r.up {
				r.mu.Unlock()
				continue
			}
			r.up = true
			out = Event{Kind: EventAppeared, Name: r.name, Index: r.index}
		case tun.EventDown:
			if !r.up {
				r.mu.Unlock()
				continue
			}
			r.up = false
			out = Event{Kind: EventDisappeared, Name: r.name, Index: r.index}
		case tun.EventMTUUpdate:
			if mtu, err := r.dev.MTU(); err == nil {
				r.mtu = mtu
			}
			out = Event{Kind: EventChanged, Name: r.name, Index: r.index}
		default:
			r.mu.Unlock()
			continue
		}
		watching := r.watching
		r.mu.Unlock()

		r.logger.Debug("tun event", map[string]interface{}{"name": r.name, "event": out.Kind.String()})
		if !watching {
			continue
		}
		select {
		case r.events <- out:
		case <-r.done:
			return
		}
	}
}

func (r *TUNResolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()
	return r.dev.Close()
}

type tunHandle struct {
	resolver *TUNResolver
	mtu      int
	closed   atomic.Bool
}

func (h *tunHandle) Name() string                   { return h.resolver.name }
func (h *tunHandle) Index() int                     { return h.resolver.index }
func (h *tunHandle) HardwareAddr() net.HardwareAddr { return nil }
func (h *tunHandle) Media() Media                   { return MediaIP }
func (h *tunHandle) MTU() int                       { return h.mtu }

func (h *tunHandle) Transmit(frame []byte) error {
	if h.closed.Load() {
		return ErrClosed
	}
	buf := make([]byte, tunWriteOffset+len(frame))
	copy(buf[tunWriteOffset:], frame)
	if _, err := h.resolver.dev.Write([][]byte{buf}, tunWriteOffset); err != nil {
		return classifyErrno(h.resolver.name, err)
	}
	return nil
}

// Close releases the handle only; the TUN interface belongs to the resolver.
func (h *tunHandle) Close() error {
	h.closed.Store(true)
	return nil
}

