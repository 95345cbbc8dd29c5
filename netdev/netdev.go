// Package netdev describes the devices egress traffic is handed to: how a
// device is referenced, resolved to a live handle, transmitted through, and
// how its appearance and disappearance are reported.
package netdev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrNotFound is returned by a Resolver when no live device matches.
	ErrNotFound = errors.New("device not found")
	// ErrBusy signals transient backpressure: the device cannot take the
	// frame right now but is not broken.
	ErrBusy = errors.New("device busy")
	// ErrTransmitFailed is a driver-level transmit-start failure.
	ErrTransmitFailed = errors.New("transmit failed")
	ErrClosed         = errors.New("device handle closed")
	ErrInvalidRef     = errors.New("invalid device reference")
	ErrUnsupported    = errors.New("operation not supported by driver")
)

// maxNameLen is IFNAMSIZ minus the terminating NUL.
const maxNameLen = 15

type Media int

const (
	MediaRaw Media = iota
	MediaEthernet
	MediaIP
)

func (m Media) String() string {
	switch m {
	case MediaEthernet:
		return "ethernet"
	case MediaIP:
		return "ip"
	default:
		return "raw"
	}
}

// Ref names a device either by interface name or by Ethernet address.
type Ref struct {
	Name string
	Addr net.HardwareAddr
}

// ParseRef accepts an interface name or a 6-byte link-layer address.
func ParseRef(input string) (Ref, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	if strings.ContainsAny(s, ":-.") {
		if addr, err := net.ParseMAC(s); err == nil {
			if len(addr) != 6 {
				return Ref{}, fmt.Errorf("%w: %q is not an Ethernet address", ErrInvalidRef, s)
			}
			return Ref{Addr: addr}, nil
		}
	}
	if len(s) > maxNameLen {
		return Ref{}, fmt.Errorf("%w: name %q longer than %d bytes", ErrInvalidRef, s, maxNameLen)
	}
	if s == "." || s == ".." || strings.ContainsAny(s, "/ \t\r\n") {
		return Ref{}, fmt.Errorf("%w: bad interface name %q", ErrInvalidRef, s)
	}
	return Ref{Name: s}, nil
}

func (r Ref) IsAddr() bool {
	return len(r.Addr) > 0
}

func (r Ref) String() string {
	if r.IsAddr() {
		return r.Addr.String()
	}
	return r.Name
}

// Matches reports whether a device with the given name and address is the
// one this reference points at.
func (r Ref) Matches(name string, addr net.HardwareAddr) bool {
	if r.IsAddr() {
		return bytes.Equal(r.Addr, addr)
	}
	return r.Name != "" && r.Name == name
}

// Handle is a live, resolved device. Transmit must not block: it returns nil
// when the frame was accepted, an error wrapping ErrBusy on backpressure, and
// any other error on a hard failure.
type Handle interface {
	Name() string
	Index() int
	HardwareAddr() net.HardwareAddr
	Media() Media
	MTU() int
	Transmit(frame []byte) error
	Close() error
}

type Resolver interface {
	Resolve(ref Ref) (Handle, error)
}

type EventKind int

const (
	EventAppeared EventKind = iota
	EventDisappeared
	EventChanged
	EventTxComplete
)

func (k EventKind) String() string {
	switch k {
	case EventAppeared:
		return "appeared"
	case EventDisappeared:
		return "disappeared"
	case EventChanged:
		return "changed"
	case EventTxComplete:
		return "tx_complete"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind  EventKind
	Name  string
	Addr  net.HardwareAddr
	Index int
}

// Watcher streams device events until ctx is cancelled.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Event, error)
}

// IsBusy reports whether err is transient device backpressure.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// classifyErrno maps a driver write error onto ErrBusy for transient socket
// buffer exhaustion and ErrTransmitFailed for everything else.
func classifyErrno(name string, err error) error {
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS) {
		return fmt.Errorf("%s: %w: %v", name, ErrBusy, err)
	}
	return fmt.Errorf("%s: %w: %v", name, ErrTransmitFailed, err)
}

// forwardEvents copies in to out until ctx ends, done closes or in closes,
// then closes out.
func forwardEvents(ctx context.Context, in <-chan Event, done <-chan struct{}, out chan<- Event) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}
}
