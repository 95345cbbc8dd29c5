//go:build linux

package netdev

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"egressd/internal/logging"
)

// PacketResolver finds kernel network interfaces through netlink and opens an
// AF_PACKET socket bound to the interface for transmission. Frames are sent
// as-is, so they must carry their own link-layer header.
type PacketResolver struct {
	logger *logging.Logger
}

func NewPacketResolver(logger *logging.Logger) *PacketResolver {
	return &PacketResolver{logger: logger}
}

func (r *PacketResolver) Resolve(ref Ref) (Handle, error) {
	link, err := r.lookup(ref)
	if err != nil {
		return nil, err
	}
	return openPacketHandle(link)
}

func (r *PacketResolver) lookup(ref Ref) (netlink.Link, error) {
	if !ref.IsAddr() {
		link, err := netlink.LinkByName(ref.Name)
		if err != nil {
			var notFound netlink.LinkNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
			}
			return nil, fmt.Errorf("lookup %s: %w", ref, err)
		}
		return link, nil
	}
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	for _, link := range links {
		attrs := link.Attrs()
		if ref.Matches(attrs.Name, attrs.HardwareAddr) {
			return link, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// Watch subscribes to kernel link updates. A new link is reported as
// appeared, a deleted one as disappeared, and a name reappearing under a
// different interface index as changed.
func (r *PacketResolver) Watch(ctx context.Context) (<-chan Event, error) {
	known := make(map[string]int)
	if links, err := netlink.LinkList(); err == nil {
		for _, link := range links {
			known[link.Attrs().Name] = link.Attrs().Index
		}
	}

	updates := make(chan netlink.LinkUpdate, 32)
	done := make(chan struct{})
	err := netlink.LinkSubscribeWithOptions(updates, done, netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			r.logger.Warn("netlink subscription error", map[string]interface{}{"error": err.Error()})
		},
	})
	if err != nil {
		close(done)
		return nil, fmt.Errorf("subscribe link updates: %w", err)
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				ev, emit := translateLinkUpdate(known, update)
				if !emit {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; handles own their sockets and Watch ends with its
// context.
func (r *PacketResolver) Close() error {
	return nil
}

func translateLinkUpdate(known map[string]int, update netlink.LinkUpdate) (Event, bool) {
	attrs := update.Link.Attrs()
	ev := Event{Name: attrs.Name, Addr: attrs.HardwareAddr, Index: attrs.Index}
	if update.Header.Type == unix.RTM_DELLINK {
		delete(known, attrs.Name)
		ev.Kind = EventDisappeared
		return ev, true
	}
	prev, seen := known[attrs.Name]
	known[attrs.Name] = attrs.Index
	switch {
	case !seen:
		ev.Kind = EventAppeared
	case prev != attrs.Index:
		ev.Kind = EventChanged
	default:
		return ev, false
	}
	return ev, true
}

func mediaForEncap(encap string) Media {
	switch encap {
	case "ether", "loopback":
		return MediaEthernet
	case "none":
		return MediaIP
	default:
		return MediaRaw
	}
}

type packetHandle struct {
	name  string
	index int
	addr  net.HardwareAddr
	media Media
	mtu   int

	mu sync.RWMutex
	fd int
}

func openPacketHandle(link netlink.Link) (*packetHandle, error) {
	attrs := link.Attrs()
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("packet socket for %s: %w", attrs.Name, err)
	}
	// Protocol 0 keeps the socket send-only.
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Ifindex: attrs.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind packet socket to %s: %w", attrs.Name, err)
	}
	return &packetHandle{
		name:  attrs.Name,
		index: attrs.Index,
		addr:  append(net.HardwareAddr(nil), attrs.HardwareAddr...),
		media: mediaForEncap(attrs.EncapType),
		mtu:   attrs.MTU,
		fd:    fd,
	}, nil
}

func (h *packetHandle) Name() string                   { return h.name }
func (h *packetHandle) Index() int                     { return h.index }
func (h *packetHandle) HardwareAddr() net.HardwareAddr { return h.addr }
func (h *packetHandle) Media() Media                   { return h.media }
func (h *packetHandle) MTU() int                       { return h.mtu }

func (h *packetHandle) Transmit(frame []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.fd < 0 {
		return ErrClosed
	}
	n, err := unix.Write(h.fd, frame)
	if err != nil {
		return classifyErrno(h.name, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%s: %w: short write %d/%d", h.name, ErrTransmitFailed, n, len(frame))
	}
	return nil
}

func (h *packetHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}
