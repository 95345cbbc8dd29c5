//go:build !linux

package netdev

import (
	"context"

	"egressd/internal/logging"
)

// PacketResolver needs AF_PACKET and netlink, which only exist on Linux.
type PacketResolver struct {
	logger *logging.Logger
}

func NewPacketResolver(logger *logging.Logger) *PacketResolver {
	return &PacketResolver{logger: logger}
}

func (r *PacketResolver) Resolve(ref Ref) (Handle, error) {
	return nil, ErrUnsupported
}

func (r *PacketResolver) Watch(ctx context.Context) (<-chan Event, error) {
	return nil, ErrUnsupported
}

func (r *PacketResolver) Close() error {
	return nil
}
