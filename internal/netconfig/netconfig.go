// Package netconfig assigns addresses and routes to interfaces the daemon
// creates itself.
package netconfig

import (
	"errors"
	"net"
	"net/netip"
)

var ErrUnsupported = errors.New("interface configuration is not supported on this platform")

func prefixToIPNet(prefix netip.Prefix) *net.IPNet {
	prefix = prefix.Masked()
	bits := 128
	if prefix.Addr().Is4() {
		bits = 32
	}
	return &net.IPNet{
		IP:   net.IP(prefix.Addr().AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), bits),
	}
}

// hostIPNet keeps the host part of the address, which a masked prefix drops.
func hostIPNet(prefix netip.Prefix) *net.IPNet {
	n := prefixToIPNet(prefix)
	n.IP = net.IP(prefix.Addr().AsSlice())
	return n
}
