//go:build !linux

package netconfig

import "net/netip"

func ConfigureTUN(ifname string, localIP netip.Prefix, routes []netip.Prefix) error {
	return ErrUnsupported
}

func DeleteRoute(ifname string, prefix netip.Prefix) error {
	return ErrUnsupported
}

func InterfaceAddress(ifname string) (netip.Prefix, error) {
	return netip.Prefix{}, ErrUnsupported
}

func SetMTU(ifname string, mtu int) error {
	return ErrUnsupported
}

func BringUp(ifname string) error {
	return ErrUnsupported
}

func BringDown(ifname string) error {
	return ErrUnsupported
}
