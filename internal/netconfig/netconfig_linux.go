//go:build linux

package netconfig

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ConfigureTUN assigns localIP (when valid), brings the interface up and
// installs routes through it. Addresses and routes that already exist are
// left alone.
func ConfigureTUN(ifname string, localIP netip.Prefix, routes []netip.Prefix) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	if localIP.IsValid() {
		addr := &netlink.Addr{IPNet: hostIPNet(localIP)}
		if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("failed to set IP address: %w", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring interface up: %w", err)
	}
	for _, route := range routes {
		if err := addRoute(link, route); err != nil {
			return fmt.Errorf("failed to add route %s: %w", route, err)
		}
	}
	return nil
}

func addRoute(link netlink.Link, prefix netip.Prefix) error {
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       prefixToIPNet(prefix),
		Scope:     netlink.SCOPE_LINK,
	}
	if err := netlink.RouteAdd(route); err != nil && !errors.Is(err, unix.EEXIST) {
		return err
	}
	return nil
}

func DeleteRoute(ifname string, prefix netip.Prefix) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: prefixToIPNet(prefix)}
	if err := netlink.RouteDel(route); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("route del failed: %w", err)
	}
	return nil
}

// InterfaceAddress returns the first address assigned to ifname.
func InterfaceAddress(ifname string) (netip.Prefix, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("lookup %s: %w", ifname, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to list addresses: %w", err)
	}
	for _, addr := range addrs {
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			continue
		}
		ones, _ := addr.Mask.Size()
		return netip.PrefixFrom(ip.Unmap(), ones), nil
	}
	return netip.Prefix{}, fmt.Errorf("no IP address found for interface %s", ifname)
}

func SetMTU(ifname string, mtu int) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("failed to set MTU: %w", err)
	}
	return nil
}

func BringUp(ifname string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	return netlink.LinkSetUp(link)
}

func BringDown(ifname string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	return netlink.LinkSetDown(link)
}
