//go:build linux

package netdev

import (
	"testing"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func linkUpdate(msgType uint16, name string, index int) netlink.LinkUpdate {
	return netlink.LinkUpdate{
		Header: unix.NlMsghdr{Type: msgType},
		Link:   &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, Index: index}},
	}
}

func TestTranslateLinkUpdate(t *testing.T) {
	known := map[string]int{"eth0": 2}

	if _, emit := translateLinkUpdate(known, linkUpdate(unix.RTM_NEWLINK, "eth0", 2)); emit {
		t.Fatalf("attribute-only update on a known link should be suppressed")
	}

	ev, emit := translateLinkUpdate(known, linkUpdate(unix.RTM_NEWLINK, "eth1", 5))
	if !emit || ev.Kind != EventAppeared || ev.Index != 5 {
		t.Fatalf("unexpected event %+v emit=%v", ev, emit)
	}

	ev, emit = translateLinkUpdate(known, linkUpdate(unix.RTM_NEWLINK, "eth0", 9))
	if !emit || ev.Kind != EventChanged {
		t.Fatalf("re-indexed link should be changed, got %+v", ev)
	}

	ev, emit = translateLinkUpdate(known, linkUpdate(unix.RTM_DELLINK, "eth1", 5))
	if !emit || ev.Kind != EventDisappeared {
		t.Fatalf("unexpected delete event %+v", ev)
	}
	if _, ok := known["eth1"]; ok {
		t.Fatalf("deleted link still tracked")
	}
}

func TestMediaForEncap(t *testing.T) {
	cases := map[string]Media{
		"ether":    MediaEthernet,
		"loopback": MediaEthernet,
		"none":     MediaIP,
		"ppp":      MediaRaw,
	}
	for encap, want := range cases {
		if got := mediaForEncap(encap); got != want {
			t.Fatalf("mediaForEncap(%q) = %s, want %s", encap, got, want)
		}
	}
}
