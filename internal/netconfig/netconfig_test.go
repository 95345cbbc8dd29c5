package netconfig

import (
	"net/netip"
	"testing"
)

func TestPrefixToIPNet(t *testing.T) {
	cases := map[string]string{
		"10.9.0.1/24":    "10.9.0.0/24",
		"192.168.1.7/32": "192.168.1.7/32",
		"fd00::1/64":     "fd00::/64",
		"0.0.0.0/0":      "0.0.0.0/0",
	}
	for in, want := range cases {
		got := prefixToIPNet(netip.MustParsePrefix(in)).String()
		if got != want {
			t.Fatalf("%s: got %s want %s", in, got, want)
		}
	}
}

func TestHostIPNetKeepsHostBits(t *testing.T) {
	got := hostIPNet(netip.MustParsePrefix("10.9.0.1/24"))
	if got.IP.String() != "10.9.0.1" {
		t.Fatalf("host part dropped: %s", got.IP)
	}
	if ones, bits := got.Mask.Size(); ones != 24 || bits != 32 {
		t.Fatalf("unexpected mask %d/%d", ones, bits)
	}
}
