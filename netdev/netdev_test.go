package netdev

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		input   string
		name    string
		addr    string
		wantErr bool
	}{
		{input: "eth0", name: "eth0"},
		{input: "  wlan0 ", name: "wlan0"},
		{input: "eth0.100", name: "eth0.100"},
		{input: "00:1a:2b:3c:4d:5e", addr: "00:1a:2b:3c:4d:5e"},
		{input: "00-1A-2B-3C-4D-5E", addr: "00:1a:2b:3c:4d:5e"},
		{input: "001a.2b3c.4d5e", addr: "00:1a:2b:3c:4d:5e"},
		{input: "", wantErr: true},
		{input: "averyveryverylongname", wantErr: true},
		{input: "eth/0", wantErr: true},
		{input: "eth 0", wantErr: true},
		{input: "..", wantErr: true},
		{input: "00:00:00:00:fe:80:00:00", wantErr: true},
	}
	for _, tc := range tests {
		ref, err := ParseRef(tc.input)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidRef) {
				t.Fatalf("ParseRef(%q): expected ErrInvalidRef, got %v", tc.input, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", tc.input, err)
		}
		if tc.addr != "" {
			if !ref.IsAddr() || ref.Addr.String() != tc.addr {
				t.Fatalf("ParseRef(%q): expected address %s, got %+v", tc.input, tc.addr, ref)
			}
			continue
		}
		if ref.IsAddr() || ref.Name != tc.name {
			t.Fatalf("ParseRef(%q): expected name %s, got %+v", tc.input, tc.name, ref)
		}
	}
}

func TestRefMatches(t *testing.T) {
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	byName := Ref{Name: "eth0"}
	byAddr := Ref{Addr: mac}

	if !byName.Matches("eth0", nil) || byName.Matches("eth1", mac) {
		t.Fatalf("name reference matched incorrectly")
	}
	if !byAddr.Matches("anything", mac) || byAddr.Matches("eth0", nil) {
		t.Fatalf("address reference matched incorrectly")
	}
	if got := byAddr.String(); got != "02:00:00:00:00:01" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestMediaAndEventStrings(t *testing.T) {
	if MediaEthernet.String() != "ethernet" || MediaIP.String() != "ip" || MediaRaw.String() != "raw" {
		t.Fatalf("unexpected media names")
	}
	if EventTxComplete.String() != "tx_complete" || EventKind(42).String() != "unknown" {
		t.Fatalf("unexpected event names")
	}
}

func TestClassifyErrno(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		busy bool
	}{
		{"eagain", syscall.EAGAIN, true},
		{"enobufs", syscall.ENOBUFS, true},
		{"wrapped enobufs", fmt.Errorf("write: %w", syscall.ENOBUFS), true},
		{"enetdown", syscall.ENETDOWN, false},
		{"emsgsize", syscall.EMSGSIZE, false},
		{"plain", errors.New("boom"), false},
	} {
		err := classifyErrno("eth0", tc.err)
		if IsBusy(err) != tc.busy {
			t.Fatalf("%s: busy=%v, want %v (%v)", tc.name, IsBusy(err), tc.busy, err)
		}
		if errors.Is(err, ErrTransmitFailed) == tc.busy {
			t.Fatalf("%s: transmit failure classification wrong: %v", tc.name, err)
		}
		if !errors.Is(err, tc.err) && !strings.Contains(err.Error(), tc.err.Error()) {
			t.Fatalf("%s: cause missing from %v", tc.name, err)
		}
	}
}

func TestForwardEventsStopsOnContextAndClose(t *testing.T) {
	in := make(chan Event, 1)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event)
	go forwardEvents(ctx, in, done, out)

	in <- Event{Kind: EventAppeared, Name: "tun0"}
	if ev := <-out; ev.Kind != EventAppeared {
		t.Fatalf("unexpected event %+v", ev)
	}
	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("forwarder ignored its context")
	}

	out = make(chan Event)
	go forwardEvents(context.Background(), in, done, out)
	close(done)
	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("expected closed channel after close")
		}
	case <-time.After(time.Second):
		t.Fatal("forwarder ignored resolver close")
	}
}
