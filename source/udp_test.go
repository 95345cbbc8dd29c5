package source

import (
	"io"
	"net"
	"testing"
	"time"

	"egressd/internal/logging"
)

func TestUDPSourceQueuesDatagrams(t *testing.T) {
	queue := NewQueue(8)
	arrived := make(chan struct{}, 8)
	queue.OnPush(func() { arrived <- struct{}{} })

	src, err := NewUDP("127.0.0.1:0", queue, logging.New(logging.LevelError, io.Discard))
	if err != nil {
		t.Fatalf("new udp source: %v", err)
	}
	defer src.Close()

	conn, err := net.DialUDP("udp", nil, src.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("frame-1")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-arrived:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for datagram")
	}

	pkt, ok := queue.Pull()
	if !ok || string(pkt) != "frame-1" {
		t.Fatalf("unexpected packet %q ok=%v", pkt, ok)
	}
}

func TestUDPSourceRequiresListen(t *testing.T) {
	if _, err := NewUDP("", NewQueue(1), nil); err == nil {
		t.Fatalf("expected error without listen address")
	}
}
