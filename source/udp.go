package source

import (
	"errors"
	"net"
	"sync"

	"egressd/internal/logging"
)

// UDP feeds every datagram received on a socket into a Queue. Each datagram
// is treated as one complete frame.
type UDP struct {
	conn   *net.UDPConn
	queue  *Queue
	logger *logging.Logger
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewUDP(listen string, queue *Queue, logger *logging.Logger) (*UDP, error) {
	if listen == "" {
		return nil, errors.New("udp source requires listen address")
	}
	if queue == nil {
		return nil, errors.New("udp source requires a queue")
	}
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	u := &UDP{
		conn:   conn,
		queue:  queue,
		logger: logger,
		done:   make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

func (u *UDP) LocalAddr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	err := u.conn.Close()
	<-u.done
	return err
}

func (u *UDP) readLoop() {
	defer close(u.done)
	buf := make([]byte, 65535)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.RLock()
			closed := u.closed
			u.mu.RUnlock()
			if closed {
				return
			}
			u.logger.Warn("udp source read failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		if err := u.queue.Push(pkt); err != nil {
			// drop on overflow; Queue.Dropped keeps the count
			if errors.Is(err, ErrClosed) {
				return
			}
		}
	}
}
