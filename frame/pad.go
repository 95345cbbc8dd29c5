// Package frame holds link-layer specific transformations applied to a frame
// right before it is handed to a device.
package frame

import (
	"sync"

	"egressd/netdev"
)

// EthernetMinimumSize is the smallest Ethernet frame on the wire, not
// counting the trailing frame check sequence.
const EthernetMinimumSize = 60

// Policy enforces the minimum on-wire size for one kind of media. Pad must
// never shorten a frame.
type Policy interface {
	Pad(frame []byte) []byte
}

// MinimumSize extends frames shorter than its value with zero bytes. A short
// frame is copied; spare capacity behind it may belong to its producer.
type MinimumSize int

func (m MinimumSize) Pad(frame []byte) []byte {
	if len(frame) >= int(m) {
		return frame
	}
	padded := make([]byte, int(m))
	copy(padded, frame)
	return padded
}

// Passthrough leaves frames untouched.
type Passthrough struct{}

func (Passthrough) Pad(frame []byte) []byte { return frame }

var (
	mu       sync.RWMutex
	policies = map[netdev.Media]Policy{
		netdev.MediaEthernet: MinimumSize(EthernetMinimumSize),
	}
)

// Register installs the policy used for a media type, replacing any earlier
// one. A nil policy removes it.
func Register(media netdev.Media, p Policy) {
	mu.Lock()
	defer mu.Unlock()
	if p == nil {
		delete(policies, media)
		return
	}
	policies[media] = p
}

// PolicyFor returns the padding policy for media; media without one pass
// frames through unchanged.
func PolicyFor(media netdev.Media) Policy {
	mu.RLock()
	defer mu.RUnlock()
	if p, ok := policies[media]; ok {
		return p
	}
	return Passthrough{}
}
