package egress

import (
	"strconv"
	"strings"
	"time"

	"egressd/internal/state"
)

// Counters are monotonic between resets and wrap at 2^64.
type Counters struct {
	PacketsSent       uint64 `json:"packetsSent"`
	PacketsRejected   uint64 `json:"packetsRejected"`
	HardStartFailures uint64 `json:"hardStartFailures"`
	BusyReturns       uint64 `json:"busyReturns"`
}

func (a *Adapter) Counters() Counters {
	return Counters{
		PacketsSent:       a.sent.Load(),
		PacketsRejected:   a.rejected.Load(),
		HardStartFailures: a.hardStart.Load(),
		BusyReturns:       a.busy.Load(),
	}
}

type DeviceInfo struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
	Addr  string `json:"addr,omitempty"`
	Media string `json:"media"`
	MTU   int    `json:"mtu"`
}

type Snapshot struct {
	Ref          string        `json:"ref"`
	State        State         `json:"state"`
	Device       *DeviceInfo   `json:"device,omitempty"`
	Burst        int           `json:"burst"`
	HoldOnBusy   bool          `json:"holdOnBusy"`
	Holding      bool          `json:"holding"`
	BackoffUntil *time.Time    `json:"backoffUntil,omitempty"`
	Counters     Counters      `json:"counters"`
	History      []state.Event `json:"history"`
}

func (a *Adapter) Snapshot() Snapshot {
	a.mu.Lock()
	snap := Snapshot{
		Ref:        a.ref.String(),
		State:      a.stateLocked(),
		Burst:      a.Burst(),
		HoldOnBusy: a.holdOnBusy,
		Holding:    a.held != nil,
	}
	if a.window.Active(a.now()) {
		deadline := a.window.Deadline()
		snap.BackoffUntil = &deadline
	}
	if a.handle != nil {
		info := &DeviceInfo{
			Name:  a.handle.Name(),
			Index: a.handle.Index(),
			Media: a.handle.Media().String(),
			MTU:   a.handle.MTU(),
		}
		if addr := a.handle.HardwareAddr(); len(addr) > 0 {
			info.Addr = addr.String()
		}
		snap.Device = info
	}
	a.mu.Unlock()

	snap.Counters = a.Counters()
	snap.History = a.history.Events()
	return snap
}

func (a *Adapter) Metrics() map[string]float64 {
	c := a.Counters()
	st := a.State()
	metrics := map[string]float64{
		"egress_packets_sent_total":        float64(c.PacketsSent),
		"egress_packets_rejected_total":    float64(c.PacketsRejected),
		"egress_hard_start_failures_total": float64(c.HardStartFailures),
		"egress_busy_returns_total":        float64(c.BusyReturns),
		"egress_burst":                     float64(a.Burst()),
		"egress_device_present":            boolToFloat(st == StateActive || st == StateBackoffWait),
		"egress_backoff_active":            boolToFloat(st == StateBackoffWait),
	}
	return metrics
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// ReadPackets renders the packets counter the way the "packets" handler
// reports it.
func (a *Adapter) ReadPackets() string {
	return strconv.FormatUint(a.sent.Load(), 10)
}

// WriteBurst parses a handler write and applies it as the new burst.
func (a *Adapter) WriteBurst(value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	return a.SetBurst(n)
}
