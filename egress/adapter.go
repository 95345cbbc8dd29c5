// Package egress implements the transmit side of a packet path: an Adapter
// pulls packets from an upstream source on every scheduler activation and
// hands them to a network device, coping with device backpressure, hard
// transmit failures and the device coming and going at runtime.
package egress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"egressd/frame"
	"egressd/internal/backoff"
	"egressd/internal/logging"
	"egressd/internal/state"
	"egressd/netdev"
	"egressd/source"
)

// DefaultBurst is the number of packets attempted per activation when the
// configuration does not override it.
const DefaultBurst = 16

var (
	ErrInvalidConfig      = errors.New("invalid egress configuration")
	ErrDeviceNotFound     = errors.New("egress device not found")
	ErrShutdown           = errors.New("egress adapter shut down")
	ErrAlreadyInitialized = errors.New("egress adapter already initialized")
)

type State int

const (
	StateUnresolved State = iota
	StateActive
	StateDormant
	StateBackoffWait
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateActive:
		return "active"
	case StateDormant:
		return "dormant"
	case StateBackoffWait:
		return "backoff"
	case StateShutDown:
		return "shutdown"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config is the adapter's configuration contract.
type Config struct {
	// Device is an interface name or an Ethernet address.
	Device string
	// Burst overrides DefaultBurst when set. Zero disables transmission.
	Burst *int
	// AllowNonexistent turns a missing device at Initialize into a warning.
	AllowNonexistent bool
	// HoldOnBusy keeps the packet refused by a busy device and retries it
	// first on the next pass instead of discarding it.
	HoldOnBusy bool

	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Adapter moves packets from a Source to a device. RunScheduled is meant to
// be driven by a single scheduler goroutine; every other method is safe to
// call from any goroutine.
type Adapter struct {
	ref              netdev.Ref
	allowNonexistent bool
	holdOnBusy       bool
	resolver         netdev.Resolver
	src              source.Source
	logger           *logging.Logger
	history          *state.History
	now              func() time.Time

	// mu serializes transmit passes with device swaps, completion
	// notifications, counter resets and shutdown.
	mu          sync.Mutex
	handle      netdev.Handle
	initialized bool
	held        []byte
	policy      *backoff.Policy
	window      backoff.Window
	waker       func()

	burst    atomic.Int64
	shutdown atomic.Bool

	sent      atomic.Uint64
	rejected  atomic.Uint64
	hardStart atomic.Uint64
	busy      atomic.Uint64
}

type Option func(*Adapter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// WithHistory records device transitions into h instead of a private history.
func WithHistory(h *state.History) Option {
	return func(a *Adapter) {
		a.history = h
	}
}

// New validates cfg and builds a configured but uninitialized adapter. The
// device itself is not looked up until Initialize.
func New(cfg Config, resolver netdev.Resolver, src source.Source, logger *logging.Logger, opts ...Option) (*Adapter, error) {
	ref, err := netdev.ParseRef(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	burst := DefaultBurst
	if cfg.Burst != nil {
		burst = *cfg.Burst
	}
	if burst < 0 {
		return nil, fmt.Errorf("%w: burst %d is negative", ErrInvalidConfig, burst)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver is required", ErrInvalidConfig)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrInvalidConfig)
	}

	a := &Adapter{
		ref:              ref,
		allowNonexistent: cfg.AllowNonexistent,
		holdOnBusy:       cfg.HoldOnBusy,
		resolver:         resolver,
		src:              src,
		logger:           logger.With(map[string]interface{}{"device": ref.String()}),
		now:              time.Now,
		policy:           backoff.NewPolicy(cfg.BackoffInitial, cfg.BackoffMax),
	}
	a.burst.Store(int64(burst))
	for _, opt := range opts {
		opt(a)
	}
	if a.history == nil {
		a.history = state.NewHistory(32)
	}
	return a, nil
}

// SetWaker installs the callback used to ask the scheduler for an immediate
// activation (device appeared, transmit completed, burst raised).
func (a *Adapter) SetWaker(fn func()) {
	a.mu.Lock()
	a.waker = fn
	a.mu.Unlock()
}

// Initialize resolves the device. A missing device is fatal unless the
// adapter allows nonexistent devices, in which case it starts dormant.
func (a *Adapter) Initialize() error {
	if a.shutdown.Load() {
		return ErrShutdown
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return ErrAlreadyInitialized
	}

	handle, err := a.resolver.Resolve(a.ref)
	if err != nil {
		if !errors.Is(err, netdev.ErrNotFound) {
			return fmt.Errorf("resolve %s: %w", a.ref, err)
		}
		if !a.allowNonexistent {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, a.ref)
		}
		a.initialized = true
		a.logger.Warn("device does not exist yet, waiting for it to appear", nil)
		a.history.Record("dormant", "device absent at initialization")
		return nil
	}

	a.handle = handle
	a.initialized = true
	a.logger.Info("device resolved", map[string]interface{}{
		"name":  handle.Name(),
		"index": handle.Index(),
		"media": handle.Media().String(),
	})
	a.history.Record("active", fmt.Sprintf("resolved %s (index %d)", handle.Name(), handle.Index()))
	return nil
}

// ChangeDevice applies a device appearance, disappearance or replacement
// notification. Events for other devices are ignored. The swap happens under
// the pass lock, so it can never land in the middle of a transmit pass.
func (a *Adapter) ChangeDevice(ev netdev.Event) {
	if ev.Kind == netdev.EventTxComplete || a.shutdown.Load() {
		return
	}
	a.mu.Lock()
	if !a.initialized || a.shutdown.Load() {
		a.mu.Unlock()
		return
	}
	matches := a.ref.Matches(ev.Name, ev.Addr)
	if !matches && a.handle != nil && ev.Kind == netdev.EventDisappeared {
		// a device found by address can vanish under its name only
		matches = a.handle.Name() == ev.Name && a.handle.Index() == ev.Index
	}
	if !matches {
		a.mu.Unlock()
		return
	}

	woke := false
	switch ev.Kind {
	case netdev.EventDisappeared:
		a.dropHandleLocked("device disappeared")
	case netdev.EventAppeared, netdev.EventChanged:
		woke = a.refreshHandleLocked(ev)
	}
	waker := a.waker
	a.mu.Unlock()

	if woke && waker != nil {
		waker()
	}
}

func (a *Adapter) refreshHandleLocked(ev netdev.Event) bool {
	handle, err := a.resolver.Resolve(a.ref)
	if err != nil {
		if a.handle != nil {
			a.dropHandleLocked("device no longer resolves")
		}
		a.logger.Debug("device notification without a live device", map[string]interface{}{
			"event": ev.Kind.String(),
			"error": err.Error(),
		})
		return false
	}
	if a.handle != nil && a.handle.Index() == handle.Index() && ev.Kind != netdev.EventChanged {
		handle.Close()
		return false
	}

	old := a.handle
	a.handle = handle
	fields := map[string]interface{}{"name": handle.Name(), "index": handle.Index()}
	if old != nil {
		old.Close()
		fields["previousIndex"] = old.Index()
		a.logger.Info("device replaced", fields)
		a.history.Record("replaced", fmt.Sprintf("%s index %d -> %d", handle.Name(), old.Index(), handle.Index()))
	} else {
		a.logger.Info("device appeared, resuming transmission", fields)
		a.history.Record("active", fmt.Sprintf("%s appeared (index %d)", handle.Name(), handle.Index()))
	}
	return true
}

func (a *Adapter) dropHandleLocked(reason string) {
	if a.handle == nil {
		return
	}
	name := a.handle.Name()
	if err := a.handle.Close(); err != nil {
		a.logger.Warn("device handle close failed", map[string]interface{}{"error": err.Error()})
	}
	a.handle = nil
	a.logger.Warn("device gone, adapter dormant", map[string]interface{}{"name": name, "reason": reason})
	a.history.Record("dormant", reason)
}

// RunScheduled performs one transmit pass of at most burst packets. It
// reports whether the scheduler should keep activating the adapter; false
// means there is nothing to do until something wakes it.
func (a *Adapter) RunScheduled() bool {
	if a.shutdown.Load() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || a.handle == nil {
		return false
	}
	now := a.now()
	if a.window.Active(now) {
		return true
	}

	burst := int(a.burst.Load())
	if burst == 0 {
		return false
	}
	pad := frame.PolicyFor(a.handle.Media())

	drained, failed := false, false
	for i := 0; i < burst; i++ {
		if a.shutdown.Load() {
			return false
		}
		pkt := a.held
		a.held = nil
		if pkt == nil {
			var ok bool
			pkt, ok = a.src.Pull()
			if !ok {
				drained = true
				break
			}
		}

		pkt = pad.Pad(pkt)
		err := a.handle.Transmit(pkt)
		switch {
		case err == nil:
			a.sent.Add(1)
			a.policy.Reset()
		case netdev.IsBusy(err):
			a.busy.Add(1)
			if a.holdOnBusy {
				a.held = pkt
			} else {
				a.rejected.Add(1)
			}
			wait := a.policy.Next()
			a.window.Open(now, wait)
			a.logger.Debug("device busy, backing off", map[string]interface{}{
				"backoff": wait.String(),
				"held":    a.holdOnBusy,
			})
			return true
		case errors.Is(err, netdev.ErrClosed):
			// The device went away under the handle and its notification is
			// still in flight. The packet waits for the device that replaces it.
			a.held = pkt
			a.dropHandleLocked("handle closed under transmit")
			return false
		default:
			a.hardStart.Add(1)
			failed = true
			a.logger.Debug("hard transmit failure, packet dropped", map[string]interface{}{"error": err.Error()})
		}
	}
	return !drained || failed
}

// TxComplete tells the adapter the device drained earlier transmissions. It
// closes the backoff window at once and reports whether one was open.
func (a *Adapter) TxComplete() bool {
	if a.shutdown.Load() {
		return false
	}
	a.mu.Lock()
	cleared := a.window.Clear(a.now())
	active := a.handle != nil
	waker := a.waker
	a.mu.Unlock()

	if active && waker != nil {
		waker()
	}
	return cleared
}

// ResetCounts zeroes all four counters together. Nothing else is touched.
func (a *Adapter) ResetCounts() {
	a.mu.Lock()
	a.sent.Store(0)
	a.rejected.Store(0)
	a.hardStart.Store(0)
	a.busy.Store(0)
	a.mu.Unlock()
}

// Uninitialize releases the device without sending anything more. A pass
// running concurrently stops before its next pull.
func (a *Adapter) Uninitialize() {
	if a.shutdown.Swap(true) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil {
		if err := a.handle.Close(); err != nil {
			a.logger.Warn("device handle close failed", map[string]interface{}{"error": err.Error()})
		}
		a.handle = nil
	}
	a.held = nil
	a.logger.Info("adapter shut down", nil)
	a.history.Record("shutdown", "")
}

// Watch routes device events into the adapter until ctx ends or the channel
// closes.
func (a *Adapter) Watch(ctx context.Context, events <-chan netdev.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == netdev.EventTxComplete {
				if a.ref.Matches(ev.Name, ev.Addr) || a.currentDevice(ev.Name) {
					a.TxComplete()
				}
				continue
			}
			a.ChangeDevice(ev)
		}
	}
}

func (a *Adapter) currentDevice(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle != nil && a.handle.Name() == name
}

func (a *Adapter) Burst() int {
	return int(a.burst.Load())
}

// SetBurst changes the per-activation quota at runtime.
func (a *Adapter) SetBurst(burst int) error {
	if burst < 0 {
		return fmt.Errorf("%w: burst %d is negative", ErrInvalidConfig, burst)
	}
	prev := a.burst.Swap(int64(burst))
	if prev != int64(burst) {
		a.logger.Info("burst changed", map[string]interface{}{"from": prev, "to": burst})
	}
	a.mu.Lock()
	waker := a.waker
	a.mu.Unlock()
	if burst > 0 && waker != nil {
		waker()
	}
	return nil
}

func (a *Adapter) State() State {
	if a.shutdown.Load() {
		return StateShutDown
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

func (a *Adapter) stateLocked() State {
	switch {
	case a.shutdown.Load():
		return StateShutDown
	case !a.initialized:
		return StateUnresolved
	case a.handle == nil:
		return StateDormant
	case a.window.Active(a.now()):
		return StateBackoffWait
	default:
		return StateActive
	}
}

// History exposes the adapter's transition log.
func (a *Adapter) History() *state.History {
	return a.history
}
