package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"egressd/audit"
	"egressd/config"
	"egressd/egress"
	"egressd/internal/logging"
	"egressd/internal/management"
	"egressd/internal/netconfig"
	"egressd/internal/ratelimit"
	"egressd/internal/state"
	"egressd/netdev"
	"egressd/scheduler"
	"egressd/source"
)

func main() {
	var cfgPath string
	var flags overrides
	var dumpFormat string
	flag.StringVar(&cfgPath, "config", "egressd.json", "Path to configuration file, '-' for stdin, or an egress:// URL")
	flag.StringVar(&flags.device, "device", "", "Override the egress device")
	flag.IntVar(&flags.burst, "burst", -1, "Override packets per activation; also wins over config reloads")
	flag.StringVar(&dumpFormat, "dump", "", "Print the effective configuration (json, yaml or toml) and exit")
	flag.Parse()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	flags.apply(cfg)

	if dumpFormat != "" {
		data, err := config.Marshal(cfg, config.Format(dumpFormat))
		if err != nil {
			log.Fatalf("failed to render config: %v", err)
		}
		os.Stdout.Write(append(data, '\n'))
		return
	}

	baseLogger := logging.Open(cfg.LoggingOptions())
	defer baseLogger.Close()
	componentLogger := baseLogger.With(map[string]interface{}{"component": "egressd"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	history := state.NewHistory(32)
	if err := run(ctx, cfgPath, cfg, flags, baseLogger, history); err != nil {
		componentLogger.Error("egress exit", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

// overrides are command-line values that take precedence over the
// configuration file, on startup and on every reload.
type overrides struct {
	device string
	burst  int
}

func (o overrides) apply(cfg *config.Config) {
	if o.device != "" {
		cfg.Device = o.device
	}
	if o.burst >= 0 {
		burst := o.burst
		cfg.Burst = &burst
	}
}

func loadConfig(path string) (*config.Config, error) {
	if config.IsURL(path) {
		return config.ParseURL(path)
	}
	return config.Load(path)
}

// driver is a device backend: it resolves references and reports device
// lifecycle events.
type driver interface {
	netdev.Resolver
	netdev.Watcher
	Close() error
}

func openDriver(cfg *config.Config, logger *logging.Logger) (driver, func(context.Context), error) {
	driverLogger := logger.With(map[string]interface{}{"component": "driver", "type": cfg.EffectiveDriverType()})
	switch cfg.EffectiveDriverType() {
	case "loopback":
		reg := netdev.NewRegistry()
		var wire func(context.Context)
		if !cfg.AllowNonexistent {
			dev := addLoopbackDevice(reg, cfg.Device)
			wire = func(ctx context.Context) { runLoopbackWire(ctx, dev) }
		}
		return reg, wire, nil
	case "tun":
		var opts []netdev.TUNOption
		if cfg.Driver.AutoConfigure {
			addr, _ := cfg.DriverAddress()
			routes := cfg.DriverRoutes()
			opts = append(opts, func(name string) error {
				if err := netconfig.ConfigureTUN(name, addr, routes); err != nil {
					return fmt.Errorf("configure %s: %w", name, err)
				}
				return nil
			})
		}
		tun, err := netdev.NewTUNResolver(cfg.Device, cfg.EffectiveDriverMTU(), driverLogger, opts...)
		if err != nil {
			return nil, nil, err
		}
		return tun, nil, nil
	case "packet":
		return netdev.NewPacketResolver(driverLogger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported driver type %q", cfg.Driver.Type)
	}
}

func addLoopbackDevice(reg *netdev.Registry, device string) *netdev.Loopback {
	ref, err := netdev.ParseRef(device)
	if err != nil || !ref.IsAddr() {
		return reg.Add(device, nil, netdev.MediaEthernet, 0)
	}
	return reg.Add("lo-egress", ref.Addr, netdev.MediaEthernet, 0)
}

const loopbackWireInterval = time.Millisecond

// runLoopbackWire empties the loopback ring the way a NIC drains its
// transmit queue, raising completion events as it goes.
func runLoopbackWire(ctx context.Context, dev *netdev.Loopback) {
	ticker := time.NewTicker(loopbackWireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dev.Discard(0)
		}
	}
}

type upstream interface {
	source.Source
	Close() error
}

func openSource(cfg *config.Config, queue *source.Queue, logger *logging.Logger) (upstream, error) {
	switch cfg.EffectiveSourceType() {
	case "udp":
		udp, err := source.NewUDP(cfg.Source.Listen, queue, logger.With(map[string]interface{}{"component": "source"}))
		if err != nil {
			return nil, err
		}
		return &udpUpstream{Queue: queue, udp: udp}, nil
	default:
		logger.Warn("loopback source has no producer, set source.type to udp to feed the queue", nil)
		return queue, nil
	}
}

type udpUpstream struct {
	*source.Queue
	udp *source.UDP
}

func (u *udpUpstream) Close() error {
	err := u.udp.Close()
	u.Queue.Close()
	return err
}

func run(ctx context.Context, cfgPath string, cfg *config.Config, flags overrides, baseLogger *logging.Logger, history *state.History) error {
	drv, wire, err := openDriver(cfg, baseLogger)
	if err != nil {
		return err
	}
	defer drv.Close()

	queue := source.NewQueue(cfg.EffectiveQueueSize())
	src, err := openSource(cfg, queue, baseLogger)
	if err != nil {
		return err
	}
	defer src.Close()

	burst := cfg.EffectiveBurst()
	adapter, err := egress.New(egress.Config{
		Device:           cfg.Device,
		Burst:            &burst,
		AllowNonexistent: cfg.AllowNonexistent,
		HoldOnBusy:       cfg.HoldOnBusy,
		BackoffInitial:   cfg.Backoff.Initial.Duration,
		BackoffMax:       cfg.Backoff.Max.Duration,
	}, drv, src, baseLogger.With(map[string]interface{}{"component": "egress"}), egress.WithHistory(history))
	if err != nil {
		return err
	}

	sched := scheduler.New(cfg.Scheduler.Interval.Duration, baseLogger.With(map[string]interface{}{"component": "scheduler"}))
	adapter.SetWaker(sched.Wake)
	queue.OnPush(sched.Wake)

	events, err := drv.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch devices: %w", err)
	}
	if err := adapter.Initialize(); err != nil {
		return err
	}
	defer adapter.Uninitialize()

	go adapter.Watch(ctx, events)
	if wire != nil {
		go wire(ctx)
	}
	go sched.Run(ctx, adapter)

	var auditor *audit.Logger
	if cfg.Management.AuditLog != "" {
		auditor, err = audit.New(audit.Config{Path: cfg.Management.AuditLog})
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		defer auditor.Close()
	}

	streams := ratelimit.NewSessionLimiter(cfg.EffectiveMaxStreams(), cfg.EffectiveStreamsPerMinute(), cfg.EffectiveMaxStreams())
	snapshot := func() interface{} {
		return map[string]interface{}{
			"adapter":   adapter.Snapshot(),
			"scheduler": sched.Stats(),
			"queue": map[string]interface{}{
				"length":   queue.Len(),
				"capacity": queue.Cap(),
				"dropped":  queue.Dropped(),
			},
			"streams": streams.Stats(),
		}
	}
	metrics := func() map[string]float64 {
		values := adapter.Metrics()
		values["egress_queue_length"] = float64(queue.Len())
		values["egress_queue_dropped_total"] = float64(queue.Dropped())
		values["egress_scheduler_activations_total"] = float64(sched.Stats().Activations)
		total, _, failed := history.Stats()
		values["egress_history_events"] = float64(total)
		values["egress_history_failures"] = float64(failed)
		return values
	}

	mgmt, err := management.New(cfg.Management.Bind, snapshot, baseLogger.With(map[string]interface{}{"component": "management"}),
		management.WithMetrics(metrics),
		management.WithACL(cfg.ManagementPrefixes()),
		management.WithTokenSecret(cfg.Management.TokenSecret),
		management.WithStreamLimiter(streams),
		management.WithAudit(auditor),
		management.WithHandler("packets", management.Handler{Read: readValue(adapter.ReadPackets)}),
		management.WithHandler("reset_counts", management.Handler{Write: func(string) error {
			adapter.ResetCounts()
			return nil
		}}),
		management.WithHandler("burst", management.Handler{
			Read:  readValue(func() string { return strconv.Itoa(adapter.Burst()) }),
			Write: adapter.WriteBurst,
		}),
		management.WithHandler("rejected", management.Handler{Read: readValue(func() string {
			return strconv.FormatUint(adapter.Counters().PacketsRejected, 10)
		})}),
		management.WithHandler("hard_start_failures", management.Handler{Read: readValue(func() string {
			return strconv.FormatUint(adapter.Counters().HardStartFailures, 10)
		})}),
		management.WithHandler("busy_returns", management.Handler{Read: readValue(func() string {
			return strconv.FormatUint(adapter.Counters().BusyReturns, 10)
		})}),
		management.WithHandler("state", management.Handler{Read: readValue(func() string {
			return adapter.State().String()
		})}),
	)
	if err != nil {
		return fmt.Errorf("management server: %w", err)
	}
	mgmt.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgmt.Close(shutdownCtx)
	}()

	startConfigWatcher(ctx, cfgPath, baseLogger, history, auditor, func(updated *config.Config) {
		flags.apply(updated)
		baseLogger.SetLevel(logging.ParseLevel(updated.NormalisedLevel()))
		mgmt.SetACL(updated.ManagementPrefixes())
		mgmt.SetTokenSecret(updated.Management.TokenSecret)
		streams.Update(updated.EffectiveMaxStreams(), updated.EffectiveStreamsPerMinute(), updated.EffectiveMaxStreams())
		if err := adapter.SetBurst(updated.EffectiveBurst()); err != nil {
			baseLogger.Warn("burst reload rejected", map[string]interface{}{"error": err.Error()})
		}
		if updated.Device != cfg.Device || updated.EffectiveDriverType() != cfg.EffectiveDriverType() {
			baseLogger.Warn("device and driver changes need a restart", map[string]interface{}{"device": updated.Device})
		}
	})

	baseLogger.Info("egress running", map[string]interface{}{
		"device": cfg.Device,
		"driver": cfg.EffectiveDriverType(),
		"source": cfg.EffectiveSourceType(),
		"burst":  adapter.Burst(),
		"state":  adapter.State().String(),
	})
	<-ctx.Done()
	baseLogger.Info("shutting down", map[string]interface{}{"counters": adapter.Counters()})
	return nil
}

func readValue(fn func() string) func() (string, error) {
	return func() (string, error) { return fn(), nil }
}

const configReloadDebounce = 250 * time.Millisecond

// startConfigWatcher reapplies the tunable parts of the configuration when
// the file changes. The directory is watched so editors that replace the
// file on save are handled.
func startConfigWatcher(ctx context.Context, path string, logger *logging.Logger, history *state.History, auditor *audit.Logger, apply func(*config.Config)) {
	if path == "" || path == "-" || config.IsURL(path) || apply == nil {
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		logger.Warn("config watcher disabled", map[string]interface{}{"error": err.Error(), "path": path})
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher disabled", map[string]interface{}{"error": err.Error(), "path": path})
		return
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		logger.Warn("config watcher disabled", map[string]interface{}{"error": err.Error(), "path": path})
		return
	}

	go func() {
		defer watcher.Close()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				debounce = time.After(configReloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", map[string]interface{}{"error": err.Error()})
			case <-debounce:
				debounce = nil
				cfg, err := config.Load(abs)
				if err != nil {
					logger.Warn("config reload failed", map[string]interface{}{"error": err.Error()})
					history.RecordFailure("reload", err)
					if auditor != nil {
						_ = auditor.LogReload(abs, err)
					}
					continue
				}
				apply(cfg)
				history.Record("reload", abs)
				if auditor != nil {
					_ = auditor.LogReload(abs, nil)
				}
				logger.Info("config reloaded", map[string]interface{}{"path": abs})
			}
		}
	}()
}
