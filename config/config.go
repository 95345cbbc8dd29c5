package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"egressd/internal/logging"
	"egressd/netdev"
)

const (
	defaultBurst          = 16
	defaultManagementBind = "127.0.0.1:7777"
	defaultQueueSize      = 1024
	defaultTUNMTU         = 1420
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty duration")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.parse(s)
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

type DriverConfig struct {
	// Type is loopback, tun or packet.
	Type          string   `json:"type" yaml:"type" toml:"type"`
	MTU           int      `json:"mtu,omitempty" yaml:"mtu,omitempty" toml:"mtu,omitempty"`
	Address       string   `json:"address,omitempty" yaml:"address,omitempty" toml:"address,omitempty"`
	AutoConfigure bool     `json:"autoConfigure,omitempty" yaml:"autoConfigure,omitempty" toml:"autoConfigure,omitempty"`
	Routes        []string `json:"routes,omitempty" yaml:"routes,omitempty" toml:"routes,omitempty"`
}

type SourceConfig struct {
	// Type is loopback (in-process queue) or udp. Nothing feeds a loopback
	// queue inside the daemon; it exists for embedding and demos.
	Type      string `json:"type" yaml:"type" toml:"type"`
	Listen    string `json:"listen,omitempty" yaml:"listen,omitempty" toml:"listen,omitempty"`
	QueueSize int    `json:"queueSize,omitempty" yaml:"queueSize,omitempty" toml:"queueSize,omitempty"`
}

type BackoffConfig struct {
	Initial Duration `json:"initial,omitempty" yaml:"initial,omitempty" toml:"initial,omitempty"`
	Max     Duration `json:"max,omitempty" yaml:"max,omitempty" toml:"max,omitempty"`
}

type SchedulerConfig struct {
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty" toml:"interval,omitempty"`
}

type ManagementConfig struct {
	Bind string   `json:"bind" yaml:"bind" toml:"bind"`
	ACL  []string `json:"acl,omitempty" yaml:"acl,omitempty" toml:"acl,omitempty"`
	// TokenSecret enables bearer token checks on handler writes.
	TokenSecret string `json:"tokenSecret,omitempty" yaml:"tokenSecret,omitempty" toml:"tokenSecret,omitempty"`
	// MaxStreams caps concurrent /stream sessions; StreamsPerMinute paces
	// new ones.
	MaxStreams       int `json:"maxStreams,omitempty" yaml:"maxStreams,omitempty" toml:"maxStreams,omitempty"`
	StreamsPerMinute int `json:"streamsPerMinute,omitempty" yaml:"streamsPerMinute,omitempty" toml:"streamsPerMinute,omitempty"`
	// AuditLog receives a JSON line per handler write: a file path, or
	// "stdout". Empty disables the audit trail.
	AuditLog string `json:"auditLog,omitempty" yaml:"auditLog,omitempty" toml:"auditLog,omitempty"`
}

type LogFileConfig struct {
	Path       string `json:"path" yaml:"path" toml:"path"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty" yaml:"maxSizeMB,omitempty" toml:"maxSizeMB,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty" toml:"maxBackups,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty" yaml:"maxAgeDays,omitempty" toml:"maxAgeDays,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty" toml:"compress,omitempty"`
}

type LoggingConfig struct {
	Level  string        `json:"level" yaml:"level" toml:"level"`
	Output string        `json:"output" yaml:"output" toml:"output"`
	File   LogFileConfig `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
}

type Config struct {
	// Device is an interface name or an Ethernet address.
	Device string `json:"device" yaml:"device" toml:"device"`
	// Burst is the number of packets sent per activation. Roughly eight
	// times the number of upstream producers is a good starting point; 0
	// disables transmission. egressd's -burst flag wins over this value,
	// reloads included.
	Burst            *int `json:"burst,omitempty" yaml:"burst,omitempty" toml:"burst,omitempty"`
	AllowNonexistent bool `json:"allowNonexistent,omitempty" yaml:"allowNonexistent,omitempty" toml:"allowNonexistent,omitempty"`
	HoldOnBusy       bool `json:"holdOnBusy,omitempty" yaml:"holdOnBusy,omitempty" toml:"holdOnBusy,omitempty"`

	Driver     DriverConfig     `json:"driver" yaml:"driver" toml:"driver"`
	Source     SourceConfig     `json:"source" yaml:"source" toml:"source"`
	Backoff    BackoffConfig    `json:"backoff" yaml:"backoff" toml:"backoff"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Management ManagementConfig `json:"management" yaml:"management" toml:"management"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging" toml:"logging"`
}

func (c *Config) validate() error {
	c.Device = strings.TrimSpace(c.Device)
	if c.Device == "" {
		return errors.New("device must be provided")
	}
	ref, err := netdev.ParseRef(c.Device)
	if err != nil {
		return fmt.Errorf("invalid device: %w", err)
	}
	if c.Burst != nil && *c.Burst < 0 {
		return fmt.Errorf("burst %d cannot be negative", *c.Burst)
	}

	c.Driver.Type = strings.ToLower(strings.TrimSpace(c.Driver.Type))
	if c.Driver.Type == "" {
		c.Driver.Type = "loopback"
	}
	switch c.Driver.Type {
	case "loopback", "packet":
	case "tun":
		if ref.IsAddr() {
			return errors.New("tun driver needs a device name, not an address")
		}
		if c.Driver.MTU <= 0 {
			c.Driver.MTU = defaultTUNMTU
		}
		if c.Driver.MTU < 576 || c.Driver.MTU > 65535 {
			return fmt.Errorf("tun mtu %d out of valid range (576-65535)", c.Driver.MTU)
		}
		if c.Driver.Address != "" {
			if _, err := netip.ParsePrefix(c.Driver.Address); err != nil {
				return fmt.Errorf("invalid tun address %q: %w", c.Driver.Address, err)
			}
		}
		for _, route := range c.Driver.Routes {
			if _, err := netip.ParsePrefix(route); err != nil {
				return fmt.Errorf("invalid tun route %q: %w", route, err)
			}
		}
	default:
		return fmt.Errorf("unsupported driver type %q", c.Driver.Type)
	}

	c.Source.Type = strings.ToLower(strings.TrimSpace(c.Source.Type))
	if c.Source.Type == "" {
		c.Source.Type = "loopback"
	}
	switch c.Source.Type {
	case "loopback":
	case "udp":
		if c.Source.Listen == "" {
			return errors.New("source.listen is required for udp")
		}
		if err := validateEndpoint(c.Source.Listen); err != nil {
			return fmt.Errorf("invalid source listen address: %w", err)
		}
	default:
		return fmt.Errorf("unsupported source type %q", c.Source.Type)
	}
	if c.Source.QueueSize < 0 {
		return errors.New("source queue size cannot be negative")
	}

	if c.Backoff.Initial.Duration < 0 || c.Backoff.Max.Duration < 0 {
		return errors.New("backoff durations cannot be negative")
	}
	if c.Backoff.Initial.Duration > 0 && c.Backoff.Max.Duration > 0 && c.Backoff.Max.Duration < c.Backoff.Initial.Duration {
		return errors.New("backoff max must not be below backoff initial")
	}
	if c.Scheduler.Interval.Duration < 0 {
		return errors.New("scheduler interval cannot be negative")
	}

	if c.Management.Bind == "" {
		c.Management.Bind = defaultManagementBind
	}
	if err := validateEndpoint(c.Management.Bind); err != nil {
		return fmt.Errorf("invalid management bind: %w", err)
	}
	if len(c.Management.ACL) == 0 {
		c.Management.ACL = []string{"127.0.0.0/8"}
	}
	for _, entry := range c.Management.ACL {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid management acl entry %q: %w", entry, err)
		}
	}
	if c.Management.MaxStreams < 0 || c.Management.StreamsPerMinute < 0 {
		return errors.New("management stream limits cannot be negative")
	}
	if c.Management.TokenSecret != "" && len(c.Management.TokenSecret) < 16 {
		return errors.New("management token secret must be at least 16 characters")
	}

	c.Logging.Output = strings.ToLower(strings.TrimSpace(c.Logging.Output))
	switch c.Logging.Output {
	case "", "stdout", "stderr":
	case "file":
		if c.Logging.File.Path == "" {
			return errors.New("logging.file.path is required when output is file")
		}
	default:
		return fmt.Errorf("unsupported logging output %q", c.Logging.Output)
	}

	return nil
}

func (c *Config) EffectiveBurst() int {
	if c.Burst == nil {
		return defaultBurst
	}
	return *c.Burst
}

func (c *Config) EffectiveDriverType() string {
	if c.Driver.Type == "" {
		return "loopback"
	}
	return c.Driver.Type
}

func (c *Config) EffectiveDriverMTU() int {
	if c.Driver.MTU <= 0 {
		return defaultTUNMTU
	}
	return c.Driver.MTU
}

func (c *Config) EffectiveSourceType() string {
	if c.Source.Type == "" {
		return "loopback"
	}
	return c.Source.Type
}

func (c *Config) EffectiveQueueSize() int {
	if c.Source.QueueSize <= 0 {
		return defaultQueueSize
	}
	return c.Source.QueueSize
}

func (c *Config) EffectiveMaxStreams() int {
	if c.Management.MaxStreams <= 0 {
		return 8
	}
	return c.Management.MaxStreams
}

func (c *Config) EffectiveStreamsPerMinute() int {
	if c.Management.StreamsPerMinute <= 0 {
		return 60
	}
	return c.Management.StreamsPerMinute
}

func (c *Config) NormalisedLevel() string {
	return strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// LoggingOptions translates the logging section for logging.Open.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Logging.Level),
		Output:     c.Logging.Output,
		Path:       c.Logging.File.Path,
		MaxSizeMB:  c.Logging.File.MaxSizeMB,
		MaxBackups: c.Logging.File.MaxBackups,
		MaxAgeDays: c.Logging.File.MaxAgeDays,
		Compress:   c.Logging.File.Compress,
	}
}

func (c *Config) ManagementPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.Management.ACL))
	for _, entry := range c.Management.ACL {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, prefix)
		}
	}
	return out
}

// DriverAddress returns the TUN address to assign, if any.
func (c *Config) DriverAddress() (netip.Prefix, bool) {
	if c.Driver.Address == "" {
		return netip.Prefix{}, false
	}
	prefix, err := netip.ParsePrefix(c.Driver.Address)
	return prefix, err == nil
}

func (c *Config) DriverRoutes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.Driver.Routes))
	for _, route := range c.Driver.Routes {
		if prefix, err := netip.ParsePrefix(route); err == nil {
			out = append(out, prefix)
		}
	}
	return out
}

func validateEndpoint(endpoint string) error {
	host, port, err := splitHostPort(endpoint)
	if err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of valid range (1-65535)", port)
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid hostname: contains spaces")
	}
	return nil
}

func splitHostPort(addr string) (host string, port int, err error) {
	if strings.HasPrefix(addr, "[") {
		idx := strings.Index(addr, "]:")
		if idx == -1 {
			return "", 0, errors.New("invalid address format")
		}
		host = addr[1:idx]
		var p int64
		p, err = parseInt(addr[idx+2:])
		return host, int(p), err
	}
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return "", 0, errors.New("address must be in host:port format")
	}
	var p int64
	p, err = parseInt(parts[1])
	return parts[0], int(p), err
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty port")
	}
	var result int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		result = result*10 + int64(c-'0')
		if result > 65535 {
			return 0, fmt.Errorf("port too large")
		}
	}
	return result, nil
}
