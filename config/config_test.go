package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadJSONDefaults(t *testing.T) {
	path := writeFile(t, "egress.json", `{"device": "eth0"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EffectiveBurst() != 16 {
		t.Fatalf("expected default burst 16, got %d", cfg.EffectiveBurst())
	}
	if cfg.EffectiveDriverType() != "loopback" || cfg.EffectiveSourceType() != "loopback" {
		t.Fatalf("unexpected defaults %q/%q", cfg.Driver.Type, cfg.Source.Type)
	}
	if cfg.Management.Bind != "127.0.0.1:7777" {
		t.Fatalf("unexpected management bind %q", cfg.Management.Bind)
	}
	if len(cfg.ManagementPrefixes()) != 1 {
		t.Fatalf("expected loopback acl by default")
	}
	if cfg.EffectiveQueueSize() != 1024 {
		t.Fatalf("unexpected queue size %d", cfg.EffectiveQueueSize())
	}
}

func TestLoadJSONFull(t *testing.T) {
	path := writeFile(t, "egress.json", `{
		"device": "02:00:00:00:00:01",
		"burst": 0,
		"allowNonexistent": true,
		"holdOnBusy": true,
		"driver": {"type": "PACKET"},
		"source": {"type": "udp", "listen": "127.0.0.1:9000", "queueSize": 64},
		"backoff": {"initial": "2ms", "max": 100},
		"scheduler": {"interval": "500us"},
		"management": {"bind": "127.0.0.1:8000", "acl": ["10.0.0.0/8"], "tokenSecret": "0123456789abcdef"},
		"logging": {"level": "debug", "output": "file", "file": {"path": "/tmp/egress.log", "maxSizeMB": 5}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EffectiveBurst() != 0 {
		t.Fatalf("explicit zero burst lost: %d", cfg.EffectiveBurst())
	}
	if cfg.Driver.Type != "packet" {
		t.Fatalf("driver type not normalised: %q", cfg.Driver.Type)
	}
	if cfg.Backoff.Initial.Duration != 2*time.Millisecond || cfg.Backoff.Max.Duration != 100*time.Millisecond {
		t.Fatalf("unexpected backoff %+v", cfg.Backoff)
	}
	if cfg.Scheduler.Interval.Duration != 500*time.Microsecond {
		t.Fatalf("unexpected interval %s", cfg.Scheduler.Interval.Duration)
	}
	opts := cfg.LoggingOptions()
	if opts.Output != "file" || opts.Path != "/tmp/egress.log" || opts.MaxSizeMB != 5 {
		t.Fatalf("unexpected logging options %+v", opts)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "egress.yaml", `
device: tun7
burst: 8
driver:
  type: tun
  address: 10.9.0.1/24
  routes:
    - 10.10.0.0/16
backoff:
  initial: 1ms
  max: 64
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EffectiveBurst() != 8 || cfg.EffectiveDriverMTU() != 1420 {
		t.Fatalf("unexpected burst/mtu %d/%d", cfg.EffectiveBurst(), cfg.EffectiveDriverMTU())
	}
	if prefix, ok := cfg.DriverAddress(); !ok || prefix.String() != "10.9.0.1/24" {
		t.Fatalf("unexpected driver address %v %v", prefix, ok)
	}
	if len(cfg.DriverRoutes()) != 1 {
		t.Fatalf("expected one route")
	}
	if cfg.Backoff.Max.Duration != 64*time.Millisecond {
		t.Fatalf("integer yaml duration not read as milliseconds: %s", cfg.Backoff.Max.Duration)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "egress.toml", `
device = "eth1"
burst = 32
holdOnBusy = true

[backoff]
initial = "5ms"
max = 250

[management]
bind = "127.0.0.1:9100"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EffectiveBurst() != 32 || !cfg.HoldOnBusy {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Backoff.Initial.Duration != 5*time.Millisecond || cfg.Backoff.Max.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected backoff %+v", cfg.Backoff)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing device":     `{}`,
		"bad device":         `{"device": "a/b"}`,
		"negative burst":     `{"device": "eth0", "burst": -1}`,
		"unknown driver":     `{"device": "eth0", "driver": {"type": "pcap"}}`,
		"tun by address":     `{"device": "02:00:00:00:00:01", "driver": {"type": "tun"}}`,
		"tun mtu":            `{"device": "tun0", "driver": {"type": "tun", "mtu": 100}}`,
		"tun route":          `{"device": "tun0", "driver": {"type": "tun", "routes": ["nope"]}}`,
		"udp without listen": `{"device": "eth0", "source": {"type": "udp"}}`,
		"backoff order":      `{"device": "eth0", "backoff": {"initial": "10ms", "max": "1ms"}}`,
		"acl":                `{"device": "eth0", "management": {"acl": ["x"]}}`,
		"short secret":       `{"device": "eth0", "management": {"tokenSecret": "short"}}`,
		"log file path":      `{"device": "eth0", "logging": {"output": "file"}}`,
		"log output":         `{"device": "eth0", "logging": {"output": "syslog"}}`,
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body), FormatJSON); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestMarshalRoundTripFormats(t *testing.T) {
	burst := 4
	cfg := &Config{
		Device:  "eth0",
		Burst:   &burst,
		Backoff: BackoffConfig{Initial: Duration{2 * time.Millisecond}},
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, format := range []Format{FormatJSON, FormatYAML, FormatTOML} {
		data, err := Marshal(cfg, format)
		if err != nil {
			t.Fatalf("%s marshal: %v", format, err)
		}
		back, err := Parse(data, format)
		if err != nil {
			t.Fatalf("%s parse: %v\n%s", format, err, data)
		}
		if back.EffectiveBurst() != 4 || back.Backoff.Initial.Duration != 2*time.Millisecond {
			t.Fatalf("%s lost fields: %+v", format, back)
		}
	}
}

func TestSaveUsesExtension(t *testing.T) {
	cfg, err := Parse([]byte(`{"device": "eth0"}`), FormatJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "device: eth0") {
		t.Fatalf("expected yaml output, got:\n%s", data)
	}
}

func TestFormatFor(t *testing.T) {
	cases := map[string]Format{
		"a.json": FormatJSON,
		"a.YML":  FormatYAML,
		"a.yaml": FormatYAML,
		"a.toml": FormatTOML,
		"-":      FormatJSON,
	}
	for path, want := range cases {
		if got := FormatFor(path); got != want {
			t.Fatalf("%s: got %s want %s", path, got, want)
		}
	}
}
