package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// URLScheme prefixes the one-line configuration form:
//
//	egress://DEVICE?burst=32&driver=packet&allowNonexistent=1
//
// DEVICE may be an interface name or an Ethernet address.
const URLScheme = "egress://"

func IsURL(s string) bool {
	return strings.HasPrefix(s, URLScheme)
}

// ParseURL builds a validated configuration from the one-line form.
func ParseURL(raw string) (*Config, error) {
	if !IsURL(raw) {
		return nil, fmt.Errorf("invalid scheme: must start with %s", URLScheme)
	}
	rest := strings.TrimPrefix(raw, URLScheme)
	device, rawQuery, _ := strings.Cut(rest, "?")
	device, err := url.PathUnescape(strings.TrimSuffix(device, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid device: %w", err)
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	cfg := &Config{Device: device}
	for key, values := range query {
		value := values[len(values)-1]
		if err := applyParam(cfg, key, value); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", key, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyParam(cfg *Config, key, value string) error {
	switch key {
	case "burst":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Burst = &n
	case "allowNonexistent":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		cfg.AllowNonexistent = b
	case "holdOnBusy":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		cfg.HoldOnBusy = b
	case "driver":
		cfg.Driver.Type = value
	case "mtu":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Driver.MTU = n
	case "source":
		cfg.Source.Type = value
	case "listen":
		cfg.Source.Listen = value
	case "queue":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Source.QueueSize = n
	case "interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Scheduler.Interval = Duration{d}
	case "mgmt":
		cfg.Management.Bind = value
	case "log":
		cfg.Logging.Level = value
	default:
		return fmt.Errorf("unknown parameter")
	}
	return nil
}

// EncodeURL renders the subset of cfg the one-line form can carry.
func EncodeURL(cfg *Config) string {
	query := url.Values{}
	if cfg.Burst != nil {
		query.Set("burst", strconv.Itoa(*cfg.Burst))
	}
	if cfg.AllowNonexistent {
		query.Set("allowNonexistent", "1")
	}
	if cfg.HoldOnBusy {
		query.Set("holdOnBusy", "1")
	}
	if cfg.Driver.Type != "" && cfg.Driver.Type != "loopback" {
		query.Set("driver", cfg.Driver.Type)
	}
	if cfg.Driver.Type == "tun" && cfg.Driver.MTU > 0 {
		query.Set("mtu", strconv.Itoa(cfg.Driver.MTU))
	}
	if cfg.Source.Type != "" && cfg.Source.Type != "loopback" {
		query.Set("source", cfg.Source.Type)
	}
	if cfg.Source.Listen != "" {
		query.Set("listen", cfg.Source.Listen)
	}
	if cfg.Source.QueueSize > 0 {
		query.Set("queue", strconv.Itoa(cfg.Source.QueueSize))
	}
	if cfg.Scheduler.Interval.Duration > 0 {
		query.Set("interval", cfg.Scheduler.Interval.Duration.String())
	}
	if cfg.Management.Bind != "" && cfg.Management.Bind != defaultManagementBind {
		query.Set("mgmt", cfg.Management.Bind)
	}
	if cfg.Logging.Level != "" {
		query.Set("log", cfg.Logging.Level)
	}

	out := URLScheme + url.PathEscape(cfg.Device)
	if encoded := query.Encode(); encoded != "" {
		out += "?" + encoded
	}
	return out
}
