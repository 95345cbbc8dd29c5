package main

import (
	"testing"

	"egressd/config"
)

func TestOverridesSurviveReload(t *testing.T) {
	load := func() *config.Config {
		t.Helper()
		cfg, err := config.Parse([]byte(`{"device":"eth0","burst":4}`), config.FormatJSON)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name       string
		flags      overrides
		wantDevice string
		wantBurst  int
	}{
		{"no flags", overrides{burst: -1}, "eth0", 4},
		{"burst pinned", overrides{burst: 32}, "eth0", 32},
		{"zero burst pinned", overrides{burst: 0}, "eth0", 0},
		{"device pinned", overrides{device: "eth1", burst: -1}, "eth1", 4},
	}
	for _, tc := range tests {
		initial := load()
		tc.flags.apply(initial)
		reloaded := load()
		tc.flags.apply(reloaded)
		for _, cfg := range []*config.Config{initial, reloaded} {
			if cfg.Device != tc.wantDevice || cfg.EffectiveBurst() != tc.wantBurst {
				t.Fatalf("%s: device=%s burst=%d", tc.name, cfg.Device, cfg.EffectiveBurst())
			}
		}
	}
}
