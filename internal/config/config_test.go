package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Call.RingTimeout() != 0 {
		t.Fatal("ring timeout must be disabled by default")
	}
	if cfg.Signaling.Reconnect {
		t.Fatal("reconnect must be off by default")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad user id", func(c *Config) { c.Identity.UserID = "a/b" }, "identity.user_id"},
		{"http signaling url", func(c *Config) { c.Signaling.URL = "http://x" }, "signaling.url"},
		{"reconnect backoff", func(c *Config) {
			c.Signaling.Reconnect = true
			c.Signaling.BackoffMinMs = 1000
			c.Signaling.BackoffMaxMs = 10
		}, "backoff_max_ms"},
		{"empty ice server", func(c *Config) { c.Call.ICEServers = []ICEServer{{}} }, "ice_servers[0]"},
		{"non ice url", func(c *Config) { c.Call.ICEServers = []ICEServer{{URLs: []string{"http://x"}}} }, "stun:"},
		{"negative ring", func(c *Config) { c.Call.RingTimeoutSec = -1 }, "ring_timeout"},
		{"viewer addr", func(c *Config) { c.Viewer.HTTPAddr = "nope" }, "viewer.http_addr"},
		{"relay path", func(c *Config) { c.Relay.Path = "x" }, "relay.path"},
		{"pion level", func(c *Config) { c.Log.PionLevel = "loud" }, "pion_level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnsureAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}
	if cfg.Relay.Port != Default().Relay.Port {
		t.Fatal("ensure did not return defaults")
	}

	_, created, err = Ensure(path)
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}

	// BOM-prefixed partial file keeps defaults for missing fields.
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"u1"},"call":{"ring_timeout_seconds":30}}`)...)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.UserID != "u1" || cfg.Call.RingTimeout() != 30*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Call.ICEServers) != 2 {
		t.Fatalf("default ice servers lost: %+v", cfg.Call.ICEServers)
	}

	if err := os.WriteFile(path, []byte(`{"call":{"ring_timeout_seconds":-5}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := LoadPartial(path); err != nil {
		t.Fatalf("LoadPartial must not validate: %v", err)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	cfg := Default()
	cfg.Call.RingTimeoutSec = 45
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Call.RingTimeoutSec != 45 {
			t.Fatalf("reloaded ring timeout = %d", c.Call.RingTimeoutSec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
