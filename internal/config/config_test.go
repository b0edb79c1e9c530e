package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Transport.MaxReconnectAttempts != 5 {
		t.Fatalf("max reconnect attempts = %d", cfg.Transport.MaxReconnectAttempts)
	}
	if cfg.Call.RingTimeoutSec != 45 {
		t.Fatalf("ring timeout = %d", cfg.Call.RingTimeoutSec)
	}
	if cfg.Bridge.Source != "tawkto" {
		t.Fatalf("bridge source = %q", cfg.Bridge.Source)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hub.ListenAddr != "127.0.0.1:8090" {
		t.Fatalf("listen addr = %q", cfg.Hub.ListenAddr)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Identity.UserID = "u1"
	cfg.Identity.Role = "doctor"
	cfg.Call.RingTimeoutSec = 30
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity.UserID != "u1" || got.Identity.Role != "doctor" {
		t.Fatalf("identity = %+v", got.Identity)
	}
	if got.Call.RingTimeoutSec != 30 {
		t.Fatalf("ring timeout = %d", got.Call.RingTimeoutSec)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HMS_USER_ID", "env-user")
	t.Setenv("HMS_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.UserID != "env-user" {
		t.Fatalf("user id = %q", cfg.Identity.UserID)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad listen addr", func(c *Config) { c.Hub.ListenAddr = "not-an-addr" }},
		{"bad url scheme", func(c *Config) { c.Transport.URL = "http://example.com" }},
		{"negative reconnect", func(c *Config) { c.Transport.MaxReconnectAttempts = -1 }},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("accepted")
			}
		})
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}
