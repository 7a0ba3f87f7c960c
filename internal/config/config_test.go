package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airsquawk.yaml")
	body := `
source:
  server: piaware.local:8080
receiver:
  lat: 51.47
  lon: -0.45
  altitude_ft: 80
store:
  backend: memory
  prefix: rx1/
upload:
  flush_interval: 2m
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.Server != "piaware.local:8080" {
		t.Errorf("Server = %q", cfg.Source.Server)
	}
	if !cfg.ReceiverKnown() || cfg.Receiver.AltitudeFt != 80 {
		t.Errorf("Receiver = %+v", cfg.Receiver)
	}
	if cfg.Upload.FlushInterval != 2*time.Minute {
		t.Errorf("FlushInterval = %v, want 2m", cfg.Upload.FlushInterval)
	}
	// Untouched sections keep their defaults.
	if cfg.Store.ObservationsBucket != "aircraft-data" || cfg.Tracking.Timeout != 30*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Store, cfg.Tracking)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("source: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() of invalid YAML succeeded")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AIRSQUAWK_SERVER":       "10.0.0.5",
		"AIRSQUAWK_RECEIVER_LAT": "40.1",
		"AIRSQUAWK_READ_ONLY":    "true",
		"POSTGRES_HOST":          "db",
		"POSTGRES_PORT":          "6543",
		"LOG_LEVEL":              "warn",
	}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}
	if cfg.Source.Server != "10.0.0.5" || cfg.Receiver.Lat != 40.1 || !cfg.Store.ReadOnly {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Postgres.Host != "db" || cfg.Postgres.Port != 6543 || cfg.Log.Level != "warn" {
		t.Errorf("database overrides not applied: %+v", cfg.Postgres)
	}

	bad := map[string]string{"POSTGRES_PORT": "five", "AIRSQUAWK_RECEIVER_LON": "west"}
	cfg = Default()
	err := cfg.applyEnv(func(k string) string { return bad[k] })
	if err == nil || !strings.Contains(err.Error(), "POSTGRES_PORT") || !strings.Contains(err.Error(), "AIRSQUAWK_RECEIVER_LON") {
		t.Errorf("applyEnv() error = %v, want both bad keys", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Store.Backend = "ftp" }, "store.backend"},
		{"bucket", func(c *Config) { c.Store.URLBucket = "" }, "buckets"},
		{"latitude", func(c *Config) { c.Receiver.Lat = 91 }, "out of range"},
		{"flush", func(c *Config) { c.Upload.FlushInterval = 0 }, "flush_interval"},
		{"spool", func(c *Config) { c.Upload.SpoolPath = "" }, "spool_path"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"store timeout", func(c *Config) { c.Store.Timeout = 0 }, "store.timeout"},
		{"store timeout too long", func(c *Config) { c.Store.Timeout = time.Minute }, "store.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
