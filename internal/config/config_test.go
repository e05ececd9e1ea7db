package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	if c.LogLevel != "info" {
		t.Fatalf("log level = %q", c.LogLevel)
	}
	if c.StatsPeriod.Std() != time.Second {
		t.Fatalf("stats period = %v", c.StatsPeriod.Std())
	}
	if c.DedupWindow != 8 || c.DedupRoutes != 4096 {
		t.Fatalf("dedup = %d/%d", c.DedupWindow, c.DedupRoutes)
	}
	if c.DedupIdle.Std() != time.Minute {
		t.Fatalf("dedup idle = %v", c.DedupIdle.Std())
	}
	if c.DispatchBuffer != 64 {
		t.Fatalf("dispatch buffer = %d", c.DispatchBuffer)
	}
	if c.StatusAddr != "" || c.MetricsAddr != "" {
		t.Fatalf("servers enabled by default: %q/%q", c.StatusAddr, c.MetricsAddr)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	body := []byte(`log_level: debug
status_addr: ":8088"
stats_period: 250ms
dedup_idle: 2m
dedup_window: 16
endpoints:
  - udpin://0.0.0.0:14550
  - tcpout://gcs.local:5760?direction=out
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	var c Config
	c.SetDefaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if c.LogLevel != "debug" {
		t.Fatalf("log level = %q", c.LogLevel)
	}
	if c.StatusAddr != ":8088" {
		t.Fatalf("status addr = %q", c.StatusAddr)
	}
	if c.StatsPeriod.Std() != 250*time.Millisecond {
		t.Fatalf("stats period = %v", c.StatsPeriod.Std())
	}
	if c.DedupIdle.Std() != 2*time.Minute {
		t.Fatalf("dedup idle = %v", c.DedupIdle.Std())
	}
	if c.DedupWindow != 16 {
		t.Fatalf("dedup window = %d", c.DedupWindow)
	}
	if len(c.Endpoints) != 2 || c.Endpoints[0] != "udpin://0.0.0.0:14550" {
		t.Fatalf("endpoints = %v", c.Endpoints)
	}
	// untouched fields keep their defaults
	if c.DispatchBuffer != 64 {
		t.Fatalf("dispatch buffer = %d", c.DispatchBuffer)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	if err := os.WriteFile(path, []byte("stats_period: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var c Config
	if err := c.LoadFile(path); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("ENDPOINTS", "udpin://:14550, tcpin://:5760")
	t.Setenv("DEDUP_WINDOW", "32")
	t.Setenv("STATS_PERIOD", "5s")

	var c Config
	c.SetDefaults()
	c.LogLevel = "debug" // as if a file had set it
	c.ApplyEnv()

	if c.LogLevel != "warn" {
		t.Fatalf("log level = %q", c.LogLevel)
	}
	if len(c.Endpoints) != 2 || c.Endpoints[1] != "tcpin://:5760" {
		t.Fatalf("endpoints = %v", c.Endpoints)
	}
	if c.DedupWindow != 32 {
		t.Fatalf("dedup window = %d", c.DedupWindow)
	}
	if c.StatsPeriod.Std() != 5*time.Second {
		t.Fatalf("stats period = %v", c.StatsPeriod.Std())
	}
}

func TestRouterOptions(t *testing.T) {
	var c Config
	c.SetDefaults()
	opts := c.RouterOptions()
	if opts.DedupWindow != 8 || opts.DedupSize != 4096 || opts.DedupTTL != time.Minute || opts.DispatchBuffer != 64 {
		t.Fatalf("opts = %+v", opts)
	}
}
