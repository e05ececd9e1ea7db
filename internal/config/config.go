// Package config resolves the process configuration with the precedence
// defaults < file < env < flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joaoantoniocardoso/mavlink-server/internal/router"
	"github.com/joaoantoniocardoso/mavlink-server/internal/stats"
)

// Duration is a time.Duration that also unmarshals YAML strings such as
// "250ms" or "1m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the router process configuration.
type Config struct {
	Endpoints      []string `yaml:"endpoints"`
	StatusAddr     string   `yaml:"status_addr"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	LogLevel       string   `yaml:"log_level"`
	StatsPeriod    Duration `yaml:"stats_period"`
	DedupWindow    int      `yaml:"dedup_window"`
	DedupIdle      Duration `yaml:"dedup_idle"`
	DedupRoutes    int      `yaml:"dedup_routes"`
	DispatchBuffer int      `yaml:"dispatch_buffer"`
	ConfigFile     string   `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StatsPeriod <= 0 {
		c.StatsPeriod = Duration(stats.DefaultPeriod)
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = router.DefaultDedupWindow
	}
	if c.DedupIdle <= 0 {
		c.DedupIdle = Duration(router.DefaultDedupTTL)
	}
	if c.DedupRoutes <= 0 {
		c.DedupRoutes = router.DefaultDedupSize
	}
	if c.DispatchBuffer <= 0 {
		c.DispatchBuffer = router.DefaultDispatchBuffer
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *Config) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("STATUS_ADDR", ""); v != "" {
		c.StatusAddr = v
	}
	if v := getEnv("METRICS_ADDR", ""); v != "" {
		c.MetricsAddr = v
	}
	if v := getEnv("ENDPOINTS", ""); v != "" {
		c.Endpoints = splitComma(v)
	}
	if v := getEnv("STATS_PERIOD", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.StatsPeriod = Duration(d)
		}
	}
	if v := getEnv("DEDUP_WINDOW", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DedupWindow = n
		}
	}
	if v := getEnv("DEDUP_IDLE", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DedupIdle = Duration(d)
		}
	}
	if v := getEnv("DEDUP_ROUTES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DedupRoutes = n
		}
	}
	if v := getEnv("DISPATCH_BUFFER", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DispatchBuffer = n
		}
	}
}

// BindFlagsFromCurrent binds command line flags using the current values
// as defaults, so main can call flag.Parse().
func (c *Config) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "status HTTP listen address; empty disables the status server")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "dedicated Prometheus listen address; empty serves /metrics on the status server only")
	flag.Func("endpoint", "endpoint spec URL such as udpin://0.0.0.0:14550; repeat for multiple", func(v string) error {
		c.Endpoints = append(c.Endpoints, v)
		return nil
	})
	flag.Func("stats-period", "statistics sample period", func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.StatsPeriod = Duration(d)
		return nil
	})
	flag.IntVar(&c.DedupWindow, "dedup-window", c.DedupWindow, "per-route sequence window used to drop duplicate frames")
	flag.Func("dedup-idle", "idle time before a dedup route is forgotten", func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.DedupIdle = Duration(d)
		return nil
	})
	flag.IntVar(&c.DedupRoutes, "dedup-routes", c.DedupRoutes, "maximum dedup routes tracked at once")
	flag.IntVar(&c.DispatchBuffer, "dispatch-buffer", c.DispatchBuffer, "default per-subscriber frame buffer")
}

// LoadFile overlays the config from a YAML file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// RouterOptions maps the config onto router options.
func (c *Config) RouterOptions() router.Options {
	return router.Options{
		DedupSize:      c.DedupRoutes,
		DedupWindow:    c.DedupWindow,
		DedupTTL:       c.DedupIdle.Std(),
		DispatchBuffer: c.DispatchBuffer,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
