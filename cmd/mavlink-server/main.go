package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joaoantoniocardoso/mavlink-server/internal/config"
	"github.com/joaoantoniocardoso/mavlink-server/internal/endpoint"
	"github.com/joaoantoniocardoso/mavlink-server/internal/logx"
	"github.com/joaoantoniocardoso/mavlink-server/internal/mavlink"
	"github.com/joaoantoniocardoso/mavlink-server/internal/metrics"
	"github.com/joaoantoniocardoso/mavlink-server/internal/router"
	"github.com/joaoantoniocardoso/mavlink-server/internal/stats"
	"github.com/joaoantoniocardoso/mavlink-server/internal/status"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")

	var cfg config.Config
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override the file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(),
			"mavlink-server version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("mavlink-server version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialect := mavlink.CommonDialect()
	r := router.New(cfg.RouterOptions())

	var running []*endpoint.Endpoint
	for _, spec := range cfg.Endpoints {
		desc, err := endpoint.ParseSpec(spec)
		if err != nil {
			logx.Log.Error().Err(err).Str("spec", spec).Msg("skipping endpoint")
			continue
		}
		ep, err := endpoint.New(desc, dialect, r)
		if err != nil {
			logx.Log.Error().Err(err).Str("spec", spec).Msg("skipping endpoint")
			continue
		}
		r.Attach(ep)
		ep.Start(ctx)
		running = append(running, ep)
		logx.Log.Info().Str("endpoint", ep.Name()).Str("kind", string(desc.Kind)).Msg("endpoint started")
	}
	if len(running) == 0 {
		logx.Log.Warn().Msg("no endpoints configured; routing nothing (use --endpoint)")
	}

	collector := stats.New(r, endpointStatuses(r), stats.Options{Period: cfg.StatsPeriod.Std()})
	collector.Start(ctx)

	if cfg.StatusAddr != "" {
		handler := status.New(status.Options{
			Version:   status.VersionInfo{Version: version, BuildSHA: buildSHA, BuildDate: buildDate},
			Endpoints: endpointStatuses(r),
			Stats:     collector,
		})
		addr, err := status.Start(ctx, cfg.StatusAddr, handler)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.StatusAddr).Msg("status server")
		}
		logx.Log.Info().Str("addr", addr).Msg("status server listening")
	}
	if cfg.MetricsAddr != "" {
		addr, err := metrics.StartMetricsServer(ctx, cfg.MetricsAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server")
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics server listening")
	}

	logx.Log.Info().Str("version", version).Int("endpoints", len(running)).Msg("mavlink-server running")
	<-ctx.Done()

	// Give endpoints a moment to flush queued frames and close transports.
	logx.Log.Info().Msg("shutting down")
	deadline := time.After(2 * time.Second)
	for _, ep := range running {
		select {
		case <-ep.Done():
		case <-deadline:
			logx.Log.Warn().Msg("shutdown timeout; abandoning open endpoints")
			return
		}
	}
}

// endpointStatuses snapshots every attached endpoint, including transient
// listener children.
func endpointStatuses(r *router.Router) func() []endpoint.Status {
	return func() []endpoint.Status {
		sinks := r.Endpoints()
		out := make([]endpoint.Status, 0, len(sinks))
		for _, s := range sinks {
			if ep, ok := s.(*endpoint.Endpoint); ok {
				out = append(out, ep.Status())
			}
		}
		return out
	}
}
