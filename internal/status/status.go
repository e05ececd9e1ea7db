// Package status serves the HTTP status surface: health, build info,
// live endpoint state, traffic statistics and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/joaoantoniocardoso/mavlink-server/internal/endpoint"
	"github.com/joaoantoniocardoso/mavlink-server/internal/logx"
	"github.com/joaoantoniocardoso/mavlink-server/internal/metrics"
	"github.com/joaoantoniocardoso/mavlink-server/internal/stats"
)

// VersionInfo identifies the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// Options wires the handler's data sources.
type Options struct {
	Version        VersionInfo
	Endpoints      func() []endpoint.Status
	Stats          *stats.Collector
	AllowedOrigins []string
	Started        time.Time
}

// New constructs the status HTTP handler.
func New(opts Options) http.Handler {
	if opts.Endpoints == nil {
		opts.Endpoints = func() []endpoint.Status { return nil }
	}
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}

	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger)

	r.Get("/", PageHandler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, opts.Version)
	})
	r.Get("/status", StatusHandler(opts))
	if opts.Stats != nil {
		r.Route("/stats", func(sr chi.Router) {
			sr.Get("/", StatsHandler(opts.Stats))
			sr.Put("/period", SetPeriodHandler(opts.Stats))
			sr.Post("/reset", ResetHandler(opts.Stats))
		})
	}
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Payload is the GET /status response.
type Payload struct {
	Version   VersionInfo       `json:"version"`
	UptimeS   float64           `json:"uptime_s"`
	Endpoints []endpoint.Status `json:"endpoints"`
	System    SystemInfo        `json:"system"`
}

// SystemInfo is the host resource block of the status payload.
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
}

// StatusHandler serves the aggregated process status.
func StatusHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eps := opts.Endpoints()
		if eps == nil {
			eps = []endpoint.Status{}
		}
		writeJSON(w, Payload{
			Version:   opts.Version,
			UptimeS:   time.Since(opts.Started).Seconds(),
			Endpoints: eps,
			System:    systemInfo(),
		})
	}
}

func systemInfo() SystemInfo {
	info := SystemInfo{GoVersion: runtime.Version(), Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemUsedPercent = vm.UsedPercent
		info.MemUsedBytes = vm.Used
		info.MemTotalBytes = vm.Total
	}
	return info
}

// StatsHandler serves the latest statistics snapshot.
func StatsHandler(c *stats.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Snapshot())
	}
}

type periodRequest struct {
	Period  string  `json:"period"`
	PeriodS float64 `json:"period_s"`
}

// SetPeriodHandler changes the statistics sample period.
func SetPeriodHandler(c *stats.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req periodRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "bad request body")
			return
		}
		var d time.Duration
		switch {
		case req.Period != "":
			var err error
			if d, err = time.ParseDuration(req.Period); err != nil {
				httpError(w, http.StatusBadRequest, "bad period")
				return
			}
		case req.PeriodS > 0:
			d = time.Duration(req.PeriodS * float64(time.Second))
		default:
			httpError(w, http.StatusBadRequest, "period required")
			return
		}
		c.SetPeriod(d)
		writeJSON(w, map[string]float64{"period_s": c.Period().Seconds()})
	}
}

// ResetHandler zeroes the statistics.
func ResetHandler(c *stats.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.Reset()
		w.WriteHeader(http.StatusNoContent)
	}
}

// Start serves h on addr until ctx ends. It returns the bound address.
func Start(ctx context.Context, addr string, h http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: h}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("status server error")
		}
	}()
	return actual, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chiMiddleware.GetReqID(r.Context())
		logx.Log.Debug().Str("request_id", reqID).Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Debug().Err(err).Msg("write response")
	}
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
