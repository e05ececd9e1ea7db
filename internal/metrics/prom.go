package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joaoantoniocardoso/mavlink-server/internal/logx"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mavlink_server_build_info",
			Help: "Build information",
		},
		[]string{"date", "sha", "version"},
	)

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mavlink_server_frames_received_total",
			Help: "Frames decoded per endpoint",
		},
		[]string{"endpoint"},
	)

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mavlink_server_frames_sent_total",
			Help: "Frames written per endpoint",
		},
		[]string{"endpoint"},
	)

	bytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mavlink_server_bytes_received_total",
			Help: "Transport bytes read per endpoint",
		},
		[]string{"endpoint"},
	)

	bytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mavlink_server_bytes_sent_total",
			Help: "Transport bytes written per endpoint",
		},
		[]string{"endpoint"},
	)

	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mavlink_server_decode_errors_total",
			Help: "Corrupt or rejected input per endpoint and reason",
		},
		[]string{"endpoint", "reason"},
	)

	queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mavlink_server_queue_drops_total",
			Help: "Frames dropped from a full outbound queue per endpoint",
		},
		[]string{"endpoint"},
	)

	encodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mavlink_server_encode_errors_total",
			Help: "Frames that could not be encoded per endpoint",
		},
		[]string{"endpoint"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mavlink_server_endpoint_state_transitions_total",
			Help: "Endpoint state machine transitions",
		},
		[]string{"endpoint", "state"},
	)

	endpointUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mavlink_server_endpoint_up",
			Help: "Whether the endpoint is connected (1 or 0)",
		},
		[]string{"endpoint"},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mavlink_server_frames_dropped_total",
			Help: "Frames dropped by the router per reason",
		},
		[]string{"reason"},
	)

	framesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mavlink_server_frames_forwarded_total",
		Help: "Frames accepted by the router and fanned out",
	})

	subscriberDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mavlink_server_subscriber_drops_total",
		Help: "Frames dropped from full subscriber queues",
	})

	attachedEndpoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mavlink_server_endpoints_attached",
		Help: "Endpoints currently attached to the router",
	})

	dedupRoutes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mavlink_server_dedup_routes",
		Help: "Routes currently tracked by the duplicate guard",
	})
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, framesReceived, framesSent, bytesReceived, bytesSent,
		decodeErrors, queueDrops, encodeErrors, stateTransitions, endpointUp,
		framesDropped, framesForwarded, subscriberDrops, attachedEndpoints, dedupRoutes)
}

// Handler returns an HTTP handler serving the registered metrics.
func Handler() http.Handler {
	reg := prometheus.NewRegistry()
	Register(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// StartMetricsServer starts an HTTP server exposing Prometheus metrics on
// /metrics. It returns the address it is listening on.
func StartMetricsServer(ctx context.Context, addr string) (string, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("metrics server error")
		}
	}()
	return actual, nil
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordFrameReceived counts a frame decoded from an endpoint.
func RecordFrameReceived(endpoint string) {
	framesReceived.WithLabelValues(endpoint).Inc()
}

// RecordFrameSent counts a frame written to an endpoint's transport.
func RecordFrameSent(endpoint string) {
	framesSent.WithLabelValues(endpoint).Inc()
}

// RecordBytesIn counts transport bytes read from an endpoint.
func RecordBytesIn(endpoint string, n int) {
	bytesReceived.WithLabelValues(endpoint).Add(float64(n))
}

// RecordBytesOut counts transport bytes written to an endpoint.
func RecordBytesOut(endpoint string, n int) {
	bytesSent.WithLabelValues(endpoint).Add(float64(n))
}

// RecordDecodeError counts corrupt or rejected input on an endpoint.
func RecordDecodeError(endpoint, reason string) {
	decodeErrors.WithLabelValues(endpoint, reason).Inc()
}

// RecordQueueDrop counts a frame dropped from a full outbound queue.
func RecordQueueDrop(endpoint string) {
	queueDrops.WithLabelValues(endpoint).Inc()
}

// RecordEncodeError counts a frame an endpoint could not encode.
func RecordEncodeError(endpoint string) {
	encodeErrors.WithLabelValues(endpoint).Inc()
}

// RecordStateTransition counts an endpoint state machine transition.
func RecordStateTransition(endpoint, state string) {
	stateTransitions.WithLabelValues(endpoint, state).Inc()
}

// SetEndpointUp sets the connected gauge for an endpoint.
func SetEndpointUp(endpoint string, up bool) {
	if up {
		endpointUp.WithLabelValues(endpoint).Set(1)
	} else {
		endpointUp.WithLabelValues(endpoint).Set(0)
	}
}

// RecordDrop counts a frame dropped by the router.
func RecordDrop(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordForwarded counts a frame accepted and fanned out by the router.
func RecordForwarded() {
	framesForwarded.Inc()
}

// RecordSubscriberDrop counts a frame dropped from a subscriber queue.
func RecordSubscriberDrop() {
	subscriberDrops.Inc()
}

// SetAttachedEndpoints sets the attached endpoint gauge.
func SetAttachedEndpoints(n int) {
	attachedEndpoints.Set(float64(n))
}

// SetDedupRoutes sets the tracked route gauge.
func SetDedupRoutes(n int) {
	dedupRoutes.Set(float64(n))
}
