package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	NotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrelay_notifications_received_total",
			Help: "Total number of NOTIFY payloads received by channel",
		},
		[]string{"channel"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrelay_decode_errors_total",
			Help: "Total number of notification payloads that could not be decoded and were relayed raw",
		},
		[]string{"channel"},
	)

	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrelay_events_dispatched_total",
			Help: "Total number of events handed to the dispatcher by operation",
		},
		[]string{"operation"},
	)

	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgrelay_deliveries_total",
			Help: "Total number of messages enqueued to client connections",
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgrelay_dispatch_duration_seconds",
			Help:    "Duration of matching and enqueueing one event",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueOverflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrelay_queue_overflows_total",
			Help: "Total number of outbound queue overflows by policy",
		},
		[]string{"policy"},
	)

	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrelay_evictions_total",
			Help: "Total number of evicted client connections by reason",
		},
		[]string{"reason"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgrelay_connections",
			Help: "Number of open client connections",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgrelay_subscriptions",
			Help: "Number of explicit subscriptions",
		},
	)

	ListenedChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgrelay_listened_channels",
			Help: "Number of channels LISTENed on the store connection",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgrelay_reconnect_attempts_total",
			Help: "Total number of store reconnect attempts",
		},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrelay_publish_errors_total",
			Help: "Total number of publish errors by forwarder",
		},
		[]string{"forwarder"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	Logger            *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	logger := zap.NewNop()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		if opts.Logger != nil {
			logger = opts.Logger
		}
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting prometheus metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
