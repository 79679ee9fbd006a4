package pgrelay

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	natsfwd "github.com/edgeflare/pgrelay/pkg/forward/nats"
	"github.com/edgeflare/pgrelay/pkg/httputil"
	mw "github.com/edgeflare/pgrelay/pkg/httputil/middleware"
	"github.com/edgeflare/pgrelay/pkg/metrics"
	"github.com/edgeflare/pgrelay/pkg/pgx"
	"github.com/edgeflare/pgrelay/pkg/realtime"
	"github.com/edgeflare/pgrelay/pkg/realtime/dispatch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the relay",
	Long: `Starts the WebSocket relay: LISTENs on the channels clients subscribe to and
serves the WebSocket endpoint, GET /health and optionally Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("server.listenAddr", "l", "", "HTTP listen address (default :4000)")
	f.String("server.path", "", "WebSocket endpoint path (default /ws)")
	f.String("connection.overflowPolicy", "", "what to do when a client queue is full: drop_oldest or evict")
	f.Int("connection.maxConnections", 0, "maximum concurrent WebSocket connections (env MAX_CONNECTIONS)")
	f.Bool("broadcast.implicit", true, "deliver broadcast events to clients without subscriptions")
	f.Bool("metrics.enabled", false, "serve Prometheus metrics")
	f.String("metrics.addr", "", "Prometheus metrics listen address (default :9100)")
	f.Bool("nats.enabled", false, "forward change events to NATS JetStream")

	_ = v.BindPFlags(f)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var forwarders []dispatch.Forwarder
	if cfg.NATS.Enabled {
		fwd, err := natsfwd.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return err
		}
		defer fwd.Close()
		forwarders = append(forwarders, fwd)
	}

	relay := realtime.New(cfg.Realtime(Version), pgx.DialConnString(cfg.Postgres.ConnString),
		realtime.WithLogger(logger),
		realtime.WithForwarders(forwarders...))

	router := httputil.NewRouter(httputil.WithLogger(logger.Named("http")))
	router.Use(
		mw.RequestID,
		mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger.Named("http")}),
		mw.CORSWithOptions(&mw.CORSOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", mw.RequestIDHeader},
		}),
	)
	relay.Mount(router, cfg.Server.Path)

	g, ctx := errgroup.WithContext(ctx)

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Logger: logger.Named("metrics"),
		})
	}

	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return router.Serve(ctx, cfg.Server.ListenAddr, cfg.Server.ShutdownTimeout) })

	logger.Info("relay started",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("path", cfg.Server.Path),
		zap.String("version", Version))

	err := g.Wait()
	wg.Wait()
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
