// Package realtime wires the relay together: store listener, subscription registry,
// dispatcher, connection manager and the WebSocket handler.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/edgeflare/pgrelay/pkg/httputil"
	"github.com/edgeflare/pgrelay/pkg/pgx"
	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/edgeflare/pgrelay/pkg/realtime/connection"
	"github.com/edgeflare/pgrelay/pkg/realtime/dispatch"
	"github.com/edgeflare/pgrelay/pkg/realtime/registry"
	"github.com/edgeflare/pgrelay/pkg/realtime/resilience"
	"github.com/edgeflare/pgrelay/pkg/realtime/ws"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Registry   registry.Config
	Connection connection.Config
	Resilience resilience.Config
	WebSocket  ws.Config
	// EventBuffer is the capacity of the queue between listener and dispatcher.
	EventBuffer int
	Version     string
}

func DefaultConfig() Config {
	return Config{
		Registry:    registry.DefaultConfig(),
		Connection:  connection.DefaultConfig(),
		Resilience:  resilience.DefaultConfig(),
		WebSocket:   ws.DefaultConfig(),
		EventBuffer: 1024,
		Version:     "dev",
	}
}

type Option func(*options)

type options struct {
	logger     *zap.Logger
	clock      clock.Clock
	forwarders []dispatch.Forwarder
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithForwarders publishes every event to fs after client fan-out.
func WithForwarders(fs ...dispatch.Forwarder) Option {
	return func(o *options) { o.forwarders = append(o.forwarders, fs...) }
}

type Relay struct {
	Listener   *pgx.Listener
	Registry   *registry.Registry
	Manager    *connection.Manager
	Dispatcher *dispatch.Dispatcher
	Controller *resilience.Controller
	Handler    *ws.Handler

	events    chan change.Event
	version   string
	clock     clock.Clock
	startedAt time.Time
	logger    *zap.Logger
}

// New builds a relay whose store sessions are opened with dial.
func New(cfg Config, dial pgx.Dialer, opts ...Option) *Relay {
	o := options{logger: zap.NewNop(), clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	r := &Relay{
		events:    make(chan change.Event, cfg.EventBuffer),
		version:   cfg.Version,
		clock:     o.clock,
		startedAt: o.clock.Now(),
		logger:    o.logger,
	}
	r.Listener = pgx.NewListener(dial, o.logger.Named("listener"))
	r.Registry = registry.New(cfg.Registry, r.Listener, o.logger.Named("registry"))
	r.Manager = connection.NewManager(cfg.Connection, r.Registry,
		connection.WithClock(o.clock),
		connection.WithLogger(o.logger.Named("connection")))
	r.Dispatcher = dispatch.New(r.Registry, r.Manager, o.logger.Named("dispatch"), o.forwarders...)
	r.Controller = resilience.New(cfg.Resilience, r.Listener, r.Registry,
		resilience.WithClock(o.clock),
		resilience.WithLogger(o.logger.Named("resilience")))
	r.Handler = ws.NewHandler(r.Manager, cfg.WebSocket, o.logger.Named("ws"))
	return r
}

// Run supervises the store listener, the dispatcher and the heartbeat until ctx is done.
// Client connections are closed on return.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Controller.Run(ctx, r.events) })
	g.Go(func() error { return r.Dispatcher.Run(ctx, r.events) })
	g.Go(func() error { return r.Manager.Run(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type HealthReport struct {
	Status        string            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Uptime        float64           `json:"uptime"`
	Version       string            `json:"version"`
	Listener      resilience.Health `json:"listener"`
	Connections   int               `json:"connections"`
	Subscriptions int               `json:"subscriptions"`
}

func (r *Relay) Health() HealthReport {
	now := r.clock.Now()
	listener := r.Controller.Health()
	return HealthReport{
		Status:        listener.Status,
		Timestamp:     now.UTC(),
		Uptime:        now.Sub(r.startedAt).Seconds(),
		Version:       r.version,
		Listener:      listener,
		Connections:   r.Manager.Len(),
		Subscriptions: r.Registry.Len(),
	}
}

// HealthHandler serves the health report: 200 when ok, 503 otherwise.
func (r *Relay) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := r.Health()
		httputil.JSON(w, readyStatus(report.Status), report)
	})
}

// ReadyHandler answers readiness probes with the listener status only.
func (r *Relay) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := r.Controller.Health().Status
		httputil.JSON(w, readyStatus(status), map[string]string{"status": status})
	})
}

// LiveHandler answers liveness probes. Store outages never stop the process, so it is
// always 200 while the server runs.
func LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

func readyStatus(status string) int {
	if status != resilience.StatusOK {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Mount registers the WebSocket endpoint at path, the health report at GET /health and
// the probes GET /health/live and GET /health/ready on router.
func (r *Relay) Mount(router *httputil.Router, path string) {
	router.Handle("GET "+path, r.Handler)
	router.Handle("GET /health", r.HealthHandler())

	probes := router.Group("/health")
	probes.Handle("GET /live", LiveHandler())
	probes.Handle("GET /ready", r.ReadyHandler())
}
