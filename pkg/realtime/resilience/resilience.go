// Package resilience supervises the store listener: it reconnects with exponential backoff
// and jitter, restores every channel the registry currently needs, and reports health.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/pgrelay/pkg/metrics"
	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	}
	return "unknown"
}

// Health statuses.
const (
	StatusStarting = "starting"
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// Listener is one store session at a time. *pgx.Listener implements it.
type Listener interface {
	Run(ctx context.Context, out chan<- change.Event, ready func()) error
	SetChannels(channels []string)
	Channels() []string
}

// ChannelSource hands the channels subscribers currently need to apply, atomically with
// respect to its own subscription changes. *registry.Registry implements it.
type ChannelSource interface {
	SyncChannels(apply func(channels []string))
}

type Config struct {
	InitialDelay time.Duration `mapstructure:"initialDelay"`
	MaxDelay     time.Duration `mapstructure:"maxDelay"`
	// Jitter randomizes each delay by up to ±Jitter of its value.
	Jitter float64 `mapstructure:"jitter"`
	// StartupTimeout is how long the first session may take before health reports failed.
	StartupTimeout time.Duration `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Jitter:         0.2,
		StartupTimeout: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.InitialDelay <= 0 {
		errs = append(errs, errors.New("backoff.initialDelay must be positive"))
	}
	if c.MaxDelay < c.InitialDelay {
		errs = append(errs, errors.New("backoff.maxDelay must be at least backoff.initialDelay"))
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		errs = append(errs, errors.New("backoff.jitter must be in [0, 1)"))
	}
	if c.StartupTimeout <= 0 {
		errs = append(errs, errors.New("startupTimeout must be positive"))
	}
	return errors.Join(errs...)
}

// NewBackOff returns the reconnect schedule: initial * 2^attempt capped at max, ± jitter.
// It never stops.
func (c Config) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type Option func(*Controller)

func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(ctrl *Controller) { ctrl.logger = l }
}

// Controller runs listener sessions forever, restarting them after failures.
type Controller struct {
	cfg      Config
	listener Listener
	source   ChannelSource
	clock    clock.Clock
	logger   *zap.Logger

	mu         sync.RWMutex
	state      State
	since      time.Time
	startedAt  time.Time
	everReady  bool
	attempts   int
	reconnects int
	lastErr    error
}

func New(cfg Config, listener Listener, source ChannelSource, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		listener: listener,
		source:   source,
		clock:    clock.WallClock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run keeps a listener session alive until ctx is done. Each session first receives the
// registry's current channels, so channels subscribed while disconnected are listened as
// soon as the store is back. Run only returns ctx.Err().
func (c *Controller) Run(ctx context.Context, out chan<- change.Event) error {
	c.mu.Lock()
	c.startedAt = c.clock.Now()
	c.since = c.startedAt
	c.mu.Unlock()

	b := c.cfg.NewBackOff()
	for {
		c.source.SyncChannels(c.listener.SetChannels)
		c.setState(StateConnecting, nil)

		err := c.listener.Run(ctx, out, func() {
			b.Reset()
			c.setState(StateListening, nil)
		})
		if ctx.Err() != nil {
			c.setState(StateDisconnected, nil)
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("listener session ended")
		}
		c.setState(StateDisconnected, err)

		delay := b.NextBackOff()
		metrics.ReconnectAttempts.Inc()
		c.logger.Warn("store connection lost, reconnecting",
			zap.Error(err),
			zap.Int("attempt", c.Attempts()),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state
	c.state = s
	c.since = c.clock.Now()
	switch s {
	case StateListening:
		if c.everReady && prev != StateListening {
			c.reconnects++
		}
		c.everReady = true
		c.attempts = 0
		c.lastErr = nil
	case StateDisconnected:
		if err != nil {
			c.attempts++
			c.lastErr = err
		}
	}
	if prev != s {
		c.logger.Info("listener state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempts returns the number of consecutive failed sessions.
func (c *Controller) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

type Health struct {
	Status     string    `json:"status"`
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
	Attempts   int       `json:"attempts"`
	Reconnects int       `json:"reconnects"`
	LastError  string    `json:"lastError,omitempty"`
	Channels   []string  `json:"channels"`
}

// Health distinguishes a relay still starting from one that never reached the store
// within StartupTimeout (failed) and one that lost a working connection (degraded).
func (c *Controller) Health() Health {
	c.mu.RLock()
	h := Health{
		State:      c.state.String(),
		Since:      c.since,
		Attempts:   c.attempts,
		Reconnects: c.reconnects,
	}
	if c.lastErr != nil {
		h.LastError = c.lastErr.Error()
	}
	switch {
	case c.state == StateListening:
		h.Status = StatusOK
	case c.everReady:
		h.Status = StatusDegraded
	case !c.startedAt.IsZero() && c.clock.Now().Sub(c.startedAt) > c.cfg.StartupTimeout:
		h.Status = StatusFailed
	default:
		h.Status = StatusStarting
	}
	c.mu.RUnlock()

	h.Channels = c.listener.Channels()
	return h
}
