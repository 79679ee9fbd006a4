package pgx

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/edgeflare/pgrelay/pkg/metrics"
	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// NotifyConn is the subset of *pgx.Conn a Listener needs. A pooled connection cannot be used:
// LISTEN registrations belong to the session, so the Listener owns a dedicated connection.
type NotifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens the connection a Listener session runs on.
type Dialer func(ctx context.Context) (NotifyConn, error)

// DialConnString returns a Dialer connecting with connString.
func DialConnString(connString string) Dialer {
	return func(ctx context.Context) (NotifyConn, error) {
		conn, err := pgx.Connect(ctx, connString)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// DialConfig returns a Dialer connecting with a copy of config.
func DialConfig(config *pgx.ConnConfig) Dialer {
	return func(ctx context.Context) (NotifyConn, error) {
		conn, err := pgx.ConnectConfig(ctx, config.Copy())
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

var ErrNoDialer = errors.New("listener has no dialer")

// Listener turns NOTIFY messages (triggered by `NOTIFY channel_name, 'payload_string';`)
// into change events.
//
// Listen, Unlisten and SetChannels only record the desired channel set and never block;
// the goroutine running Run issues the matching LISTEN and UNLISTEN statements on the
// connection it owns.
type Listener struct {
	dial   Dialer
	logger *zap.Logger

	mu      sync.Mutex
	desired map[string]struct{}
	active  map[string]struct{}

	wake chan struct{}
}

func NewListener(dial Dialer, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		dial:    dial,
		logger:  logger,
		desired: make(map[string]struct{}),
		active:  make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Listen adds channel to the desired set.
func (l *Listener) Listen(channel string) {
	l.mu.Lock()
	l.desired[channel] = struct{}{}
	l.mu.Unlock()
	l.notify()
}

// Unlisten removes channel from the desired set.
func (l *Listener) Unlisten(channel string) {
	l.mu.Lock()
	delete(l.desired, channel)
	l.mu.Unlock()
	l.notify()
}

// SetChannels replaces the desired set.
func (l *Listener) SetChannels(channels []string) {
	l.mu.Lock()
	clear(l.desired)
	for _, ch := range channels {
		l.desired[ch] = struct{}{}
	}
	l.mu.Unlock()
	l.notify()
}

// Channels returns the sorted channels currently LISTENed on the store connection.
func (l *Listener) Channels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	channels := make([]string, 0, len(l.active))
	for ch := range l.active {
		channels = append(channels, ch)
	}
	slices.Sort(channels)
	return channels
}

func (l *Listener) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run opens a session, LISTENs on every desired channel, calls ready and then sends one
// event per notification to out until ctx is done or the connection fails. Run returns
// ctx.Err() on cancellation and the connection error otherwise; it never retries.
func (l *Listener) Run(ctx context.Context, out chan<- change.Event, ready func()) error {
	if l.dial == nil {
		return ErrNoDialer
	}
	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer l.closeSession(conn)

	if err := l.reconcile(ctx, conn); err != nil {
		return err
	}
	l.logger.Info("listening", zap.Strings("channels", l.Channels()))
	if ready != nil {
		ready()
	}

	for {
		n, woken, err := l.wait(ctx, conn)
		if err != nil && !woken {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n != nil {
			if err := l.handle(ctx, n, out); err != nil {
				return err
			}
		}
		if woken {
			if err := l.reconcile(ctx, conn); err != nil {
				return err
			}
		}
	}
}

// wait blocks until a notification arrives or the desired channel set changes.
func (l *Listener) wait(ctx context.Context, conn NotifyConn) (*pgconn.Notification, bool, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	woken := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-l.wake:
			woken = true
			cancel()
		case <-waitCtx.Done():
		}
	}()

	n, err := conn.WaitForNotification(waitCtx)
	cancel()
	<-done
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	return n, woken, err
}

func (l *Listener) handle(ctx context.Context, n *pgconn.Notification, out chan<- change.Event) error {
	metrics.NotificationsReceived.WithLabelValues(n.Channel).Inc()

	ev, err := change.Parse(n.Channel, n.Payload)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(n.Channel).Inc()
		l.logger.Warn("relaying undecodable notification as raw",
			zap.String("channel", n.Channel),
			zap.Uint32("pid", n.PID),
			zap.Error(err))
	}

	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reconcile brings the session's LISTEN registrations in line with the desired set.
func (l *Listener) reconcile(ctx context.Context, conn NotifyConn) error {
	l.mu.Lock()
	var listen, unlisten []string
	for ch := range l.desired {
		if _, ok := l.active[ch]; !ok {
			listen = append(listen, ch)
		}
	}
	for ch := range l.active {
		if _, ok := l.desired[ch]; !ok {
			unlisten = append(unlisten, ch)
		}
	}
	l.mu.Unlock()

	slices.Sort(listen)
	slices.Sort(unlisten)

	for _, ch := range listen {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
		l.setActive(ch, true)
		l.logger.Debug("channel listened", zap.String("channel", ch))
	}
	for _, ch := range unlisten {
		if _, err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("unlisten %s: %w", ch, err)
		}
		l.setActive(ch, false)
		l.logger.Debug("channel unlistened", zap.String("channel", ch))
	}
	return nil
}

func (l *Listener) setActive(channel string, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if on {
		l.active[channel] = struct{}{}
	} else {
		delete(l.active, channel)
	}
	metrics.ListenedChannels.Set(float64(len(l.active)))
}

func (l *Listener) closeSession(conn NotifyConn) {
	l.mu.Lock()
	clear(l.active)
	l.mu.Unlock()
	metrics.ListenedChannels.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		l.logger.Debug("closing listen connection", zap.Error(err))
	}
}
