package pgx

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/pgrelay/internal/testutil/pgtest"
	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var _ NotifyConn = (*pgx.Conn)(nil)

type fakeNotifyConn struct {
	mu       sync.Mutex
	execs    []string
	closed   bool
	execErr  error
	notifyCh chan *pgconn.Notification
	failCh   chan error
}

func newFakeNotifyConn() *fakeNotifyConn {
	return &fakeNotifyConn{
		notifyCh: make(chan *pgconn.Notification, 16),
		failCh:   make(chan error, 1),
	}
}

func (c *fakeNotifyConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.execErr != nil {
		return pgconn.CommandTag{}, c.execErr
	}
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (c *fakeNotifyConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notifyCh:
		return n, nil
	case err := <-c.failCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeNotifyConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeNotifyConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.execs)
}

func (c *fakeNotifyConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func dialFake(conn *fakeNotifyConn) Dialer {
	return func(context.Context) (NotifyConn, error) { return conn, nil }
}

func startListener(t *testing.T, l *Listener) (chan change.Event, <-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan change.Event, 16)
	ready := make(chan struct{})
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx, out, func() { close(ready) }) }()

	select {
	case <-ready:
	case err := <-errc:
		t.Fatalf("listener stopped before ready: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for listener")
	}
	t.Cleanup(cancel)
	return out, errc, cancel
}

func TestListenerRun(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	conn := newFakeNotifyConn()
	l := NewListener(dialFake(conn), zap.New(core))
	l.SetChannels([]string{"table:orders:change", "store:all"})

	out, errc, cancel := startListener(t, l)
	assert.Equal(t, []string{`LISTEN "store:all"`, `LISTEN "table:orders:change"`}, conn.statements())
	assert.Equal(t, []string{"store:all", "table:orders:change"}, l.Channels())

	conn.notifyCh <- &pgconn.Notification{
		Channel: "table:orders:change",
		Payload: `{"event":"create","table":"orders","schema":"public","data":{"id":1,"status":"open"},"timestamp":"2025-01-15 10:00:00+00"}`,
	}
	ev := <-out
	assert.Equal(t, change.OpInsert, ev.Operation)
	assert.Equal(t, "orders", ev.Table)
	assert.Equal(t, "1", ev.ID)
	assert.Equal(t, 0, logs.Len())

	conn.notifyCh <- &pgconn.Notification{Channel: "table:orders:change", Payload: "not json"}
	ev = <-out
	assert.Equal(t, change.OpRaw, ev.Operation)
	assert.Equal(t, "not json", ev.Payload)
	require.Equal(t, 1, logs.FilterMessage("relaying undecodable notification as raw").Len())

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.True(t, conn.isClosed())
	assert.Empty(t, l.Channels())
}

func TestListenerReconcilesWhileRunning(t *testing.T) {
	conn := newFakeNotifyConn()
	l := NewListener(dialFake(conn), nil)

	startListener(t, l)
	assert.Empty(t, conn.statements())

	l.Listen("table:orders:change")
	assert.Eventually(t, func() bool {
		return slices.Equal(l.Channels(), []string{"table:orders:change"})
	}, time.Second, 5*time.Millisecond)

	l.Listen("table:users:change")
	l.Unlisten("table:orders:change")
	assert.Eventually(t, func() bool {
		return slices.Equal(l.Channels(), []string{"table:users:change"})
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		`LISTEN "table:orders:change"`,
		`LISTEN "table:users:change"`,
		`UNLISTEN "table:orders:change"`,
	}, conn.statements())
}

func TestListenerConnectionFailure(t *testing.T) {
	conn := newFakeNotifyConn()
	l := NewListener(dialFake(conn), nil)
	l.Listen("store:all")

	_, errc, _ := startListener(t, l)
	conn.failCh <- errors.New("conn closed")

	err := <-errc
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn closed")
	assert.True(t, conn.isClosed())
	assert.Empty(t, l.Channels())
}

func TestListenerSetupErrors(t *testing.T) {
	ctx := context.Background()
	out := make(chan change.Event)

	l := NewListener(func(context.Context) (NotifyConn, error) {
		return nil, errors.New("connection refused")
	}, nil)
	assert.ErrorContains(t, l.Run(ctx, out, nil), "connection refused")

	conn := newFakeNotifyConn()
	conn.execErr = errors.New("permission denied")
	l = NewListener(dialFake(conn), nil)
	l.Listen("store:all")
	assert.ErrorContains(t, l.Run(ctx, out, nil), "permission denied")
	assert.True(t, conn.isClosed())

	assert.ErrorIs(t, NewListener(nil, nil).Run(ctx, out, nil), ErrNoDialer)
}

func TestListenerPostgres(t *testing.T) {
	pgtest.Require(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := NewListener(DialConfig(pgtest.ParseConfig(t)), nil)
	l.Listen("table:pgrelay_test:change")

	out := make(chan change.Event, 1)
	ready := make(chan struct{})
	go func() { _ = l.Run(ctx, out, func() { close(ready) }) }()
	<-ready

	notifyConn := pgtest.Connect(ctx, t)
	require.NoError(t, Notify(ctx, notifyConn, "table:pgrelay_test:change", `{"event":"update","data":{"id":"a1"}}`))

	select {
	case ev := <-out:
		assert.Equal(t, change.OpUpdate, ev.Operation)
		assert.Equal(t, "pgrelay_test", ev.Table)
		assert.Equal(t, "a1", ev.ID)
	case <-ctx.Done():
		t.Fatal("timeout waiting for notification")
	}
}
