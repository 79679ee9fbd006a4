package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgeflare/pgrelay/pkg/httputil/middleware"
	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/edgeflare/pgrelay/pkg/realtime/connection"
	"github.com/edgeflare/pgrelay/pkg/realtime/protocol"
	"github.com/edgeflare/pgrelay/pkg/realtime/registry"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newServer(t *testing.T, cfg connection.Config, wsCfg Config) (*httptest.Server, *connection.Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), nil, nil)
	m := connection.NewManager(cfg, reg)
	srv := httptest.NewServer(NewHandler(m, wsCfg, nil))
	t.Cleanup(func() {
		m.CloseAll(connection.ReasonShutdown)
		srv.Close()
	})
	return srv, m, reg
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg protocol.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSubscribeAndReceive(t *testing.T) {
	srv, m, reg := newServer(t, connection.DefaultConfig(), DefaultConfig())
	conn := dial(t, srv, nil)

	greeting := read(t, conn)
	require.Equal(t, protocol.TypeConnection, greeting.Type)
	connID := greeting.Data.(map[string]any)["connectionId"].(string)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":  "subscribe",
		"channel": "table:orders:change",
		"filter":  map[string]any{"status": map[string]any{"eq": "open"}},
	}))
	assert.Equal(t, protocol.TypeSubscriptionConfirmed, read(t, conn).Type)
	assert.Equal(t, 1, reg.Count(connID))

	ev := change.NewEventBuilder("table:orders:change").
		WithOperation(change.OpInsert).
		WithPayload(map[string]any{"id": 7, "status": "open"}).
		Build()
	require.NoError(t, m.Deliver(connID, protocol.Change(ev, ev.Payload)))

	msg := read(t, conn)
	assert.Equal(t, "insert", msg.Type)
	assert.Equal(t, "orders", msg.Table)
	assert.Equal(t, map[string]any{"id": float64(7), "status": "open"}, msg.Data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))
	assert.Equal(t, protocol.TypePong, read(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"dance"}`)))
	assert.Equal(t, protocol.TypeError, read(t, conn).Type)
}

func TestClientCloseReleasesSubscriptions(t *testing.T) {
	srv, m, reg := newServer(t, connection.DefaultConfig(), DefaultConfig())
	conn := dial(t, srv, nil)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "channel": "table:orders:change"}))
	read(t, conn)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return m.Len() == 0 && reg.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEvictionClosesSocket(t *testing.T) {
	srv, m, _ := newServer(t, connection.DefaultConfig(), DefaultConfig())
	conn := dial(t, srv, nil)
	connID := read(t, conn).Data.(map[string]any)["connectionId"].(string)

	require.True(t, m.Evict(connID, connection.ReasonHeartbeatTimeout))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, connection.ClosePolicyViolation), "got %v", err)
}

func TestConnectionLimit(t *testing.T) {
	cfg := connection.DefaultConfig()
	cfg.MaxConnections = 1
	srv, _, _ := newServer(t, cfg, DefaultConfig())

	first := dial(t, srv, nil)
	read(t, first)

	second := dial(t, srv, nil)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, connection.CloseTryAgainLater), "got %v", err)
}

func TestPongCountsAsAck(t *testing.T) {
	srv, m, _ := newServer(t, connection.DefaultConfig(), DefaultConfig())
	conn := dial(t, srv, nil)
	connID := read(t, conn).Data.(map[string]any)["connectionId"].(string)
	c, ok := m.Get(connID)
	require.True(t, ok)
	before := c.LastAck()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second)))
	require.Eventually(t, func() bool { return c.LastAck().After(before) }, 2*time.Second, 5*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	srv, _, _ := newServer(t, connection.DefaultConfig(), Config{AllowedOrigins: []string{"https://app.example.com"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPlainRequestNeedsUpgrade(t *testing.T) {
	srv, m, _ := newServer(t, connection.DefaultConfig(), Config{})

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Zero(t, m.Len())
}

func TestRejectionUsesRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	reg := registry.New(registry.DefaultConfig(), nil, nil)
	cfg := connection.DefaultConfig()
	cfg.MaxConnections = 1
	m := connection.NewManager(cfg, reg)

	handler := middleware.RequestID(
		middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: zap.New(core)})(
			NewHandler(m, DefaultConfig(), nil)))
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		m.CloseAll(connection.ReasonShutdown)
		srv.Close()
	})

	first := dial(t, srv, nil)
	assert.Equal(t, protocol.TypeConnection, read(t, first).Type)

	reqID := "6f1c2a4e-8a3b-4d2e-9f10-0b7c5d9e1a23"
	second := dial(t, srv, http.Header{middleware.RequestIDHeader: {reqID}})
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, connection.CloseTryAgainLater, closeErr.Code)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("connection rejected").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	entry := logs.FilterMessage("connection rejected").All()[0]
	assert.Equal(t, reqID, entry.ContextMap()["req_id"])
	assert.Equal(t, "ws", entry.LoggerName)
}
