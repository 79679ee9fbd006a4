// Package ws serves relay clients over WebSocket.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/pgrelay/pkg/httputil"
	"github.com/edgeflare/pgrelay/pkg/realtime/connection"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Manager is the part of *connection.Manager the handler drives.
type Manager interface {
	Accept(t connection.Transport) (*connection.Connection, error)
	HandleControlMessage(connID string, data []byte) error
	Ack(connID string) bool
	Evict(connID string, reason connection.Reason) bool
}

type Config struct {
	// ReadLimit is the largest control message accepted, in bytes.
	ReadLimit int64 `mapstructure:"readLimit"`
	// AllowedOrigins restricts the Origin header of upgrade requests. Empty or "*" allows any.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

func DefaultConfig() Config {
	return Config{ReadLimit: 64 << 10}
}

type Handler struct {
	manager  Manager
	upgrader websocket.Upgrader
	cfg      Config
	logger   *zap.Logger
}

func NewHandler(manager Manager, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultConfig().ReadLimit
	}
	h := &Handler{manager: manager, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 || slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and runs the read loop of the new connection until
// the client goes away or the connection is evicted.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		httputil.Error(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}

	logger := h.logger
	if reqLogger, ok := httputil.Logger(r.Context()); ok {
		logger = reqLogger.Named("ws")
	} else if reqID, ok := httputil.RequestID(r); ok {
		logger = logger.With(zap.String("req_id", reqID))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	t := &transport{conn: conn, remote: remoteAddr(r)}
	c, err := h.manager.Accept(t)
	if err != nil {
		logger.Warn("connection rejected", zap.String("remote_addr", t.remote), zap.Error(err))
		_ = t.Close(connection.CloseTryAgainLater, err.Error())
		return
	}

	conn.SetReadLimit(h.cfg.ReadLimit)
	conn.SetPongHandler(func(string) error {
		h.manager.Ack(c.ID())
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("read failed", zap.String("conn_id", c.ID()), zap.Error(err))
			}
			h.manager.Evict(c.ID(), connection.ReasonClientClosed)
			return
		}
		if err := h.manager.HandleControlMessage(c.ID(), data); err != nil {
			logger.Debug("control message", zap.String("conn_id", c.ID()), zap.Error(err))
		}
	}
}

// transport adapts a gorilla connection. gorilla allows one concurrent writer plus
// concurrent WriteControl and Close, which is what connection.Transport requires.
type transport struct {
	conn      *websocket.Conn
	remote    string
	closeOnce sync.Once
	closeErr  error
}

const controlTimeout = time.Second

func (t *transport) WriteMessage(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *transport) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(controlTimeout)
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *transport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, truncate(reason, 120))
		err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
			t.closeErr = err
		}
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) && t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}

func (t *transport) RemoteAddr() string { return t.remote }

// truncate keeps close reasons within the 123 byte control frame payload.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}
