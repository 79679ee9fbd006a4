package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/edgeflare/pgrelay/pkg/metrics"
	"github.com/edgeflare/pgrelay/pkg/realtime/filter"
	"github.com/edgeflare/pgrelay/pkg/realtime/protocol"
	"github.com/edgeflare/pgrelay/pkg/realtime/registry"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrQueueFull          = errors.New("outbound queue full")
	ErrManagerClosed      = errors.New("connection manager closed")
)

// Registry is the subscription store a Manager mutates. *registry.Registry implements it.
type Registry interface {
	Attach(connID string)
	Add(sub registry.Subscription) (registry.Subscription, error)
	Remove(connID, channel string) int
	RemoveAll(connID string) int
	BroadcastChannel() string
	ImplicitBroadcast() bool
}

type ManagerOption func(*Manager)

func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager owns every open Connection.
//
// Lock order: a caller may hold the registry read lock while calling Deliver, so the
// Manager never calls into the registry while holding its own lock, and evictions caused
// by Deliver run on their own goroutine.
type Manager struct {
	cfg      Config
	registry Registry
	clock    clock.Clock
	logger   *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
	wg     sync.WaitGroup
}

func NewManager(cfg Config, reg Registry, opts ...ManagerOption) *Manager {
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = DropOldest
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	m := &Manager{
		cfg:      cfg,
		registry: reg,
		clock:    clock.WallClock,
		logger:   zap.NewNop(),
		conns:    make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Accept registers a new connection, starts its writer and queues the connection greeting.
func (m *Manager) Accept(t Transport) (*Connection, error) {
	m.mu.RLock()
	err := m.admitLocked()
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	// Attached before it is visible to Evict, so RemoveAll always runs after Attach.
	c := newConnection(uuid.NewString(), t, m.clock.Now(), m.cfg.QueueCapacity)
	m.registry.Attach(c.id)

	m.mu.Lock()
	if err := m.admitLocked(); err != nil {
		m.mu.Unlock()
		m.registry.RemoveAll(c.id)
		return nil, err
	}
	m.conns[c.id] = c
	open := len(m.conns)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.writeLoop(c)
	}()
	_ = m.enqueue(c, protocol.Connection(c.id, m.capabilities()))

	metrics.ActiveConnections.Set(float64(open))
	m.logger.Info("connection accepted", zap.String("conn_id", c.id), zap.String("remote_addr", t.RemoteAddr()))
	return c, nil
}

func (m *Manager) admitLocked() error {
	if m.closed {
		return ErrManagerClosed
	}
	if m.cfg.MaxConnections > 0 && len(m.conns) >= m.cfg.MaxConnections {
		return fmt.Errorf("%w: limit is %d", ErrTooManyConnections, m.cfg.MaxConnections)
	}
	return nil
}

func (m *Manager) capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Operators:           filter.Operators,
		FieldProjection:     true,
		BroadcastChannel:    m.registry.BroadcastChannel(),
		ImplicitBroadcast:   m.registry.ImplicitBroadcast(),
		OverflowPolicy:      string(m.cfg.OverflowPolicy),
		QueueCapacity:       m.cfg.QueueCapacity,
		HeartbeatIntervalMs: m.cfg.Heartbeat.Interval.Milliseconds(),
		HeartbeatTimeoutMs:  m.cfg.Heartbeat.Timeout.Milliseconds(),
	}
}

// Get returns the open connection with id.
func (m *Manager) Get(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// Len returns the number of open connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// Deliver queues msg for connID without blocking.
func (m *Manager) Deliver(connID string, msg protocol.ServerMessage) error {
	c, ok := m.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	return m.enqueue(c, msg)
}

func (m *Manager) enqueue(c *Connection, msg protocol.ServerMessage) error {
	accepted, overflowed := c.push(msg, m.cfg.OverflowPolicy)
	if overflowed {
		metrics.QueueOverflows.WithLabelValues(string(m.cfg.OverflowPolicy)).Inc()
		if !accepted {
			m.logger.Warn("evicting slow consumer", zap.String("conn_id", c.id), zap.Int("queue_capacity", m.cfg.QueueCapacity))
			go m.Evict(c.id, ReasonSlowConsumer)
			return ErrQueueFull
		}
		m.logger.Debug("dropped oldest queued message", zap.String("conn_id", c.id))
	}
	if !accepted {
		return ErrConnectionClosed
	}
	return nil
}

// Ack records a liveness acknowledgement from connID.
func (m *Manager) Ack(connID string) bool {
	c, ok := m.Get(connID)
	if ok {
		c.ack(m.clock.Now())
	}
	return ok
}

// HandleControlMessage applies a client control message. Malformed or rejected messages are
// answered with an error message and returned; the connection stays open.
func (m *Manager) HandleControlMessage(connID string, data []byte) error {
	c, ok := m.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	c.ack(m.clock.Now())

	msg, err := protocol.ParseControlMessage(data)
	if err != nil {
		return m.reject(c, err)
	}

	switch msg.Action {
	case protocol.ActionSubscribe:
		expr, err := filter.Parse(msg.Filter)
		if err != nil {
			return m.reject(c, err)
		}
		sub := registry.Subscription{
			ID:           uuid.NewString(),
			ConnectionID: connID,
			Channel:      msg.Channel,
			Filter:       expr,
			Fields:       msg.Fields,
		}
		// confirmed before the registry sees the subscription, so no event overtakes it
		if err := m.enqueue(c, protocol.SubscriptionConfirmed(sub.Channel, sub.ID)); err != nil {
			return err
		}
		if _, err := m.registry.Add(sub); err != nil {
			return m.reject(c, err)
		}
		m.logger.Debug("subscribed", zap.String("conn_id", connID), zap.String("channel", sub.Channel), zap.String("subscription_id", sub.ID))

	case protocol.ActionUnsubscribe:
		removed := m.registry.Remove(connID, msg.Channel)
		m.logger.Debug("unsubscribed", zap.String("conn_id", connID), zap.String("channel", msg.Channel), zap.Int("removed", removed))
		return m.enqueue(c, protocol.Unsubscribed(msg.Channel, removed))

	case protocol.ActionPing:
		return m.enqueue(c, protocol.Pong())
	}
	return nil
}

func (m *Manager) reject(c *Connection, err error) error {
	m.logger.Debug("control message rejected", zap.String("conn_id", c.id), zap.Error(err))
	_ = m.enqueue(c, protocol.Error(err.Error()))
	return err
}

// Evict closes connID and removes all its subscriptions. Nothing is queued for the
// connection once Evict has marked it closed, which happens before its subscriptions
// are removed. Evict reports false when connID is not open.
func (m *Manager) Evict(connID string, reason Reason) bool {
	m.mu.Lock()
	c, ok := m.conns[connID]
	delete(m.conns, connID)
	open := len(m.conns)
	m.mu.Unlock()
	if !ok {
		return false
	}

	c.close()
	removed := m.registry.RemoveAll(connID)
	if err := c.transport.Close(reason.CloseCode(), string(reason)); err != nil {
		m.logger.Debug("closing transport", zap.String("conn_id", connID), zap.Error(err))
	}

	metrics.ActiveConnections.Set(float64(open))
	metrics.Evictions.WithLabelValues(string(reason)).Inc()
	m.logger.Info("connection closed",
		zap.String("conn_id", connID),
		zap.String("reason", string(reason)),
		zap.Int("subscriptions", removed),
		zap.Int("dropped", c.Dropped()))
	return true
}

// CloseAll evicts every connection, rejects new ones and waits for all writers to stop.
func (m *Manager) CloseAll(reason Reason) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, c := range m.snapshot() {
		m.Evict(c.id, reason)
	}
	m.wg.Wait()
}

func (m *Manager) writeLoop(c *Connection) {
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}

		for {
			msg, ping, ok := c.next()
			if !ok {
				break
			}
			if err := m.write(c, msg, ping); err != nil {
				m.logger.Debug("write failed", zap.String("conn_id", c.id), zap.Bool("ping", ping), zap.Error(err))
				m.Evict(c.id, ReasonWriteFailed)
				return
			}
		}
	}
}

func (m *Manager) write(c *Connection, msg protocol.ServerMessage, ping bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()

	if ping {
		return c.transport.Ping(ctx)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("encoding message", zap.String("conn_id", c.id), zap.String("type", msg.Type), zap.Error(err))
		return nil
	}
	return c.transport.WriteMessage(ctx, data)
}
