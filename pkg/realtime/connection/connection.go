// Package connection manages client connections: their outbound queues, liveness and the
// control messages that mutate their subscriptions.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/edgeflare/pgrelay/pkg/realtime/protocol"
)

// Transport is the client side of a connection. Close may be called concurrently with
// WriteMessage and Ping; WriteMessage and Ping are only called from one goroutine.
type Transport interface {
	WriteMessage(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
	RemoteAddr() string
}

type State int

const (
	StateConnected State = iota
	StateEvicting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateEvicting:
		return "evicting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Reason explains why a connection was closed.
type Reason string

const (
	ReasonClientClosed     Reason = "client closed"
	ReasonHeartbeatTimeout Reason = "heartbeat timeout"
	ReasonSlowConsumer     Reason = "outbound queue overflow"
	ReasonWriteFailed      Reason = "write failed"
	ReasonShutdown         Reason = "server shutdown"
)

// WebSocket close codes (RFC 6455 section 7.4).
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// CloseCode maps a reason to the close code sent to the client.
func (r Reason) CloseCode() int {
	switch r {
	case ReasonClientClosed:
		return CloseNormal
	case ReasonShutdown:
		return CloseGoingAway
	case ReasonHeartbeatTimeout:
		return ClosePolicyViolation
	case ReasonSlowConsumer:
		return CloseTryAgainLater
	}
	return CloseInternalError
}

// Connection is one accepted client. Its queue is drained by a dedicated writer goroutine.
type Connection struct {
	id        string
	transport Transport
	createdAt time.Time

	mu       sync.Mutex
	state    State
	queue    []protocol.ServerMessage
	capacity int
	pingDue  bool
	lastAck  time.Time
	dropped  int

	signal chan struct{}
	done   chan struct{}
}

func newConnection(id string, t Transport, now time.Time, capacity int) *Connection {
	return &Connection{
		id:        id,
		transport: t,
		createdAt: now,
		lastAck:   now,
		capacity:  capacity,
		queue:     make([]protocol.ServerMessage, 0, min(capacity, 16)),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) RemoteAddr() string { return c.transport.RemoteAddr() }

func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Done is closed once the connection has been evicted.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LastAck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

// Dropped returns the number of messages discarded by the drop-oldest policy.
func (c *Connection) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Queued returns the number of messages waiting for the writer.
func (c *Connection) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Connection) ack(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.lastAck) {
		c.lastAck = now
	}
}

// push enqueues msg. It reports false when the connection no longer accepts messages,
// and overflowed when the queue was full.
func (c *Connection) push(msg protocol.ServerMessage, policy OverflowPolicy) (accepted, overflowed bool) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return false, false
	}
	if len(c.queue) >= c.capacity {
		if policy == Evict {
			c.state = StateEvicting
			c.mu.Unlock()
			return false, true
		}
		c.queue[0] = protocol.ServerMessage{}
		c.queue = c.queue[1:]
		c.dropped++
		overflowed = true
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	c.wake()
	return true, overflowed
}

func (c *Connection) requestPing() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.pingDue = true
	c.mu.Unlock()
	c.wake()
}

func (c *Connection) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// next returns the next unit of work for the writer: a pending ping first, then the
// oldest queued message.
func (c *Connection) next() (msg protocol.ServerMessage, ping, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return msg, false, false
	}
	if c.pingDue {
		c.pingDue = false
		return msg, true, true
	}
	if len(c.queue) == 0 {
		return msg, false, false
	}
	msg = c.queue[0]
	c.queue[0] = protocol.ServerMessage{}
	c.queue = c.queue[1:]
	return msg, false, true
}

// markEvicting moves a connected connection to evicting and reports whether it did.
func (c *Connection) markEvicting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	c.state = StateEvicting
	return true
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.queue = nil
	close(c.done)
}
