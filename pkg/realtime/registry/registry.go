// Package registry keeps the live set of subscriptions held by client connections.
//
// The registry is the single source of truth for who receives what: the dispatcher reads
// recipients from it and the connection manager mutates it. It also drives the store listener,
// asking it to LISTEN on a channel when the first subscriber arrives and to UNLISTEN when the
// last one leaves.
package registry

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/edgeflare/pgrelay/pkg/metrics"
	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/edgeflare/pgrelay/pkg/realtime/filter"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrUnknownConnection   = errors.New("unknown connection")
)

// Subscription is a connection's interest in a channel.
type Subscription struct {
	ID           string
	ConnectionID string
	Channel      string
	// Filter selects the events delivered; nil means every event.
	Filter filter.Expr
	// Fields lists the payload fields delivered; empty means the whole payload.
	Fields    []string
	CreatedAt time.Time
	// Implicit marks the broadcast subscription synthesized for connections without explicit ones.
	Implicit bool
}

// ChannelListener is told when a channel gains its first or loses its last subscriber.
// Calls are made with the registry lock held, so implementations must not block and
// must not call back into the registry.
type ChannelListener interface {
	Listen(channel string)
	Unlisten(channel string)
}

type Config struct {
	// BroadcastChannel is the channel every change is also published on.
	BroadcastChannel string `mapstructure:"channel"`
	// ImplicitBroadcast subscribes connections that hold no explicit subscription to BroadcastChannel.
	ImplicitBroadcast bool `mapstructure:"implicit"`
}

func DefaultConfig() Config {
	return Config{
		BroadcastChannel:  change.BroadcastChannel,
		ImplicitBroadcast: true,
	}
}

type Registry struct {
	cfg      Config
	listener ChannelListener
	logger   *zap.Logger
	now      func() time.Time

	mu sync.RWMutex
	// byChannel indexes channel -> connection -> subscriptions.
	byChannel map[string]map[string][]*Subscription
	// byConn indexes connection -> channel -> number of subscriptions.
	byConn map[string]map[string]int
	// attached holds every known connection with its attach time.
	attached map[string]time.Time
	// idle holds attached connections without explicit subscriptions.
	idle map[string]struct{}
	size int
}

// New creates a Registry. listener and logger may be nil.
func New(cfg Config, listener ChannelListener, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BroadcastChannel == "" {
		cfg.BroadcastChannel = change.BroadcastChannel
	}
	return &Registry{
		cfg:       cfg,
		listener:  listener,
		logger:    logger,
		now:       time.Now,
		byChannel: make(map[string]map[string][]*Subscription),
		byConn:    make(map[string]map[string]int),
		attached:  make(map[string]time.Time),
		idle:      make(map[string]struct{}),
	}
}

func (r *Registry) BroadcastChannel() string { return r.cfg.BroadcastChannel }

func (r *Registry) ImplicitBroadcast() bool { return r.cfg.ImplicitBroadcast }

// Attach registers a connection. Subscriptions can only be added for attached connections,
// so nothing can be added for a connection once RemoveAll has detached it.
func (r *Registry) Attach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.attached[connID]; ok {
		return
	}
	r.mutate(func() {
		r.attached[connID] = r.now()
		if len(r.byConn[connID]) == 0 {
			r.idle[connID] = struct{}{}
		}
	}, r.cfg.BroadcastChannel)
}

// Add stores sub and returns it with its ID and CreatedAt assigned.
func (r *Registry) Add(sub Subscription) (Subscription, error) {
	if sub.ConnectionID == "" || sub.Channel == "" {
		return Subscription{}, fmt.Errorf("%w: connection and channel are required", ErrInvalidSubscription)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = r.now()
	sub.Fields = slices.Clone(sub.Fields)
	sub.Implicit = false

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.attached[sub.ConnectionID]; !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrUnknownConnection, sub.ConnectionID)
	}

	stored := sub
	r.mutate(func() {
		conns, ok := r.byChannel[sub.Channel]
		if !ok {
			conns = make(map[string][]*Subscription)
			r.byChannel[sub.Channel] = conns
		}
		conns[sub.ConnectionID] = append(conns[sub.ConnectionID], &stored)

		channels, ok := r.byConn[sub.ConnectionID]
		if !ok {
			channels = make(map[string]int)
			r.byConn[sub.ConnectionID] = channels
		}
		channels[sub.Channel]++
		delete(r.idle, sub.ConnectionID)
		r.size++
	}, sub.Channel, r.cfg.BroadcastChannel)

	metrics.ActiveSubscriptions.Set(float64(r.size))
	r.logger.Debug("subscription added",
		zap.String("conn_id", sub.ConnectionID),
		zap.String("channel", sub.Channel),
		zap.String("subscription_id", sub.ID))
	return sub, nil
}

// Remove deletes every subscription connID holds on channel and returns how many were removed.
func (r *Registry) Remove(connID, channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	r.mutate(func() {
		removed = r.removeLocked(connID, channel)
		if _, ok := r.attached[connID]; ok && len(r.byConn[connID]) == 0 {
			r.idle[connID] = struct{}{}
		}
	}, channel, r.cfg.BroadcastChannel)

	if removed > 0 {
		metrics.ActiveSubscriptions.Set(float64(r.size))
		r.logger.Debug("subscriptions removed",
			zap.String("conn_id", connID),
			zap.String("channel", channel),
			zap.Int("count", removed))
	}
	return removed
}

// RemoveAll deletes every subscription of connID and detaches it.
func (r *Registry) RemoveAll(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]string, 0, len(r.byConn[connID])+1)
	for ch := range r.byConn[connID] {
		channels = append(channels, ch)
	}
	removed := 0
	r.mutate(func() {
		for _, ch := range channels {
			removed += r.removeLocked(connID, ch)
		}
		delete(r.attached, connID)
		delete(r.idle, connID)
	}, append(channels, r.cfg.BroadcastChannel)...)

	metrics.ActiveSubscriptions.Set(float64(r.size))
	r.logger.Debug("connection detached", zap.String("conn_id", connID), zap.Int("subscriptions", removed))
	return removed
}

func (r *Registry) removeLocked(connID, channel string) int {
	conns, ok := r.byChannel[channel]
	if !ok {
		return 0
	}
	removed := len(conns[connID])
	if removed == 0 {
		return 0
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byChannel, channel)
	}

	delete(r.byConn[connID], channel)
	if len(r.byConn[connID]) == 0 {
		delete(r.byConn, connID)
	}
	r.size -= removed
	return removed
}

// mutate runs fn and notifies the listener of every channel that gained its first
// or lost its last subscriber.
func (r *Registry) mutate(fn func(), channels ...string) {
	before := make([]bool, len(channels))
	for i, ch := range channels {
		before[i] = r.wantedLocked(ch)
	}
	fn()
	if r.listener == nil {
		return
	}
	for i, ch := range channels {
		if slices.Contains(channels[:i], ch) {
			continue
		}
		switch after := r.wantedLocked(ch); {
		case after == before[i]:
		case after:
			r.logger.Debug("listen", zap.String("channel", ch))
			r.listener.Listen(ch)
		default:
			r.logger.Debug("unlisten", zap.String("channel", ch))
			r.listener.Unlisten(ch)
		}
	}
}

func (r *Registry) wantedLocked(channel string) bool {
	if len(r.byChannel[channel]) > 0 {
		return true
	}
	return r.implicitLocked(channel) && len(r.idle) > 0
}

func (r *Registry) implicitLocked(channel string) bool {
	return r.cfg.ImplicitBroadcast && channel == r.cfg.BroadcastChannel
}

// Matching yields every subscription that receives events on channel, including implicit
// broadcast subscriptions. The read lock is held for the whole iteration: the loop body must
// not mutate the registry.
func (r *Registry) Matching(channel string) iter.Seq[Subscription] {
	return func(yield func(Subscription) bool) {
		for _, subs := range r.MatchingByConnection(channel) {
			for _, sub := range subs {
				if !yield(sub) {
					return
				}
			}
		}
	}
}

// MatchingByConnection is Matching grouped by connection. Each connection is yielded once.
func (r *Registry) MatchingByConnection(channel string) iter.Seq2[string, []Subscription] {
	return func(yield func(string, []Subscription) bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()

		for connID, subs := range r.byChannel[channel] {
			out := make([]Subscription, len(subs))
			for i, s := range subs {
				out[i] = *s
			}
			if !yield(connID, out) {
				return
			}
		}

		if !r.implicitLocked(channel) {
			return
		}
		for connID := range r.idle {
			if _, explicit := r.byChannel[channel][connID]; explicit {
				continue
			}
			implicit := Subscription{
				ConnectionID: connID,
				Channel:      channel,
				Filter:       filter.All{},
				CreatedAt:    r.attached[connID],
				Implicit:     true,
			}
			if !yield(connID, []Subscription{implicit}) {
				return
			}
		}
	}
}

// Channels returns the sorted channels that currently have at least one subscriber.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelsLocked()
}

// SyncChannels calls apply with the current channels while holding the registry lock.
// Listen and Unlisten calls of concurrent mutations are issued after apply returns,
// so a listener whose desired set is replaced by apply never loses them.
// apply must not call back into the registry.
func (r *Registry) SyncChannels(apply func(channels []string)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apply(r.channelsLocked())
}

func (r *Registry) channelsLocked() []string {
	channels := make([]string, 0, len(r.byChannel)+1)
	for ch := range r.byChannel {
		channels = append(channels, ch)
	}
	if _, ok := r.byChannel[r.cfg.BroadcastChannel]; !ok && r.wantedLocked(r.cfg.BroadcastChannel) {
		channels = append(channels, r.cfg.BroadcastChannel)
	}
	slices.Sort(channels)
	return channels
}

// Subscriptions returns the explicit subscriptions of connID.
func (r *Registry) Subscriptions(connID string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for ch := range r.byConn[connID] {
		for _, s := range r.byChannel[ch][connID] {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b Subscription) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Count returns the number of explicit subscriptions of connID.
func (r *Registry) Count(connID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.byConn[connID] {
		n += c
	}
	return n
}

// Len returns the total number of explicit subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Connections returns the number of attached connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attached)
}
