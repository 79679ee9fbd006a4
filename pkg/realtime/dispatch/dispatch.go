// Package dispatch fans change events out to the connections whose subscriptions match them.
package dispatch

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/edgeflare/pgrelay/pkg/metrics"
	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/edgeflare/pgrelay/pkg/realtime/filter"
	"github.com/edgeflare/pgrelay/pkg/realtime/protocol"
	"github.com/edgeflare/pgrelay/pkg/realtime/registry"
	"go.uber.org/zap"
)

// Source yields the subscriptions receiving events on a channel, grouped by connection.
// *registry.Registry implements it.
type Source interface {
	MatchingByConnection(channel string) iter.Seq2[string, []registry.Subscription]
}

// Deliverer enqueues a message for one connection. It must not block.
type Deliverer interface {
	Deliver(connID string, msg protocol.ServerMessage) error
}

// Forwarder receives every event after it was fanned out to clients. Each forwarder is
// fed by its own goroutine through a bounded queue; events are dropped while the queue is full.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, ev change.Event) error
}

type Dispatcher struct {
	source     Source
	deliverer  Deliverer
	forwarders []Forwarder
	logger     *zap.Logger
}

func New(source Source, deliverer Deliverer, logger *zap.Logger, forwarders ...Forwarder) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:     source,
		deliverer:  deliverer,
		forwarders: forwarders,
		logger:     logger,
	}
}

// Run dispatches events in arrival order until ctx is done or events is closed.
// Forwarders run until Run returns; events still queued for them are forwarded unless ctx is done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan change.Event) error {
	sinks, stop := d.startForwarders(ctx)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Dispatch(ev)
			for _, s := range sinks {
				s.offer(ev, d.logger)
			}
		}
	}
}

// Dispatch delivers ev at most once to every connection with at least one matching
// subscription and returns the number of connections it was enqueued for.
func (d *Dispatcher) Dispatch(ev change.Event) int {
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()
	metrics.EventsDispatched.WithLabelValues(string(ev.Operation)).Inc()

	var row filter.Row
	rowOf := func() filter.Row {
		if row == nil {
			row = filter.Flatten(ev.Payload)
		}
		return row
	}

	delivered := 0
	for connID, subs := range d.source.MatchingByConnection(ev.Channel) {
		fields, ok := selectFields(ev, subs, rowOf)
		if !ok {
			continue
		}
		data := ev.Payload
		if len(fields) > 0 {
			data = filter.Project(ev.Payload, fields)
		}
		if err := d.deliverer.Deliver(connID, protocol.Change(ev, data)); err != nil {
			d.logger.Debug("delivery skipped", zap.String("conn_id", connID), zap.String("channel", ev.Channel), zap.Error(err))
			continue
		}
		delivered++
	}

	metrics.Deliveries.Add(float64(delivered))
	return delivered
}

// selectFields reports whether any of subs matches ev and the union of their requested
// fields. A nil field list means the whole payload.
func selectFields(ev change.Event, subs []registry.Subscription, row func() filter.Row) ([]string, bool) {
	matched, whole := false, false
	var fields []string
	for _, sub := range subs {
		if !matches(sub, ev, row) {
			continue
		}
		matched = true
		if len(sub.Fields) == 0 {
			whole = true
		}
		if whole {
			continue
		}
		for _, f := range sub.Fields {
			if !slices.Contains(fields, f) {
				fields = append(fields, f)
			}
		}
	}
	if whole {
		fields = nil
	}
	return fields, matched
}

// matches evaluates sub's filter. Raw events carry no structured row, so only unfiltered
// subscriptions receive them.
func matches(sub registry.Subscription, ev change.Event, row func() filter.Row) bool {
	if sub.Filter == nil {
		return true
	}
	if _, all := sub.Filter.(filter.All); all {
		return true
	}
	if ev.Operation == change.OpRaw {
		return false
	}
	return sub.Filter.Match(row())
}

const (
	// forwardBuffer is the number of events queued per forwarder.
	forwardBuffer = 256
	// forwardTimeout bounds a single Forward call.
	forwardTimeout = 5 * time.Second
)

type sink struct {
	forwarder Forwarder
	queue     chan change.Event
}

// offer queues ev without blocking the dispatch loop.
func (s sink) offer(ev change.Event, logger *zap.Logger) {
	select {
	case s.queue <- ev:
	default:
		metrics.PublishErrors.WithLabelValues(s.forwarder.Name()).Inc()
		logger.Debug("forward queue full, dropping event",
			zap.String("forwarder", s.forwarder.Name()),
			zap.String("channel", ev.Channel))
	}
}

func (d *Dispatcher) startForwarders(ctx context.Context) ([]sink, func()) {
	var wg sync.WaitGroup
	sinks := make([]sink, 0, len(d.forwarders))
	for _, f := range d.forwarders {
		s := sink{forwarder: f, queue: make(chan change.Event, forwardBuffer)}
		sinks = append(sinks, s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range s.queue {
				if ctx.Err() != nil {
					continue
				}
				d.forward(ctx, f, ev)
			}
		}()
	}
	return sinks, func() {
		for _, s := range sinks {
			close(s.queue)
		}
		wg.Wait()
	}
}

func (d *Dispatcher) forward(ctx context.Context, f Forwarder, ev change.Event) {
	fctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	if err := f.Forward(fctx, ev); err != nil {
		metrics.PublishErrors.WithLabelValues(f.Name()).Inc()
		d.logger.Error("forwarding event", zap.String("forwarder", f.Name()), zap.String("channel", ev.Channel), zap.Error(err))
	}
}
