package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/autarch-dev/autarch/pkg/logger"
	"github.com/autarch-dev/autarch/pkg/observability"
)

const defaultQueueSize = 256

// Delivery wraps an event handed to a subscriber. Lagged is set on the
// first delivery after the subscriber's queue overflowed, meaning one
// or more older events were dropped.
type Delivery struct {
	Event  Event
	Lagged bool
}

// Subscription is a live subscriber handle. Receive from C; call
// Unsubscribe (or cancel via Bus.Close) when done.
type Subscription struct {
	C chan Delivery

	bus    *Bus
	id     uint64
	queue  []Delivery
	lagged bool
	wake   chan struct{}
	done   chan struct{}
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// Bus fans events out to subscribers. Publish never blocks: each
// subscriber has a bounded queue and the oldest queued event is
// dropped on overflow.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	closed    bool
	metrics   observability.Recorder
	log       *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMetrics attaches an event-drop recorder.
func WithMetrics(m observability.Recorder) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: defaultQueueSize,
		metrics:   observability.NoopMetrics{},
		log:       logger.GetLogger("bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber. The returned subscription
// receives every event published after this call, subject to the
// queue bound.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		C:    make(chan Delivery),
		bus:  b,
		id:   b.nextID,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if b.closed {
		close(sub.C)
		close(sub.done)
		return sub
	}
	b.subs[sub.id] = sub
	go b.pump(sub)
	return sub
}

// Publish enqueues the event for every current subscriber. It never
// blocks; slow subscribers lose their oldest queued event instead.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.queue) >= b.queueSize {
			sub.queue = sub.queue[1:]
			sub.lagged = true
			b.metrics.RecordEventDropped(context.Background(), 1)
			b.log.Debug("dropped event for lagged subscriber", "type", e.EventType())
		}
		sub.queue = append(sub.queue, Delivery{Event: e})
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// Close detaches all subscribers and closes their channels. Publish
// and Subscribe become no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// pump drains a subscriber's queue into its channel. It runs until the
// subscription is removed; pending events are discarded at that point.
func (b *Bus) pump(sub *Subscription) {
	defer close(sub.C)
	for {
		b.mu.Lock()
		var (
			next    Delivery
			pending bool
		)
		if len(sub.queue) > 0 {
			next = sub.queue[0]
			sub.queue = sub.queue[1:]
			next.Lagged = sub.lagged
			sub.lagged = false
			pending = true
		}
		b.mu.Unlock()

		if !pending {
			select {
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			}
		}

		select {
		case sub.C <- next:
		case <-sub.done:
			return
		}
	}
}
