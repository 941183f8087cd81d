// Package events implements the in-process event bus that decouples the
// registry, health monitor, bandwidth coordinator and routing table from
// the API push channel.
//
// Publish never blocks: an event that does not fit a subscriber's buffer is
// dropped for that subscriber and counted. Each subscriber receives events
// in the order they were published.
package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/wesleywu/routemesh/internal/logger"
)

// DefaultBuffer is the subscriber channel capacity when none is given.
const DefaultBuffer = 256

var ErrClosed = errors.New("event bus closed")

// Observer receives publish and drop notifications, typically metrics.
type Observer interface {
	EventPublished(kind string)
	EventDropped(kind string)
}

// Option configures a Bus.
type Option func(*Bus)

func WithClock(c clock.Clock) Option { return func(b *Bus) { b.clock = c } }

func WithObserver(o Observer) Option { return func(b *Bus) { b.observer = o } }

func WithLogger(l *logger.Logger) Option { return func(b *Bus) { b.log = l } }

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	closed   bool
	clock    clock.Clock
	observer Observer
	log      *logger.Logger
	dropped  atomic.Int64
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:  make(map[*Subscription]struct{}),
		clock: clock.New(),
		log:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is a buffered stream of events of the requested kinds.
type Subscription struct {
	bus       *Bus
	kinds     map[Kind]struct{}
	out       chan Event
	dropped   atomic.Int64
	closeOnce sync.Once
}

// Subscribe registers a subscriber for kinds (all kinds when empty).
// buffer <= 0 selects DefaultBuffer.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		bus: b,
		out: make(chan Event, buffer),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers an event to every interested subscriber without blocking.
func (b *Bus) Publish(kind Kind, payload any) {
	ev := Event{Kind: kind, At: b.clock.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if b.observer != nil {
		b.observer.EventPublished(string(kind))
	}
	for sub := range b.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.out <- ev:
		default:
			sub.dropped.Add(1)
			total := b.dropped.Add(1)
			if b.observer != nil {
				b.observer.EventDropped(string(kind))
			}
			// warn once per hundred drops
			if total%100 == 1 {
				b.log.Warn("Slow event subscriber",
					"kind", string(kind),
					"dropped_total", total)
			}
		}
	}
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close detaches and closes every subscription. Further publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.closeOnce.Do(func() { close(sub.out) })
	}
}

func (s *Subscription) wants(kind Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// C returns the event channel. It is closed when the subscription or bus closes.
func (s *Subscription) C() <-chan Event { return s.out }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.out)
	})
}
