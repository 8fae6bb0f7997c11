// Package bus implements the in-process event bus connecting subsystems.
//
// Delivery model:
//   - Subscribe registers a handler for one topic (or TopicAll) and gets a
//     dedicated mailbox goroutine, so a slow subscriber never blocks
//     publishers or other subscribers.
//   - Per publisher, a subscriber observes events in publish order. Across
//     publishers the order is unspecified.
//   - Delivery is at-most-once. On mailbox overflow the oldest queued event
//     for that subscriber is evicted and an EventDropped diagnostic is
//     published. Diagnostics draw on a fixed budget of 16; once spent, a
//     counter increments instead so a drop storm cannot feed itself.
//   - Handler panics are recovered and logged; other subscribers are
//     unaffected.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

const (
	// TopicAll subscribes to every event regardless of topic.
	TopicAll = "*"

	// TopicEventDropped carries the Dropped diagnostic payload.
	TopicEventDropped = "event_dropped"

	// DefaultMailbox is the per-subscriber mailbox capacity.
	DefaultMailbox = 64

	// DiagnosticBudget bounds the number of EventDropped diagnostics the
	// bus will ever publish.
	DiagnosticBudget = 16
)

// Event is the envelope published on the bus.
type Event struct {
	Topic   string
	Time    time.Time
	Payload any
}

// Dropped is the payload of a TopicEventDropped diagnostic.
type Dropped struct {
	Topic      string
	Subscriber int64
}

// Handler consumes events on the subscriber's own goroutine.
type Handler func(Event)

// Stats returns runtime counters for observability.
type Stats struct {
	Subscribers           int
	Published             uint64
	Dropped               uint64
	DiagnosticsSuppressed uint64
}

// Bus is a topic-keyed publish/subscribe hub.
type Bus struct {
	clk clock.Clock
	log *zap.Logger

	mu     sync.RWMutex
	subs   map[string][]*Subscription
	nextID int64
	closed bool

	published  atomic.Uint64
	dropped    atomic.Uint64
	diagBudget atomic.Int64
	diagLost   atomic.Uint64
}

// New creates an event bus. The logger may not be nil.
func New(clk clock.Clock, log *zap.Logger) *Bus {
	b := &Bus{
		clk:  clk,
		log:  log.Named("bus"),
		subs: make(map[string][]*Subscription),
	}
	b.diagBudget.Store(DiagnosticBudget)
	return b
}

// Subscription is a handle representing one subscriber of one topic.
// Subscribing twice with the same handler yields two independent
// subscriptions; each delivers every matching event.
type Subscription struct {
	id      int64
	topic   string
	bus     *Bus
	mailbox chan Event
	enq     sync.Mutex
	dropped atomic.Uint64
	once    sync.Once
	done    chan struct{}
}

// ID returns the subscriber's bus-unique id.
func (s *Subscription) ID() int64 { return s.id }

// Close unsubscribes and stops the mailbox goroutine. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// Subscribe registers a handler for topic with the default mailbox size.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	return b.SubscribeBuffered(topic, DefaultMailbox, h)
}

// SubscribeBuffered registers a handler with an explicit mailbox capacity.
func (b *Bus) SubscribeBuffered(topic string, buffer int, h Handler) *Subscription {
	if buffer <= 0 {
		buffer = DefaultMailbox
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &Subscription{bus: b, done: make(chan struct{}), mailbox: make(chan Event)}
	}
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		topic:   topic,
		bus:     b,
		mailbox: make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	go sub.run(h, b.log)
	return sub
}

func (s *Subscription) run(h Handler, log *zap.Logger) {
	for {
		select {
		case ev := <-s.mailbox:
			s.deliver(h, ev, log)
		case <-s.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-s.mailbox:
					s.deliver(h, ev, log)
				default:
					return
				}
			}
		}
	}
}

func (s *Subscription) deliver(h Handler, ev Event, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber handler panicked",
				zap.String("topic", ev.Topic),
				zap.Int64("subscriber", s.id),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}

// Publish enqueues the event to every current subscriber of its topic and
// of TopicAll. Never blocks; full mailboxes evict their oldest entry.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.clk.Now()
	}
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[ev.Topic])+len(b.subs[TopicAll]))
	targets = append(targets, b.subs[ev.Topic]...)
	if ev.Topic != TopicAll {
		targets = append(targets, b.subs[TopicAll]...)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	metrics.EventsPublished.WithLabelValues(ev.Topic).Inc()

	for _, s := range targets {
		if !b.enqueue(s, ev) {
			b.dropped.Add(1)
			s.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(ev.Topic).Inc()
			b.publishDropDiagnostic(ev.Topic, s.id)
		}
	}
}

// enqueue appends ev to s's mailbox, evicting the oldest queued event when
// full. Returns false when an eviction happened.
func (b *Bus) enqueue(s *Subscription, ev Event) bool {
	s.enq.Lock()
	defer s.enq.Unlock()
	select {
	case s.mailbox <- ev:
		return true
	default:
	}
	// Full: evict the oldest, then retry once. The consumer may have
	// drained in between, in which case nothing was lost after all.
	evicted := false
	select {
	case <-s.mailbox:
		evicted = true
	default:
	}
	select {
	case s.mailbox <- ev:
	default:
	}
	return !evicted
}

// publishDropDiagnostic publishes an EventDropped diagnostic against the
// fixed budget. Diagnostics bypass eviction accounting: an overflow during
// diagnostic delivery never recurses.
func (b *Bus) publishDropDiagnostic(topic string, subscriber int64) {
	if topic == TopicEventDropped {
		return
	}
	if b.diagBudget.Add(-1) < 0 {
		b.diagLost.Add(1)
		return
	}
	ev := Event{
		Topic:   TopicEventDropped,
		Time:    b.clk.Now(),
		Payload: Dropped{Topic: topic, Subscriber: subscriber},
	}
	b.mu.RLock()
	targets := append([]*Subscription{}, b.subs[TopicEventDropped]...)
	targets = append(targets, b.subs[TopicAll]...)
	b.mu.RUnlock()
	for _, s := range targets {
		b.enqueue(s, ev)
	}
	b.log.Warn("subscriber mailbox overflow",
		zap.String("topic", topic),
		zap.Int64("subscriber", subscriber))
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	b.mu.RUnlock()
	return Stats{
		Subscribers:           n,
		Published:             b.published.Load(),
		Dropped:               b.dropped.Load(),
		DiagnosticsSuppressed: b.diagLost.Load(),
	}
}

// Close unsubscribes everyone. Events published afterwards go nowhere.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*Subscription)
	b.closed = true
	b.mu.Unlock()
	for _, s := range all {
		s.once.Do(func() { close(s.done) })
	}
}
