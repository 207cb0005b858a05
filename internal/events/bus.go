// Package events is the in-process message bus carrying job progress to
// stream subscribers and trip notifications to long-lived handlers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rossigee/street-coverage/internal/metrics"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the per-subscriber queue capacity
const DefaultQueueSize = 100

// AreaTopic is the topic carrying coverage_updated events of one area
func AreaTopic(areaID string) string {
	return "area:" + areaID
}

// Handler processes one dispatched event
type Handler func(ctx context.Context, ev types.Event) error

// Subscription is one subscriber's bounded queue on a topic
type Subscription struct {
	id    uuid.UUID
	topic string
	ch    chan types.Event

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Events returns the receive side of the queue. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan types.Event {
	return s.ch
}

// Topic returns the topic the subscription listens on
func (s *Subscription) Topic() string {
	return s.topic
}

// Dropped returns how many events were evicted from this queue
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer enqueues ev without blocking, evicting the oldest queued events
// while the queue is full.
func (s *Subscription) offer(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			metrics.EventsDropped.Inc()
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus routes events to per-topic subscriber queues and per-type handlers.
// Construct one with New and share it by reference.
type Bus struct {
	queueSize int

	mu       sync.RWMutex
	topics   map[string]map[uuid.UUID]*Subscription
	handlers map[string][]Handler
}

// New creates a bus whose subscriber queues hold queueSize events
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queueSize: queueSize,
		topics:    make(map[string]map[uuid.UUID]*Subscription),
		handlers:  make(map[string][]Handler),
	}
}

// Subscribe registers a new bounded queue on topic
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uuid.UUID]*Subscription)
		b.topics[topic] = subs
	}
	var id uuid.UUID
	for {
		id = uuid.New()
		if _, ok := subs[id]; !ok {
			break
		}
	}
	sub := &Subscription{id: id, topic: topic, ch: make(chan types.Event, b.queueSize)}
	subs[id] = sub
	return sub
}

// Unsubscribe removes sub and closes its queue. A topic left without
// subscribers is removed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Subscribers returns the number of live subscriptions on topic
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics returns the number of topics with at least one subscriber
func (b *Bus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Publish delivers ev to every subscriber of topic. It never blocks: a full
// queue drops its oldest event to make room.
func (b *Bus) Publish(topic string, ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.offer(ev)
	}
}

// Handle registers h for events of the given type
func (b *Bus) Handle(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Dispatch runs every handler registered for ev.Type in registration order.
// A failing or panicking handler is logged and does not stop the others; the
// combined failures are returned to the caller.
func (b *Bus) Dispatch(ctx context.Context, ev types.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()

	var result *multierror.Error
	for i, h := range handlers {
		if err := runHandler(ctx, h, ev); err != nil {
			metrics.HandlerErrors.WithLabelValues(ev.Type).Inc()
			logrus.WithFields(logrus.Fields{
				"event":   ev.Type,
				"handler": i,
			}).WithError(err).Error("Event handler failed")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// EmitTripCompleted dispatches a trip_completed notification to the trip
// handlers. trip may be nil, in which case handlers load it by id.
func (b *Bus) EmitTripCompleted(ctx context.Context, tripID string, trip *types.Trip) error {
	payload := map[string]any{"trip_id": tripID}
	if trip != nil {
		payload["trip"] = trip
	}
	return b.Dispatch(ctx, types.Event{Type: types.EventTripCompleted, Payload: payload})
}

func runHandler(ctx context.Context, h Handler, ev types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
