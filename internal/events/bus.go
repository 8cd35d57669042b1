// Package events carries hunt notifications from the control plane to
// listeners: in-process subscribers and connected operator consoles.
package events

import (
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Sink is the notification interface the hunt layer publishes through.
type Sink interface {
	Publish(name string, payload interface{})
}

// Event is one published notification.
type Event struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// Handler receives matching events. A panicking handler is isolated; it
// never affects the publisher or other handlers.
type Handler func(Event)

type subscription struct {
	id      string
	pattern string
	handler Handler
}

// Bus fans events out to subscribers whose wildcard pattern matches the
// event name. Publishing never blocks the caller: events flow through a
// buffered queue drained by a single dispatch goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]subscription

	queue    chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewBus creates a bus and starts its dispatch loop.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{
		subs:   make(map[string]subscription),
		queue:  make(chan Event, queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish enqueues an event. When the queue is full or the bus is closed
// the event is dropped with a warning; notification delivery is best
// effort and must never stall hunt processing.
func (b *Bus) Publish(name string, payload interface{}) {
	event := Event{
		ID:      uuid.NewString(),
		Name:    name,
		Time:    time.Now(),
		Payload: payload,
	}

	select {
	case <-b.stopCh:
		log.Warn().Str("event", name).Msg("Event bus closed, dropping event")
	case b.queue <- event:
	default:
		log.Warn().Str("event", name).Msg("Event queue full, dropping event")
	}
}

// Subscribe registers a handler for events whose name matches the
// wildcard pattern ("*" for everything, "hunt.*.done" etc.). The returned
// function removes the subscription.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = subscription{id: id, pattern: pattern, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Close stops the dispatch loop after draining queued events.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
}

func (b *Bus) dispatch() {
	defer close(b.doneCh)

	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.stopCh:
			// Drain whatever was queued before the close
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	matching := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if wildcard.Match(sub.pattern, event.Name) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event", event.Name).
				Str("pattern", sub.pattern).
				Msg("Event handler panicked")
		}
	}()
	sub.handler(event)
}
