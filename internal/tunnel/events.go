package tunnel

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType tags an event published on the EventBus.
type EventType string

const (
	EventConnected    EventType = "transport.connected"
	EventDisconnected EventType = "transport.disconnected"
	EventError        EventType = "transport.error"
	EventRegistered   EventType = "registration.succeeded"
)

// Event is a tunnel lifecycle or registration event.
type Event struct {
	Type     EventType
	Err      error
	DeviceID string
	Time     time.Time
}

// Reason returns a short human-readable cause for the event.
func (e Event) Reason() string {
	if e.Err != nil {
		return string(e.Type) + ": " + e.Err.Error()
	}
	return string(e.Type)
}

type subscriber struct {
	id      uint64
	handler func(Event)
}

// EventBus delivers events synchronously to subscribers in subscription order.
// It is scoped to one agent instance and passed explicitly to the components that need it.
type EventBus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
}

// NewEventBus creates an empty bus.
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// Subscribe registers handler and returns a function that removes it.
func (b *EventBus) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every subscriber. A panicking handler is logged and skipped.
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *EventBus) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("Event handler panicked")
		}
	}()
	s.handler(ev)
}
