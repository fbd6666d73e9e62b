package events

import (
	"sync"
	"time"
)

// Type identifies what happened
type Type string

const (
	TypeMotion            Type = "motion"
	TypeRecordingStarted  Type = "recording_started"
	TypeRecordingFinished Type = "recording_finished"
	TypeHealth            Type = "health"
)

// Event is a notification published on the bus
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// New stamps an event with the current time
func New(t Type, data interface{}) Event {
	return Event{Type: t, Timestamp: time.Now(), Data: data}
}

// Handler receives events synchronously from Publish
type Handler interface {
	OnEvent(ev Event)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ev Event)

// OnEvent implements Handler
func (f HandlerFunc) OnEvent(ev Event) { f(ev) }

// Bus provides pub/sub for pipeline events
type Bus struct {
	subscribers map[*subscription]bool
	mu          sync.RWMutex
}

type subscription struct {
	channel chan Event
	handler Handler
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*subscription]bool),
	}
}

// Subscribe registers a handler for all events
// Returns an unsubscribe function
func (b *Bus) Subscribe(handler Handler) func() {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives events
// The channel has the specified buffer size; events are dropped when it is full
func (b *Bus) SubscribeChannel(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Event, bufferSize)
	sub := &subscription{channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers. A nil bus discards it.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler.OnEvent(ev)
		} else if sub.channel != nil {
			select {
			case sub.channel <- ev:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
