package events

import (
	"sync"
	"time"
)

// Type names one orchestration event.
type Type string

const (
	EventPeerJoined       Type = "peer.joined"
	EventPeerStable       Type = "peer.stable"
	EventPeerLeft         Type = "peer.left"
	EventPeerFailed       Type = "peer.failed"
	EventPeerRebuilt      Type = "peer.rebuilt"
	EventQualityChanged   Type = "quality.changed"
	EventTransportChanged Type = "transport.changed"
	EventRelayMessage     Type = "relay.message"
)

// Event is one published occurrence. Payload type is fixed per event type
// so subscribers can assert without guessing.
type Event struct {
	Type      Type
	PeerID    string
	MeetingID string
	Timestamp time.Time
	Payload   interface{}
}

// Handler consumes events. Handlers run synchronously on the publisher's
// goroutine; long work belongs on the subscriber's side of a channel.
type Handler func(Event)

// Bus is an in-process publish/subscribe dispatcher with typed event names.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Type]map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type]map[int]Handler)}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[t] == nil {
		b.handlers[t] = make(map[int]Handler)
	}
	b.handlers[t][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[t], id)
	}
}

// Publish delivers the event to all subscribers of its type.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[ev.Type]))
	for _, h := range b.handlers[ev.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
