package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()

	var a, b []Event
	bus.Subscribe(EventPeerStable, func(ev Event) { a = append(a, ev) })
	bus.Subscribe(EventPeerStable, func(ev Event) { b = append(b, ev) })

	bus.Publish(Event{Type: EventPeerStable, PeerID: "alice"})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "alice", a[0].PeerID)
}

func TestBus_TypesAreIsolated(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(EventPeerLeft, func(ev Event) { got = append(got, ev) })

	bus.Publish(Event{Type: EventPeerFailed, PeerID: "alice"})
	bus.Publish(Event{Type: EventPeerLeft, PeerID: "bob"})

	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].PeerID)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	count := 0
	unsub := bus.Subscribe(EventQualityChanged, func(Event) { count++ })

	bus.Publish(Event{Type: EventQualityChanged})
	unsub()
	bus.Publish(Event{Type: EventQualityChanged})

	assert.Equal(t, 1, count)
}

func TestBus_PublishFillsTimestamp(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(EventPeerJoined, func(ev Event) { got = ev })
	bus.Publish(Event{Type: EventPeerJoined})

	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_PublishWithNoSubscribersIsSafe(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: EventRelayMessage})
	})
}
