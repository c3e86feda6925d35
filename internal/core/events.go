package core

import (
	"sync"
	"sync/atomic"
)

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	// EventControlStateChanged fires whenever the control session's state
	// machine transitions (Disconnected → AddressSelected → Authenticated
	// ⇄ Expired → Reestablishing).
	EventControlStateChanged EventType = iota
	// EventUdpChannelUpdated fires when a new UdpChannelDetails token/addr
	// pair has been applied to the UDP channel.
	EventUdpChannelUpdated
	// EventNewClient fires when a NewClient control message has been
	// handed to the TCP acceptor.
	EventNewClient
	// EventClockAdjusted fires whenever the logical clock offset changes
	// in response to a server-reported signature expiry.
	EventClockAdjusted
)

// ControlState enumerates the control session's state machine positions.
type ControlState int

const (
	StateDisconnected ControlState = iota
	StateAddressSelected
	StateAuthenticated
	StateExpired
	StateReestablishing
)

func (s ControlState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAddressSelected:
		return "address-selected"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	case StateReestablishing:
		return "reestablishing"
	default:
		return "unknown"
	}
}

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// ControlStatePayload is the payload for EventControlStateChanged.
type ControlStatePayload struct {
	Old ControlState
	New ControlState
}

// ClockAdjustedPayload is the payload for EventClockAdjusted.
type ClockAdjustedPayload struct {
	DeltaMillis int64
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

type subscription struct {
	id      uint64
	match   EventType
	handler Handler
}

// EventBus fans events out to subscribers. The subscriber list is an
// immutable snapshot behind an atomic pointer, replaced wholesale on every
// Subscribe/unsubscribe (the same copy-on-write pattern lookup.Table uses
// for its endpoint snapshot), so Publish from the control session's hot
// loop reads it without taking a lock.
type EventBus struct {
	mu     sync.Mutex // serializes snapshot writers only
	subs   atomic.Pointer[[]subscription]
	nextID uint64
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	b := &EventBus{}
	b.subs.Store(&[]subscription{})
	return b
}

// Subscribe registers h for events of type t. The returned function removes
// the subscription; callers that keep a handler for the life of the process
// may discard it.
func (b *EventBus) Subscribe(t EventType, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	old := *b.subs.Load()
	next := make([]subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, subscription{id: id, match: t, handler: h})
	b.subs.Store(&next)
	b.mu.Unlock()

	return func() { b.drop(id) }
}

func (b *EventBus) drop(id uint64) {
	b.mu.Lock()
	old := *b.subs.Load()
	next := make([]subscription, 0, len(old))
	for _, s := range old {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs.Store(&next)
	b.mu.Unlock()
}

// Publish delivers e synchronously to every subscriber registered for its
// type, in subscription order.
func (b *EventBus) Publish(e Event) {
	for _, s := range *b.subs.Load() {
		if s.match == e.Type {
			s.handler(e)
		}
	}
}
