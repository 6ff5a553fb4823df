// SPDX-License-Identifier: GPL-3.0-or-later

// Package eventbus implements the dual-shape event system addons publish and
// subscribe to (C5, spec §4.5): a fan-out, fire-and-forget Broadcast bus and
// an ordered-fold Chain bus. The two event-type spaces are disjoint — a
// broadcast [EventType] and a chain [ChainEventType] never collide.
package eventbus

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// EventType identifies a broadcast event kind.
type EventType string

// ChainEventType identifies a chain (ordered-fold) event kind.
type ChainEventType string

const (
	// EventSystemError is broadcast when a broadcast subscriber panics and by
	// the addon manager's error path, e.g. an addon init failure (spec §4.5
	// failure semantics).
	EventSystemError EventType = "system_error"
	// EventAddonLoaded/EventAddonStopped mark lifecycle transitions (spec §4.6).
	EventAddonLoaded  EventType = "addon_loaded"
	EventAddonStopped EventType = "addon_stopped"
)

const (
	// ChainAuthVerification lets subscribers inspect and rewrite auth grant
	// data before the caller proceeds, e.g. §8 scenario S5's token mutation.
	ChainAuthVerification ChainEventType = "auth_verification"
)

// Event is a broadcast message (spec §3.2 Event).
type Event struct {
	ID       string
	Type     EventType
	Data     any
	Priority int // lower value dispatches earlier
}

// NewEvent constructs an [Event] with a fresh time-ordered ID.
func NewEvent(typ EventType, data any, priority int) Event {
	return Event{
		ID:       newEventID(),
		Type:     typ,
		Data:     data,
		Priority: priority,
	}
}

func newEventID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

// ChainEvent is a chain (ordered-fold) message. Data may be replaced in place
// by each subscriber; the producer observes the final value.
type ChainEvent struct {
	ID   string
	Type ChainEventType
	Data any
}

// NewChainEvent constructs a [ChainEvent] with a fresh time-ordered ID.
func NewChainEvent(typ ChainEventType, data any) *ChainEvent {
	return &ChainEvent{
		ID:   newEventID(),
		Type: typ,
		Data: data,
	}
}
