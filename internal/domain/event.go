package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventPluginLoaded      EventType = "plugin.loaded"
	EventPluginUnloaded    EventType = "plugin.unloaded"
	EventPluginBootFailed  EventType = "plugin.boot_failed"
	EventPluginInstalled   EventType = "plugin.installed"
	EventPluginUninstalled EventType = "plugin.uninstalled"
	EventUpdatesAvailable  EventType = "plugin.updates_available"
	EventRuntimeConnected  EventType = "runtime.connected"
	EventRuntimeDisconnect EventType = "runtime.disconnected"
	EventRuntimeExited     EventType = "runtime.exited"
)

const eventEnvelopePrefix = "envelope."

// EnvelopeEventType is the bus topic for runtime-initiated envelopes of the given kind.
func EnvelopeEventType(t PayloadType) EventType {
	return EventType(eventEnvelopePrefix + string(t))
}

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Envelope  *Envelope       `json:"envelope,omitempty"` // set for runtime-initiated envelopes
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
