package core

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of local event being published.
type EventType string

const (
	EventConnectionUp        EventType = "connection.up"
	EventConnectionDown      EventType = "connection.down"
	EventConnectionError     EventType = "connection.error"
	EventConnectionPermanent EventType = "connection.permanent_error"
	EventConnectionWarning   EventType = "connection.warning"

	EventSessionStarted EventType = "session.started"
	EventSessionEnded   EventType = "session.ended"
	EventSessionFailed  EventType = "session.failed"

	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
)

// Event is the envelope published on the local event bus. These are
// in-process notifications, distinct from wire-level platform events.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for SDK events.
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
