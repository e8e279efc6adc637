package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Command represents an intent to change state. A command has exactly one handler.
// CommandName is the routing identity and must be unique among commands.
type Command interface {
	CommandName() string
}

// Query is a read-only request. A query has exactly one handler.
type Query interface {
	QueryName() string
}

// EventKind selects which event bus delivers an event.
type EventKind int

const (
	// KindSync events are handled in-process by the sync event bus.
	KindSync EventKind = iota + 1
	// KindAsync events are delivered through the broker.
	KindAsync
)

func (k EventKind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Event represents a fact that already happened. It may have zero or more handlers.
type Event interface {
	EventName() string
	EventKind() EventKind
}

// Base carries the fields every event shares on the wire.
type Base struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredOn time.Time `json:"occurredOn"`
}

func newBase(name string) Base {
	return Base{ID: uuid.NewString(), Type: name, OccurredOn: time.Now().UTC()}
}

// EventName returns the logical name of the event.
func (b Base) EventName() string { return b.Type }

// SyncEvent is an event handled in-process only.
type SyncEvent[T any] struct {
	Base
	Attributes T `json:"attributes"`
}

// EventKind implements Event.
func (SyncEvent[T]) EventKind() EventKind { return KindSync }

// NewSyncEvent builds a sync event with a fresh id and timestamp.
func NewSyncEvent[T any](name string, attrs T) SyncEvent[T] {
	return SyncEvent[T]{Base: newBase(name), Attributes: attrs}
}

// AsyncEvent is an event delivered through the broker.
type AsyncEvent[T any] struct {
	Base
	Attributes T `json:"attributes"`
}

// EventKind implements Event.
func (AsyncEvent[T]) EventKind() EventKind { return KindAsync }

// NewAsyncEvent builds an async event with a fresh id and timestamp.
func NewAsyncEvent[T any](name string, attrs T) AsyncEvent[T] {
	return AsyncEvent[T]{Base: newBase(name), Attributes: attrs}
}

// Message is the decoded broker envelope handed to async handlers.
// Attributes stay raw until a handler decodes them into its own type.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredOn time.Time       `json:"occurredOn"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// EventName implements Event so a received message can be re-published.
func (m Message) EventName() string { return m.Type }

// EventKind implements Event. Messages always come from the broker.
func (Message) EventKind() EventKind { return KindAsync }

// DecodeAttributes unmarshals the raw attributes of m into T.
func DecodeAttributes[T any](m Message) (T, error) {
	var out T
	if len(m.Attributes) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(m.Attributes, &out); err != nil {
		return out, err
	}

	return out, nil
}
