package bus

import (
	"context"
	"fmt"

	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// CommandHandler handles a command and returns its result.
// Implementations must be safe for concurrent use by multiple goroutines.
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) (any, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd Command) (any, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (any, error) { return f(ctx, cmd) }

// QueryHandler handles a query and returns its result.
// Implementations must be safe for concurrent use by multiple goroutines.
type QueryHandler interface {
	Handle(ctx context.Context, q Query) (any, error)
}

// QueryHandlerFunc adapts a function to QueryHandler.
type QueryHandlerFunc func(ctx context.Context, q Query) (any, error)

func (f QueryHandlerFunc) Handle(ctx context.Context, q Query) (any, error) { return f(ctx, q) }

// EventHandler reacts to an in-process event.
type EventHandler interface {
	Handle(ctx context.Context, e Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, e Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// TypedCommandHandler handles commands of type C producing R.
type TypedCommandHandler[C Command, R any] interface {
	Handle(ctx context.Context, c C) (R, error)
}

// TypedQueryHandler handles queries of type Q producing R.
type TypedQueryHandler[Q Query, R any] interface {
	Handle(ctx context.Context, q Q) (R, error)
}

// TypedEventHandler handles in-process events of type E.
type TypedEventHandler[E Event] interface {
	Handle(ctx context.Context, e E) error
}

// AsyncEventHandler handles an event delivered by the broker.
// A returned error drives the retry/dead-letter policy; it never reaches a caller.
type AsyncEventHandler interface {
	Handle(ctx context.Context, m Message) error
}

// AsyncEventHandlerFunc adapts a function to AsyncEventHandler.
type AsyncEventHandlerFunc func(ctx context.Context, m Message) error

func (f AsyncEventHandlerFunc) Handle(ctx context.Context, m Message) error { return f(ctx, m) }

// HandleAsync adapts a typed attribute handler to AsyncEventHandler.
// Attributes that do not decode into T are reported as a handler failure.
func HandleAsync[T any](fn func(ctx context.Context, m Message, attrs T) error) AsyncEventHandler {
	return AsyncEventHandlerFunc(func(ctx context.Context, m Message) error {
		attrs, err := DecodeAttributes[T](m)
		if err != nil {
			return fmt.Errorf("decode %s attributes: %w", m.Type, err)
		}

		return fn(ctx, m, attrs)
	})
}

// Retryable lets an async handler override the bus-wide retry budget.
// A negative value keeps the bus default.
type Retryable interface {
	MaxRetries() int
}

// EventMetadata identifies an async handler on the broker.
//   - Prefix distinguishes events of different bounded contexts.
//   - EventName is the logical name of the event (the routing key).
//   - ActionName names the reaction, so several handlers of one event get their own queues.
type EventMetadata struct {
	Prefix     string
	EventName  string
	ActionName string
}

// Validate reports ErrWrongEventHandlerMetadata when any field is empty.
func (m EventMetadata) Validate() error {
	if m.Prefix == "" || m.EventName == "" || m.ActionName == "" {
		return fmt.Errorf("event handler metadata %+v: %w", m, berr.ErrWrongEventHandlerMetadata)
	}

	return nil
}

// Described is implemented by async handlers that declare their own metadata.
type Described interface {
	HandlerMetadata() EventMetadata
}

type describedHandler struct {
	AsyncEventHandler
	meta EventMetadata
}

func (d describedHandler) HandlerMetadata() EventMetadata { return d.meta }

// MaxRetries forwards to the wrapped handler when it is Retryable; -1 means "bus default".
func (d describedHandler) MaxRetries() int {
	if r, ok := d.AsyncEventHandler.(Retryable); ok {
		return r.MaxRetries()
	}

	return -1
}

// Describe attaches metadata to an async handler.
func Describe(meta EventMetadata, h AsyncEventHandler) AsyncEventHandler {
	return describedHandler{AsyncEventHandler: h, meta: meta}
}

// MetadataOf resolves the metadata declared by h.
func MetadataOf(h AsyncEventHandler) (EventMetadata, error) {
	d, ok := h.(Described)
	if !ok {
		return EventMetadata{}, fmt.Errorf("event handler %T: %w", h, berr.ErrUnregisteredEventHandlerMetadata)
	}

	meta := d.HandlerMetadata()
	if err := meta.Validate(); err != nil {
		return EventMetadata{}, fmt.Errorf("event handler %T: %w", h, err)
	}

	return meta, nil
}
