package bus

import "context"

// SyncEventBus fans in-process events out to every handler bound to the event name.
type SyncEventBus interface {
	Register(name string, h EventHandler) error
	Publish(ctx context.Context, e Event) error
	PublishAll(ctx context.Context, events []Event) error
}

// AsyncPublisher places events on a broker. Adapters that cannot consume
// (NATS core, Kafka producer) implement only this side.
type AsyncPublisher interface {
	Publish(ctx context.Context, e Event) error
	PublishAll(ctx context.Context, events []Event) error
}

// AsyncEventBus is a broker-backed event bus with at-least-once delivery.
//
// Initialize must complete before Register or Publish. CloseConnection stops
// consuming, waits for in-flight handlers and closes the broker connection.
type AsyncEventBus interface {
	AsyncPublisher

	Initialize(ctx context.Context) error
	Register(h AsyncEventHandler) error
	RegisterMany(hs ...AsyncEventHandler) error
	CloseConnection(ctx context.Context) error
}
