// Package memory wires a complete bus module onto the in-process async event bus.
package memory

import (
	"context"

	"github.com/next-trace/scg-cqrs-bus/adapters/inmemory"
	"github.com/next-trace/scg-cqrs-bus/servicebus"
)

// New builds and starts a module backed by inmemory.EventBus. The returned
// cleanup stops the module.
func New(ctx context.Context, h servicebus.Handlers, opts ...servicebus.Option) (*servicebus.Module, *inmemory.EventBus, func(), error) {
	async := inmemory.NewEventBus()
	m := servicebus.NewModule(async, h, opts...)

	if err := m.Start(ctx); err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() { _ = m.Stop(context.Background()) } //nolint:errcheck // in-memory stop cannot fail

	return m, async, cleanup, nil
}
