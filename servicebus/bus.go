package servicebus

import (
	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
)

// Bus groups the buses an application dispatches through.
//
// Bus is concurrency-safe and contains no global state.
type Bus struct {
	Commands  *CommandBus
	Queries   *QueryBus
	Events    *SyncEventBus
	Publisher *EventPublisher
}

// New builds the command, query and sync event buses and a publisher over them.
// async may be nil; publishing async events then fails with ErrAsyncNotConfigured.
func New(async cbus.AsyncPublisher, opts ...Option) *Bus {
	events := NewSyncEventBus(opts...)

	return &Bus{
		Commands:  NewCommandBus(opts...),
		Queries:   NewQueryBus(opts...),
		Events:    events,
		Publisher: NewEventPublisher(events, async, opts...),
	}
}
