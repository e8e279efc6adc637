// Package aggregate collects the events a domain aggregate raises until they are published.
package aggregate

import (
	"context"
	"sync"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
)

// Applier mutates aggregate state in reaction to one of its own events.
type Applier func(e cbus.Event)

// Root is embedded by aggregates. The zero value is ready to use.
//
//	type Order struct {
//		aggregate.Root
//		Status string
//	}
//
//	func NewOrder() *Order {
//		o := &Order{}
//		o.On("OrderShipped", func(cbus.Event) { o.Status = "shipped" })
//		return o
//	}
type Root struct {
	mu       sync.Mutex
	events   []cbus.Event
	appliers map[string]Applier
}

// On registers the applier run when an event with the given name is applied.
// A later registration for the same name replaces the earlier one.
func (r *Root) On(name string, fn Applier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.appliers == nil {
		r.appliers = map[string]Applier{}
	}

	r.appliers[name] = fn
}

// Apply records e as uncommitted and runs its applier, if any.
func (r *Root) Apply(e cbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	fn := r.appliers[e.EventName()]
	r.mu.Unlock()

	if fn != nil {
		fn(e)
	}
}

// Uncommitted returns a copy of the events applied since the last commit.
func (r *Root) Uncommitted() []cbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]cbus.Event(nil), r.events...)
}

// Commit forgets the uncommitted events.
func (r *Root) Commit() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// PullEvents returns the uncommitted events and clears them.
func (r *Root) PullEvents() []cbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.events
	r.events = nil

	return out
}

// Publisher is satisfied by servicebus.EventPublisher bound to an order.
type Publisher interface {
	PublishAll(ctx context.Context, events []cbus.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, events []cbus.Event) error

func (f PublisherFunc) PublishAll(ctx context.Context, events []cbus.Event) error { return f(ctx, events) }

// Flush publishes the pulled events of r. On failure the events are put back
// in front of anything applied meanwhile, so a later Flush retries them.
func Flush(ctx context.Context, r *Root, p Publisher) error {
	events := r.PullEvents()
	if len(events) == 0 {
		return nil
	}

	if err := p.PublishAll(ctx, events); err != nil {
		r.mu.Lock()
		r.events = append(events, r.events...)
		r.mu.Unlock()

		return err
	}

	return nil
}
