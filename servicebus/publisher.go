package servicebus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// PublishOrder selects which subset of a mixed batch is published first.
type PublishOrder int

const (
	// SyncFirst publishes in-process events before broker events.
	SyncFirst PublishOrder = iota
	// AsyncFirst publishes broker events before in-process events.
	AsyncFirst
)

func (o PublishOrder) String() string {
	if o == AsyncFirst {
		return "async-first"
	}

	return "sync-first"
}

// EventPublisher routes events by their declared kind.
// Sync events go to the SyncEventBus, async events to the broker publisher.
type EventPublisher struct {
	sync   cbus.SyncEventBus
	async  cbus.AsyncPublisher
	logger zerolog.Logger
}

// NewEventPublisher builds a publisher. async may be nil when the host has no broker.
func NewEventPublisher(sync cbus.SyncEventBus, async cbus.AsyncPublisher, opts ...Option) *EventPublisher {
	o := newOptions(opts)

	return &EventPublisher{
		sync:   sync,
		async:  async,
		logger: o.logger.With().Str("bus", "publisher").Logger(),
	}
}

// Publish sends e to the bus matching its kind.
func (p *EventPublisher) Publish(ctx context.Context, e cbus.Event) error {
	if e == nil {
		return fmt.Errorf("publish nil event: %w", berr.ErrMissingHandlerMetadata)
	}

	switch e.EventKind() {
	case cbus.KindSync:
		return p.sync.Publish(ctx, e)
	case cbus.KindAsync:
		if p.async == nil {
			return fmt.Errorf("publish %s: %w", e.EventName(), berr.ErrAsyncNotConfigured)
		}

		return p.async.Publish(ctx, e)
	default:
		return fmt.Errorf("publish %s kind %s: %w", e.EventName(), e.EventKind(), berr.ErrUnrecognizedEventKind)
	}
}

// PublishAll partitions events by kind and publishes one subset entirely before the other.
// Each subset is published concurrently. The batch is validated before anything is sent,
// and a failure in the first subset stops the second from being published.
func (p *EventPublisher) PublishAll(ctx context.Context, events []cbus.Event, order PublishOrder) error {
	var syncs, asyncs []cbus.Event

	for _, e := range events {
		if e == nil {
			return fmt.Errorf("publish nil event: %w", berr.ErrMissingHandlerMetadata)
		}

		switch e.EventKind() {
		case cbus.KindSync:
			syncs = append(syncs, e)
		case cbus.KindAsync:
			asyncs = append(asyncs, e)
		default:
			return fmt.Errorf("publish %s kind %s: %w", e.EventName(), e.EventKind(), berr.ErrUnrecognizedEventKind)
		}
	}

	if len(asyncs) > 0 && p.async == nil {
		return fmt.Errorf("publish %d async events: %w", len(asyncs), berr.ErrAsyncNotConfigured)
	}

	steps := []func() error{
		func() error { return p.publishSync(ctx, syncs) },
		func() error { return p.publishAsync(ctx, asyncs) },
	}
	if order == AsyncFirst {
		steps[0], steps[1] = steps[1], steps[0]
	}

	for _, step := range steps {
		if err := step(); err != nil {
			p.logger.Debug().Err(err).Stringer("order", order).Msg("batch publish stopped")
			return err
		}
	}

	return nil
}

func (p *EventPublisher) publishSync(ctx context.Context, events []cbus.Event) error {
	if len(events) == 0 {
		return nil
	}

	return p.sync.PublishAll(ctx, events)
}

func (p *EventPublisher) publishAsync(ctx context.Context, events []cbus.Event) error {
	if len(events) == 0 {
		return nil
	}

	return p.async.PublishAll(ctx, events)
}
