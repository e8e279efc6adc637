package servicebus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// SyncEventBus fans in-process events out to every bound handler.
//
// Handlers of one event run concurrently. A failing handler never cancels its
// siblings; Publish waits for all of them and returns the first failure.
type SyncEventBus struct {
	handlers  *multiRegistry[cbus.EventHandler]
	observers []EventObserver
	policy    ZeroHandlerPolicy
	logger    zerolog.Logger
}

var _ cbus.SyncEventBus = (*SyncEventBus)(nil)

// NewSyncEventBus constructs an empty SyncEventBus.
func NewSyncEventBus(opts ...Option) *SyncEventBus {
	o := newOptions(opts)

	return &SyncEventBus{
		handlers:  newMultiRegistry[cbus.EventHandler](),
		observers: o.evtObs,
		policy:    o.zeroPolicy,
		logger:    o.logger.With().Str("bus", "event").Logger(),
	}
}

// Register appends h to the handlers of the event name.
func (b *SyncEventBus) Register(name string, h cbus.EventHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register event %q: %w", name, berr.ErrMissingHandlerMetadata)
	}

	b.handlers.add(name, h)

	return nil
}

// Publish invokes every handler bound to e concurrently and waits for all of them.
func (b *SyncEventBus) Publish(ctx context.Context, e cbus.Event) error {
	if e == nil {
		return fmt.Errorf("publish nil event: %w", berr.ErrMissingHandlerMetadata)
	}

	name := e.EventName()
	hs := b.handlers.get(name)

	if len(hs) == 0 {
		if b.policy == ZeroHandlersIgnore {
			b.logger.Debug().Str("event", name).Msg("no handlers, event ignored")
			return nil
		}

		return berr.NotFound("event", name)
	}

	for _, obs := range b.observers {
		obs(ctx, e)
	}

	// errgroup.Group without WithContext: siblings keep running after a failure.
	var g errgroup.Group
	for _, h := range hs {
		g.Go(func() error { return handle(ctx, h, e) })
	}

	if err := g.Wait(); err != nil {
		b.logger.Debug().Err(err).Str("event", name).Msg("event handler failed")
		return err
	}

	return nil
}

// PublishAll publishes each event independently and concurrently.
// It returns the first failure after every event settled.
func (b *SyncEventBus) PublishAll(ctx context.Context, events []cbus.Event) error {
	var g errgroup.Group
	for _, e := range events {
		g.Go(func() error { return b.Publish(ctx, e) })
	}

	return g.Wait()
}

// handle runs h on its own goroutine, so a panic is turned into an error the publisher sees.
func handle(ctx context.Context, h cbus.EventHandler, e cbus.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event %s handler panic: %v", e.EventName(), r)
		}
	}()

	return h.Handle(ctx, e)
}
