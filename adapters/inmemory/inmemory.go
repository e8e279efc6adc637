// Package inmemory provides process-local async event buses for tests and examples.
package inmemory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// Publisher is a thread-safe recording implementation of cbus.AsyncPublisher.
// Set Err to make every publish fail.
type Publisher struct {
	mu     sync.Mutex
	events []cbus.Event
	Err    error
}

var _ cbus.AsyncPublisher = (*Publisher)(nil)

func (p *Publisher) Publish(ctx context.Context, e cbus.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}

	p.events = append(p.events, e)

	return nil
}

func (p *Publisher) PublishAll(ctx context.Context, events []cbus.Event) error {
	for _, e := range events {
		if err := p.Publish(ctx, e); err != nil {
			return err
		}
	}

	return nil
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []cbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]cbus.Event(nil), p.events...)
}

// DeadLetter is a message whose handler exhausted its retries.
type DeadLetter struct {
	Queue   string
	Message cbus.Message
	Cause   error
}

type subscriber struct {
	queue   string
	handler cbus.AsyncEventHandler
	retries int
}

// EventBus is an in-process cbus.AsyncEventBus.
//
// Publish hands the JSON envelope to every handler registered for the event
// name before returning. Handler failures are retried up to the handler's
// budget and then dead-lettered; like a broker, they never reach the publisher.
type EventBus struct {
	Publisher

	maxRetries int
	logger     zerolog.Logger

	mu          sync.RWMutex
	initialized bool
	subs        map[string][]subscriber
	dead        []DeadLetter
}

var _ cbus.AsyncEventBus = (*EventBus)(nil)

// Option configures an EventBus.
type Option func(*EventBus)

// WithMaxRetries sets the default retry budget. Handlers implementing bus.Retryable override it.
func WithMaxRetries(n int) Option {
	return func(b *EventBus) { b.maxRetries = n }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(b *EventBus) { b.logger = l }
}

// NewEventBus creates an uninitialized bus.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{logger: zerolog.Nop(), subs: map[string][]subscriber{}}
	for _, o := range opts {
		o(b)
	}

	b.logger = b.logger.With().Str("component", "inmemory").Logger()

	return b
}

func (b *EventBus) Initialize(context.Context) error {
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()

	return nil
}

func (b *EventBus) Register(h cbus.AsyncEventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return berr.ErrEventBusNotInitialized
	}

	meta, err := cbus.MetadataOf(h)
	if err != nil {
		return err
	}

	retries := b.maxRetries
	if r, ok := h.(cbus.Retryable); ok && r.MaxRetries() >= 0 {
		retries = r.MaxRetries()
	}

	b.subs[meta.EventName] = append(b.subs[meta.EventName], subscriber{
		queue:   fmt.Sprintf("%s.%s.%s", meta.Prefix, meta.EventName, meta.ActionName),
		handler: h,
		retries: retries,
	})

	return nil
}

func (b *EventBus) RegisterMany(hs ...cbus.AsyncEventHandler) error {
	errs := make([]error, 0, len(hs))
	for _, h := range hs {
		errs = append(errs, b.Register(h))
	}

	return errors.Join(errs...)
}

// Publish encodes e once and records the resulting envelope, so Events and
// handlers see the same message id.
func (b *EventBus) Publish(ctx context.Context, e cbus.Event) error {
	if e == nil {
		return fmt.Errorf("publish nil event: %w", berr.ErrMissingHandlerMetadata)
	}

	b.mu.RLock()
	ok := b.initialized
	subs := append([]subscriber(nil), b.subs[e.EventName()]...)
	b.mu.RUnlock()

	if !ok {
		return berr.ErrEventBusNotInitialized
	}

	body, _, err := cbus.Envelope(e)
	if err != nil {
		return err
	}

	var msg cbus.Message
	if err = json.Unmarshal(body, &msg); err != nil {
		return errors.Join(berr.ErrSerializationFailed, err)
	}

	if err = b.Publisher.Publish(ctx, msg); err != nil {
		return err
	}

	for _, s := range subs {
		b.deliver(ctx, s, msg)
	}

	return nil
}

func (b *EventBus) PublishAll(ctx context.Context, events []cbus.Event) error {
	for _, e := range events {
		if err := b.Publish(ctx, e); err != nil {
			return err
		}
	}

	return nil
}

func (b *EventBus) deliver(ctx context.Context, s subscriber, msg cbus.Message) {
	var err error

	for attempt := 0; attempt <= s.retries; attempt++ {
		dctx := cbus.WithDelivery(ctx, cbus.DeliveryInfo{
			Queue:       s.queue,
			RoutingKey:  msg.Type,
			MessageID:   msg.ID,
			Redelivered: attempt > 0,
			Retries:     attempt,
		})

		if err = s.handler.Handle(dctx, msg); err == nil {
			return
		}

		b.logger.Debug().Err(err).Str("queue", s.queue).Int("attempt", attempt).Msg("handler failed")
	}

	b.logger.Warn().Err(err).Str("queue", s.queue).Str("message_id", msg.ID).Msg("dead-lettered")

	b.mu.Lock()
	b.dead = append(b.dead, DeadLetter{Queue: s.queue, Message: msg, Cause: err})
	b.mu.Unlock()
}

// DeadLetters returns the messages that exhausted their retries.
func (b *EventBus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]DeadLetter(nil), b.dead...)
}

// CloseConnection drops every subscription. The bus must be initialized again before reuse.
func (b *EventBus) CloseConnection(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initialized = false
	b.subs = map[string][]subscriber{}

	return nil
}
