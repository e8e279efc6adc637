// Package nats publishes async events to NATS core subjects.
//
// NATS core has no acknowledgements, so this adapter only implements the
// publishing side of the async bus. Subjects are "<prefix>.<event name>".
package nats

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// Client is a minimal NATS-like publisher interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
}

// Publisher implements bus.AsyncPublisher on an injected Client.
type Publisher struct {
	Client     Client
	Prefix     string
	Propagator cbus.HeaderPropagator // optional
}

var _ cbus.AsyncPublisher = (*Publisher)(nil)

// New creates a publisher that prefixes every subject with prefix.
func New(c Client, prefix string) *Publisher { return &Publisher{Client: c, Prefix: prefix} }

// Subject returns the subject an event name is published to.
func (p *Publisher) Subject(name string) string {
	if p.Prefix == "" {
		return name
	}

	return p.Prefix + "." + name
}

// Publish sends the JSON envelope of e.
func (p *Publisher) Publish(ctx context.Context, e cbus.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.Client == nil {
		return fmt.Errorf("nats publish: %w", berr.ErrPublishFailed)
	}

	if e == nil {
		return fmt.Errorf("nats publish nil event: %w", berr.ErrMissingHandlerMetadata)
	}

	body, id, err := cbus.Envelope(e)
	if err != nil {
		return fmt.Errorf("nats publish %s serialize: %w", e.EventName(), err)
	}

	headers := map[string]string{"Nats-Msg-Id": id, "event-type": e.EventName()}
	if p.Propagator != nil {
		p.Propagator.Inject(ctx, headers)
	}

	if err := p.Client.Publish(p.Subject(e.EventName()), body, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", e.EventName(), errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// PublishAll publishes events concurrently and returns the first failure.
func (p *Publisher) PublishAll(ctx context.Context, events []cbus.Event) error {
	var g errgroup.Group
	for _, e := range events {
		g.Go(func() error { return p.Publish(ctx, e) })
	}

	return g.Wait()
}
