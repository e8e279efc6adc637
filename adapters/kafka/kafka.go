// Package kafka publishes async events to Kafka topics.
//
// Topics are "<prefix>.<event name>" and records are keyed by the event id, so
// redeliveries of one event land on the same partition.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// Writer is a minimal Kafka-like writer interface.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Publisher implements bus.AsyncPublisher on an injected Writer.
type Publisher struct {
	Writer     Writer
	Prefix     string
	Propagator cbus.HeaderPropagator // optional
}

var _ cbus.AsyncPublisher = (*Publisher)(nil)

// New creates a publisher that prefixes every topic with prefix.
func New(w Writer, prefix string) *Publisher { return &Publisher{Writer: w, Prefix: prefix} }

// Topic returns the topic an event name is written to.
func (p *Publisher) Topic(name string) string {
	if p.Prefix == "" {
		return name
	}

	return p.Prefix + "." + name
}

// Publish writes the JSON envelope of e.
func (p *Publisher) Publish(ctx context.Context, e cbus.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.Writer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublishFailed)
	}

	if e == nil {
		return fmt.Errorf("kafka publish nil event: %w", berr.ErrMissingHandlerMetadata)
	}

	val, id, err := cbus.Envelope(e)
	if err != nil {
		return fmt.Errorf("kafka publish %s serialize: %w", e.EventName(), err)
	}

	headers := map[string]string{"event-type": e.EventName()}
	if p.Propagator != nil {
		p.Propagator.Inject(ctx, headers)
	}

	topic := p.Topic(e.EventName())

	if err = p.Writer.Write(ctx, topic, []byte(id), val, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka publish to %q: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// PublishAll writes events concurrently and returns the first failure.
func (p *Publisher) PublishAll(ctx context.Context, events []cbus.Event) error {
	var g errgroup.Group
	for _, e := range events {
		g.Go(func() error { return p.Publish(ctx, e) })
	}

	return g.Wait()
}
