package servicebus

import (
	"context"
	"fmt"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// CommandHandlerOf adapts a typed handler to bus.CommandHandler.
// A command of another type fails with ErrHandlerTypeMismatch.
func CommandHandlerOf[C cbus.Command, R any](h cbus.TypedCommandHandler[C, R]) cbus.CommandHandler {
	return cbus.CommandHandlerFunc(func(ctx context.Context, cmd cbus.Command) (any, error) {
		c, ok := cmd.(C)
		if !ok {
			return nil, fmt.Errorf("execute %s as %T: %w", cmd.CommandName(), *new(C), berr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, c)
	})
}

// QueryHandlerOf adapts a typed handler to bus.QueryHandler.
func QueryHandlerOf[Q cbus.Query, R any](h cbus.TypedQueryHandler[Q, R]) cbus.QueryHandler {
	return cbus.QueryHandlerFunc(func(ctx context.Context, query cbus.Query) (any, error) {
		q, ok := query.(Q)
		if !ok {
			return nil, fmt.Errorf("execute %s as %T: %w", query.QueryName(), *new(Q), berr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, q)
	})
}

// EventHandlerOf adapts a typed handler to bus.EventHandler.
func EventHandlerOf[E cbus.Event](h cbus.TypedEventHandler[E]) cbus.EventHandler {
	return cbus.EventHandlerFunc(func(ctx context.Context, event cbus.Event) error {
		e, ok := event.(E)
		if !ok {
			return fmt.Errorf("handle %s as %T: %w", event.EventName(), *new(E), berr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, e)
	})
}

// RegisterCommand binds a typed handler under the name reported by the zero value of C.
// C's CommandName must therefore not depend on field values.
func RegisterCommand[C cbus.Command, R any](cb *CommandBus, h cbus.TypedCommandHandler[C, R]) error {
	var zero C

	return cb.Register(zero.CommandName(), CommandHandlerOf[C, R](h))
}

// RegisterQuery binds a typed handler under the name reported by the zero value of Q.
func RegisterQuery[Q cbus.Query, R any](qb *QueryBus, h cbus.TypedQueryHandler[Q, R]) error {
	var zero Q

	return qb.Register(zero.QueryName(), QueryHandlerOf[Q, R](h))
}

// RegisterEvent appends a typed handler for the named event.
// Event names travel with the event value, so the name is passed explicitly.
func RegisterEvent[E cbus.Event](eb *SyncEventBus, name string, h cbus.TypedEventHandler[E]) error {
	return eb.Register(name, EventHandlerOf[E](h))
}

// Execute runs cmd and asserts its result to R.
func Execute[R any](ctx context.Context, cb *CommandBus, cmd cbus.Command) (R, error) {
	var zero R

	res, err := cb.Execute(ctx, cmd)
	if err != nil {
		return zero, err
	}

	return resultAs[R](res, "command", cmd.CommandName())
}

// Ask runs query and asserts its result to R.
func Ask[R any](ctx context.Context, qb *QueryBus, query cbus.Query) (R, error) {
	var zero R

	res, err := qb.Execute(ctx, query)
	if err != nil {
		return zero, err
	}

	return resultAs[R](res, "query", query.QueryName())
}

func resultAs[R any](res any, kind, name string) (R, error) {
	var zero R
	if res == nil {
		return zero, nil
	}

	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("%s %s returned %T: %w", kind, name, res, berr.ErrHandlerTypeMismatch)
	}

	return r, nil
}
