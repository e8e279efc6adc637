package servicebus

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// CommandBus dispatches each command to the single handler bound to its name.
//
// CommandBus is safe for concurrent use.
type CommandBus struct {
	handlers  *registry[cbus.CommandHandler]
	mw        []CommandMiddleware
	observers []CommandObserver
	logger    zerolog.Logger
}

// NewCommandBus constructs an empty CommandBus.
func NewCommandBus(opts ...Option) *CommandBus {
	o := newOptions(opts)

	return &CommandBus{
		handlers:  newRegistry[cbus.CommandHandler](),
		mw:        o.cmdMW,
		observers: o.cmdObs,
		logger:    o.logger.With().Str("bus", "command").Logger(),
	}
}

// Register binds h to the command name, replacing any previous binding.
func (c *CommandBus) Register(name string, h cbus.CommandHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register command %q: %w", name, berr.ErrMissingHandlerMetadata)
	}

	if c.handlers.set(name, h) {
		c.logger.Warn().Str("command", name).Msg("command handler replaced")
	}

	return nil
}

// Names lists the bound command names in sorted order.
func (c *CommandBus) Names() []string { return c.handlers.names() }

// Execute runs the handler bound to cmd and returns its result.
func (c *CommandBus) Execute(ctx context.Context, cmd cbus.Command) (any, error) {
	return c.execute(ctx, cmd)
}

// ExecuteWithMiddleware runs cmd with additional per-call middleware after the global chain.
func (c *CommandBus) ExecuteWithMiddleware(ctx context.Context, cmd cbus.Command, mws ...CommandMiddleware) (any, error) {
	return c.execute(ctx, cmd, mws...)
}

func (c *CommandBus) execute(ctx context.Context, cmd cbus.Command, mws ...CommandMiddleware) (any, error) {
	if cmd == nil {
		return nil, fmt.Errorf("execute nil command: %w", berr.ErrMissingHandlerMetadata)
	}

	name := cmd.CommandName()

	h, ok := c.handlers.get(name)
	if !ok {
		return nil, berr.NotFound("command", name)
	}

	for _, obs := range c.observers {
		obs(ctx, cmd)
	}

	chain := make([]CommandMiddleware, 0, len(c.mw)+len(mws))
	chain = append(chain, c.mw...)
	chain = append(chain, mws...)

	// first registered middleware runs first
	final := cbus.CommandHandlerFunc(h.Handle)
	for i := len(chain) - 1; i >= 0; i-- {
		final = chain[i](final)
	}

	return final(ctx, cmd)
}

// Chain executes commands in order and stops on the first error.
func (c *CommandBus) Chain(ctx context.Context, cmds ...cbus.Command) error {
	for _, cmd := range cmds {
		if _, err := c.execute(ctx, cmd); err != nil {
			return err
		}
	}

	return nil
}

// BatchOptions controls Batch execution.
// OnProgress is called after each command completes with done and total.
// OnError is called when a command fails with its index, the command and the error.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, cmd cbus.Command, err error)
}

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt {
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, cmd cbus.Command, err error)) BatchOpt {
	return func(o *BatchOptions) { o.OnError = fn }
}

// Batch executes every command sequentially and joins their errors.
// It stops early when ctx is done.
func (c *CommandBus) Batch(ctx context.Context, cmds []cbus.Command, opts ...BatchOpt) error {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	total := len(cmds)

	var errs []error

	for i, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		if _, err := c.execute(ctx, cmd); err != nil {
			if o.OnError != nil {
				o.OnError(i, cmd, err)
			}

			errs = append(errs, err)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return errors.Join(errs...)
}
