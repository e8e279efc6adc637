package servicebus

import (
	"context"

	"github.com/rs/zerolog"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
)

// CommandMiddleware wraps command handler execution. Middlewares run in registration order.
type CommandMiddleware func(next cbus.CommandHandlerFunc) cbus.CommandHandlerFunc

// CommandObserver is notified synchronously before a command handler runs.
type CommandObserver func(ctx context.Context, cmd cbus.Command)

// QueryObserver is notified synchronously before a query handler runs.
type QueryObserver func(ctx context.Context, q cbus.Query)

// EventObserver is notified synchronously before a sync event fans out.
type EventObserver func(ctx context.Context, e cbus.Event)

// ZeroHandlerPolicy decides what publishing a sync event without handlers does.
type ZeroHandlerPolicy int

const (
	// ZeroHandlersFail reports a HandlerNotFoundError.
	ZeroHandlersFail ZeroHandlerPolicy = iota
	// ZeroHandlersIgnore treats the publish as a successful no-op.
	ZeroHandlersIgnore
)

type options struct {
	logger     zerolog.Logger
	cmdMW      []CommandMiddleware
	cmdObs     []CommandObserver
	qryObs     []QueryObserver
	evtObs     []EventObserver
	zeroPolicy ZeroHandlerPolicy
}

// Option configures the buses built by this package.
// Options that do not apply to a given bus are ignored by it.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, f := range opts {
		f(&o)
	}

	return o
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCommandMiddleware registers global command middleware.
func WithCommandMiddleware(mw ...CommandMiddleware) Option {
	return func(o *options) { o.cmdMW = append(o.cmdMW, mw...) }
}

// WithCommandObserver adds a command observer.
func WithCommandObserver(obs ...CommandObserver) Option {
	return func(o *options) { o.cmdObs = append(o.cmdObs, obs...) }
}

// WithQueryObserver adds a query observer.
func WithQueryObserver(obs ...QueryObserver) Option {
	return func(o *options) { o.qryObs = append(o.qryObs, obs...) }
}

// WithEventObserver adds a sync event observer.
func WithEventObserver(obs ...EventObserver) Option {
	return func(o *options) { o.evtObs = append(o.evtObs, obs...) }
}

// WithZeroHandlerPolicy selects how the sync event bus treats events nobody listens to.
func WithZeroHandlerPolicy(p ZeroHandlerPolicy) Option {
	return func(o *options) { o.zeroPolicy = p }
}
