package servicebus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// QueryBus dispatches each query to the single handler bound to its name.
type QueryBus struct {
	handlers  *registry[cbus.QueryHandler]
	observers []QueryObserver
	logger    zerolog.Logger
}

// NewQueryBus constructs an empty QueryBus.
func NewQueryBus(opts ...Option) *QueryBus {
	o := newOptions(opts)

	return &QueryBus{
		handlers:  newRegistry[cbus.QueryHandler](),
		observers: o.qryObs,
		logger:    o.logger.With().Str("bus", "query").Logger(),
	}
}

// Register binds h to the query name, replacing any previous binding.
func (q *QueryBus) Register(name string, h cbus.QueryHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register query %q: %w", name, berr.ErrMissingHandlerMetadata)
	}

	if q.handlers.set(name, h) {
		q.logger.Warn().Str("query", name).Msg("query handler replaced")
	}

	return nil
}

// Names lists the bound query names in sorted order.
func (q *QueryBus) Names() []string { return q.handlers.names() }

// Execute runs the handler bound to query and returns its result.
func (q *QueryBus) Execute(ctx context.Context, query cbus.Query) (any, error) {
	if query == nil {
		return nil, fmt.Errorf("execute nil query: %w", berr.ErrMissingHandlerMetadata)
	}

	name := query.QueryName()

	h, ok := q.handlers.get(name)
	if !ok {
		return nil, berr.NotFound("query", name)
	}

	for _, obs := range q.observers {
		obs(ctx, query)
	}

	return h.Handle(ctx, query)
}
