package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// CommandBinding pairs a command handler with its logical name.
type CommandBinding struct {
	Name    string
	Handler cbus.CommandHandler
}

// QueryBinding pairs a query handler with its logical name.
type QueryBinding struct {
	Name    string
	Handler cbus.QueryHandler
}

// EventBinding pairs a sync event handler with its logical name.
type EventBinding struct {
	Name    string
	Handler cbus.EventHandler
}

// Handlers are the four handler lists a host provides at bootstrap.
// Async handlers must carry metadata (see bus.Describe).
type Handlers struct {
	Commands []CommandBinding
	Queries  []QueryBinding
	Events   []EventBinding
	Async    []cbus.AsyncEventHandler
}

// Module owns the bootstrap and shutdown of a Bus and its async event bus.
type Module struct {
	bus      *Bus
	async    cbus.AsyncEventBus
	handlers Handlers
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
}

// NewModule builds a module. async may be nil for hosts without a broker.
func NewModule(async cbus.AsyncEventBus, h Handlers, opts ...Option) *Module {
	o := newOptions(opts)

	var pub cbus.AsyncPublisher
	if async != nil {
		pub = async
	}

	return &Module{
		bus:      New(pub, opts...),
		async:    async,
		handlers: h,
		logger:   o.logger.With().Str("component", "module").Logger(),
	}
}

// Bus returns the buses managed by the module.
func (m *Module) Bus() *Bus { return m.bus }

// Start registers every handler and initializes the async bus.
// Registration errors are joined so that one bad handler does not hide the others.
func (m *Module) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	var errs []error

	for _, b := range m.handlers.Commands {
		errs = append(errs, m.bus.Commands.Register(b.Name, b.Handler))
	}

	for _, b := range m.handlers.Queries {
		errs = append(errs, m.bus.Queries.Register(b.Name, b.Handler))
	}

	for _, b := range m.handlers.Events {
		errs = append(errs, m.bus.Events.Register(b.Name, b.Handler))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	if m.async == nil {
		if len(m.handlers.Async) > 0 {
			return fmt.Errorf("register %d async handlers: %w", len(m.handlers.Async), berr.ErrAsyncNotConfigured)
		}

		m.started = true

		return nil
	}

	if err := m.async.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize async event bus: %w", err)
	}

	if err := m.async.RegisterMany(m.handlers.Async...); err != nil {
		// startup is aborted, so the module must not keep the broker connection
		cerr := m.async.CloseConnection(context.WithoutCancel(ctx))

		return errors.Join(fmt.Errorf("register async handlers: %w", err), cerr)
	}

	m.started = true
	m.logger.Info().
		Int("commands", len(m.handlers.Commands)).
		Int("queries", len(m.handlers.Queries)).
		Int("events", len(m.handlers.Events)).
		Int("async", len(m.handlers.Async)).
		Msg("module started")

	return nil
}

// Stop drains the async bus and closes its broker connection.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	m.started = false

	if m.async == nil {
		return nil
	}

	if err := m.async.CloseConnection(ctx); err != nil {
		return fmt.Errorf("close async event bus: %w", err)
	}

	m.logger.Info().Msg("module stopped")

	return nil
}
