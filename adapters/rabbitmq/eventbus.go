package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// EventBusConfig configures an EventBus.
type EventBusConfig struct {
	// Prefix names the exchanges and queues of this application.
	Prefix string
	// RetryTTL is how long a failed message waits in the retry queue.
	RetryTTL time.Duration
	// MaxRetries is how many times a failing message goes through the retry queue
	// before it is dead-lettered. Handlers may override it with bus.Retryable.
	MaxRetries int
	Connection Config
	// Propagator injects tracing headers into published messages. Optional.
	Propagator cbus.HeaderPropagator
}

// EventBus is the RabbitMQ implementation of bus.AsyncEventBus.
type EventBus struct {
	cfg    EventBusConfig
	names  Names
	logger zerolog.Logger

	mu          sync.RWMutex
	conn        *Connection
	initialized bool
}

var _ cbus.AsyncEventBus = (*EventBus)(nil)

// NewEventBus builds an EventBus. Nothing is dialed before Initialize.
func NewEventBus(cfg EventBusConfig) (*EventBus, error) {
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("rabbitmq event bus: prefix required")
	}

	if cfg.RetryTTL <= 0 {
		cfg.RetryTTL = 5 * time.Second
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.Propagator == nil {
		cfg.Propagator = cbus.NopHeaderPropagator{}
	}

	return &EventBus{
		cfg:    cfg,
		names:  NamesFor(cfg.Prefix),
		logger: cfg.Connection.Logger.With().Str("component", "rabbitmq-event-bus").Str("prefix", cfg.Prefix).Logger(),
	}, nil
}

// Names returns the broker resource names of the bus.
func (b *EventBus) Names() Names { return b.names }

// Connection returns the underlying connection, or nil before Initialize.
func (b *EventBus) Connection() *Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.conn
}

// Initialize connects and declares the exchanges, the retry queue and the dead-letter queue.
// It may be called again after CloseConnection.
func (b *EventBus) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	cfg := b.cfg.Connection
	cfg.Exchanges = append(b.names.Exchanges(), cfg.Exchanges...)

	conn, err := NewConnection(cfg)
	if err != nil {
		return err
	}

	if err := conn.DeclareTopology(b.names.DefaultQueues(b.cfg.RetryTTL)...); err != nil {
		return err
	}

	if err := conn.Connect(ctx); err != nil {
		_ = conn.DrainAndClose(context.WithoutCancel(ctx))
		return err
	}

	b.conn = conn
	b.initialized = true
	b.logger.Info().
		Str("domain_exchange", b.names.DomainExchange).
		Dur("retry_ttl", b.cfg.RetryTTL).
		Int("max_retries", b.cfg.MaxRetries).
		Msg("event bus initialized")

	return nil
}

func (b *EventBus) connection() (*Connection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, berr.ErrEventBusNotInitialized
	}

	return b.conn, nil
}

// Register subscribes h to its own queue, bound to the event name and its retry key.
func (b *EventBus) Register(h cbus.AsyncEventHandler) error {
	conn, err := b.connection()
	if err != nil {
		return fmt.Errorf("register %T: %w", h, err)
	}

	meta, err := cbus.MetadataOf(h)
	if err != nil {
		return err
	}

	maxRetries := b.cfg.MaxRetries
	if r, ok := h.(cbus.Retryable); ok && r.MaxRetries() >= 0 {
		maxRetries = r.MaxRetries()
	}

	topo := b.names.HandlerTopology(meta)

	if err := conn.Subscribe(Subscription{
		Queue:       b.names.QueueSpec(topo),
		Handler:     h,
		OnError:     b.retryPolicy(conn, topo.Queue, maxRetries),
		OnMalformed: b.deadLetterPolicy(conn, topo.Queue),
	}); err != nil {
		return err
	}

	b.logger.Debug().Str("queue", topo.Queue).Str("routing_key", topo.RoutingKey).Int("max_retries", maxRetries).Msg("handler registered")

	return nil
}

// RegisterMany registers every handler and joins the failures.
func (b *EventBus) RegisterMany(hs ...cbus.AsyncEventHandler) error {
	var errs []error
	for _, h := range hs {
		errs = append(errs, b.Register(h))
	}

	return errors.Join(errs...)
}

// retryPolicy rejects a failed delivery into the retry loop until it has been
// dead-lettered maxRetries times from the domain exchange, then dead-letters it for good.
func (b *EventBus) retryPolicy(conn *Connection, queue string, maxRetries int) ErrorPolicy {
	deadLetter := b.deadLetterPolicy(conn, queue)

	return func(ctx context.Context, d amqp.Delivery, cause error) error {
		count := DeathCount(d.Headers, b.names.DomainExchange)
		if count < maxRetries {
			observeDelivery(queue, outcomeRetry)
			b.logger.Debug().Str("queue", queue).Int("attempt", count+1).Int("max_retries", maxRetries).Msg("retrying delivery")

			return d.Reject(false)
		}

		return deadLetter(ctx, d, cause)
	}
}

// deadLetterPolicy copies the delivery to the dead-letter exchange and acks it.
// When that publish fails the delivery is rejected into the retry loop instead of lost.
func (b *EventBus) deadLetterPolicy(conn *Connection, queue string) ErrorPolicy {
	return func(ctx context.Context, d amqp.Delivery, cause error) error {
		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}

		if cause != nil {
			headers["x-dead-letter-reason"] = cause.Error()
		}

		err := conn.publish(ctx, b.names.DeadLetterExchange, d.RoutingKey, amqp.Publishing{
			ContentType:  d.ContentType,
			MessageId:    d.MessageId,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         d.Body,
		})
		if err != nil {
			b.logger.Error().Err(err).Str("queue", queue).Msg("dead-letter publish failed, rejecting")
			return d.Reject(false)
		}

		observeDelivery(queue, outcomeDeadLetter)
		b.logger.Warn().Err(cause).Str("queue", queue).Str("message_id", d.MessageId).Msg("delivery dead-lettered")

		return d.Ack(false)
	}
}

// Publish sends e to the domain exchange with its name as routing key.
func (b *EventBus) Publish(ctx context.Context, e cbus.Event) error {
	conn, err := b.connection()
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if e == nil {
		return fmt.Errorf("publish nil event: %w", berr.ErrMissingHandlerMetadata)
	}

	body, id, err := cbus.Envelope(e)
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.EventName(), err)
	}

	headers := map[string]string{}
	b.cfg.Propagator.Inject(ctx, headers)

	return conn.PublishRaw(ctx, b.names.DomainExchange, e.EventName(), body, cbus.PublishOptions{
		Persistent: true,
		MessageID:  id,
		Headers:    headers,
	})
}

// PublishAll publishes events concurrently and returns the first failure.
func (b *EventBus) PublishAll(ctx context.Context, events []cbus.Event) error {
	if _, err := b.connection(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	var g errgroup.Group
	for _, e := range events {
		g.Go(func() error { return b.Publish(ctx, e) })
	}

	return g.Wait()
}

// CloseConnection drains in-flight deliveries and closes the broker connection.
func (b *EventBus) CloseConnection(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.initialized = false
	b.mu.Unlock()

	if conn == nil {
		return nil
	}

	b.logger.Info().Int("inflight", conn.InFlight()).Msg("closing event bus")

	return conn.DrainAndClose(ctx)
}
