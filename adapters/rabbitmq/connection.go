package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateTopologyReady
	StateOperational
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateTopologyReady:
		return "topology-ready"
	case StateOperational:
		return "operational"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription binds a handler to a queue on the broker.
type Subscription struct {
	Queue   QueueSpec
	Handler cbus.AsyncEventHandler
	// OnError settles deliveries the handler failed. Nil means Config.DefaultErrorPolicy.
	OnError ErrorPolicy
	// OnMalformed settles deliveries whose body is not a valid envelope. Nil means RejectOnError.
	OnMalformed ErrorPolicy
}

type consumer struct {
	sub Subscription
	tag string
}

// Connection manages one broker connection and channel.
//
// All channel declarations and consumer (re)starts happen under mu, so a
// reconnect never interleaves with DeclareTopology or Subscribe.
type Connection struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	ch       Channel
	queues   []QueueSpec
	queueIdx map[string]int
	subs     []*consumer
	seq      int
	uriIdx   int
	inflight int
	drained  chan struct{}
	baseCtx  context.Context

	readyOnce sync.Once
	ready     chan struct{}
	closing   chan struct{}
	done      chan struct{}
	finished  chan struct{}
	workers   sync.WaitGroup
}

// NewConnection validates cfg and builds a disconnected Connection.
func NewConnection(cfg Config) (*Connection, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &Connection{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "rabbitmq").Logger(),
		queueIdx: make(map[string]int),
		baseCtx:  context.Background(),
		ready:    make(chan struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// InFlight reports how many deliveries are being handled.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inflight
}

// Queues lists the declared queue names in declaration order.
func (c *Connection) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.queues))
	for i, q := range c.queues {
		out[i] = q.Name
	}

	return out
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}

	c.logger.Debug().Stringer("from", c.state).Stringer("to", s).Msg("state change")
	c.state = s
}

// Connect starts the reconnect loop. With Init.Wait it blocks until the first
// setup completed or Init.Timeout elapsed. The loop keeps retrying in the
// background until DrainAndClose, even after a timeout.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()

	switch c.state {
	case StateDraining, StateClosed:
		c.mu.Unlock()
		return fmt.Errorf("rabbitmq connect: %w", berr.ErrClosed)
	case StateDisconnected:
		c.setState(StateConnecting)
		c.baseCtx = context.WithoutCancel(ctx)

		go c.run()
	default:
	}

	c.mu.Unlock()

	if !c.cfg.Init.Wait {
		return nil
	}

	t := time.NewTimer(c.cfg.Init.Timeout)
	defer t.Stop()

	select {
	case <-c.ready:
		return nil
	case <-t.C:
		if c.cfg.Init.Reject {
			return fmt.Errorf("rabbitmq: no broker within %s: %w", c.cfg.Init.Timeout, berr.ErrConnectTimeout)
		}

		c.logger.Warn().Dur("timeout", c.cfg.Init.Timeout).Msg("broker not reachable yet, continuing in background")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) run() {
	defer close(c.done)

	backoff := c.cfg.MinBackoff
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only

	for {
		select {
		case <-c.closing:
			return
		default:
		}

		conn, ch, err := c.open()
		if err != nil {
			// exponential backoff with jitter
			sleep := backoff
			if half := int64(backoff / 2); half > 0 {
				sleep += time.Duration(rng.Int63n(half))
			}

			sleep = min(sleep, c.cfg.MaxBackoff)

			c.logger.Warn().Err(err).Dur("retry_in", sleep).Msg("broker connect failed")

			t := time.NewTimer(sleep)
			select {
			case <-c.closing:
				t.Stop()
				return
			case <-t.C:
			}

			backoff = min(backoff*2, c.cfg.MaxBackoff)

			continue
		}

		backoff = c.cfg.MinBackoff

		cause := c.watch(conn, ch)
		if cause == nil {
			return
		}

		// a dead channel or a cancelled consumer is recovered like a lost connection
		_ = conn.Close()
		c.lost(cause)
	}
}

// watch blocks until the connection or its channel fails, or the broker
// cancels a consumer. It returns nil once DrainAndClose started.
func (c *Connection) watch(conn Conn, ch Channel) error {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	// buffered so the client library never blocks delivering a cancel
	cancelled := ch.NotifyCancel(make(chan string, 64))

	var cause error

	select {
	case <-c.closing:
		return nil
	case amqpErr := <-connClosed:
		cause = errors.New("connection closed")
		if amqpErr != nil {
			cause = amqpErr
		}
	case amqpErr := <-chClosed:
		cause = errors.New("channel closed")
		if amqpErr != nil {
			cause = fmt.Errorf("channel closed: %w", amqpErr)
		}
	case tag, ok := <-cancelled:
		cause = fmt.Errorf("consumer %s cancelled by broker", tag)
		if ok {
			break
		}

		// closed together with the channel; prefer the channel's reason
		cause = errors.New("channel closed")
		select {
		case amqpErr := <-chClosed:
			if amqpErr != nil {
				cause = fmt.Errorf("channel closed: %w", amqpErr)
			}
		default:
		}
	}

	select {
	case <-c.closing:
		return nil
	default:
	}

	return cause
}

func (c *Connection) nextURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	uri := c.cfg.URIs[c.uriIdx%len(c.cfg.URIs)]
	c.uriIdx++

	return uri
}

// open dials outside the lock and performs the whole setup under it.
func (c *Connection) open() (Conn, Channel, error) {
	conn, err := c.cfg.Dial(c.nextURI())
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining || c.state == StateClosed {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, berr.ErrClosed
	}

	if err := c.setup(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	c.conn, c.ch = conn, ch
	c.setState(StateOperational)
	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Info().Int("queues", len(c.queues)).Int("consumers", len(c.subs)).Msg("broker connected")

	return conn, ch, nil
}

// setup declares exchanges, replays topology and restarts consumers. Callers hold mu.
func (c *Connection) setup(ch Channel) error {
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	for _, x := range c.cfg.Exchanges {
		kind := x.Kind
		if kind == "" {
			kind = c.cfg.DefaultExchangeKind
		}

		if err := ch.ExchangeDeclare(x.Name, kind, x.Durable, x.AutoDelete, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", x.Name, err)
		}
	}

	c.setState(StateTopologyReady)

	for _, q := range c.queues {
		if err := q.declare(ch); err != nil {
			return err
		}
	}

	for _, cons := range c.subs {
		if err := c.startConsumer(ch, cons); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connection) lost(cause error) {
	c.mu.Lock()

	if c.state == StateDraining || c.state == StateClosed {
		c.mu.Unlock()
		return
	}

	c.ch, c.conn = nil, nil
	c.setState(StateConnecting)
	cb := c.cfg.OnConnectionLost
	c.mu.Unlock()

	reconnectsTotal.Inc()
	c.logger.Warn().Err(cause).Msg("broker connection lost, reconnecting")

	if cb != nil {
		cb(cause)
	}
}

// DeclareTopology records queues for replay after every reconnect and declares
// them right away when a channel is available. A queue the broker refuses is
// not recorded. Queues are keyed by name, so declaring the same queue twice
// keeps a single entry.
func (c *Connection) DeclareTopology(queues ...QueueSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining || c.state == StateClosed {
		return fmt.Errorf("rabbitmq declare: %w", berr.ErrClosed)
	}

	var errs []error

	live := c.ch != nil

	for _, q := range queues {
		// a queue the broker refused is not replayed; the rest is recorded
		// because the failure closes the channel and they replay on reconnect
		if live {
			if err := q.declare(c.ch); err != nil {
				errs = append(errs, err)
				live = false

				continue
			}
		}

		if i, ok := c.queueIdx[q.Name]; ok {
			c.queues[i] = q
		} else {
			c.queueIdx[q.Name] = len(c.queues)
			c.queues = append(c.queues, q)
		}
	}

	return errors.Join(errs...)
}

// Subscribe declares and binds the subscription queue and starts consuming.
// Without a channel the subscription starts on the next successful connect.
func (c *Connection) Subscribe(sub Subscription) error {
	if sub.Queue.Name == "" || sub.Handler == nil {
		return fmt.Errorf("rabbitmq subscribe %q: %w", sub.Queue.Name, berr.ErrMissingHandlerMetadata)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining || c.state == StateClosed {
		return fmt.Errorf("rabbitmq subscribe %s: %w", sub.Queue.Name, berr.ErrClosed)
	}

	cons := &consumer{sub: sub}
	c.subs = append(c.subs, cons)

	if c.ch == nil || c.state != StateOperational {
		return nil
	}

	return c.startConsumer(c.ch, cons)
}

// startConsumer is called with mu held.
func (c *Connection) startConsumer(ch Channel, cons *consumer) error {
	q := cons.sub.Queue
	if err := q.declare(ch); err != nil {
		return err
	}

	c.seq++
	tag := fmt.Sprintf("%s-%d", q.Name, c.seq)

	deliveries, err := ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	cons.tag = tag

	c.workers.Add(1)

	go c.consume(cons, deliveries)

	return nil
}

func (c *Connection) consume(cons *consumer, deliveries <-chan amqp.Delivery) {
	defer c.workers.Done()

	for d := range deliveries {
		if !c.acquire() {
			// draining: hand the message back to the broker untouched
			_ = d.Nack(false, true)

			observeDelivery(cons.sub.Queue.Name, outcomeRefused)

			continue
		}

		go c.handle(cons, d)
	}
}

func (c *Connection) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining || c.state == StateClosed {
		return false
	}

	c.inflight++
	c.workers.Add(1)
	inflightGauge.Inc()

	return true
}

func (c *Connection) release() {
	c.mu.Lock()
	c.inflight--
	inflightGauge.Dec()

	if c.inflight == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
	c.mu.Unlock()

	c.workers.Done()
}

func (c *Connection) handle(cons *consumer, d amqp.Delivery) {
	defer c.release()

	queue := cons.sub.Queue.Name
	log := c.logger.With().Str("queue", queue).Str("routing_key", d.RoutingKey).Logger()

	ctx := cbus.WithDelivery(c.baseCtx, cbus.DeliveryInfo{
		Queue:       queue,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Retries:     DeathCount(d.Headers, d.Exchange),
		Headers:     d.Headers,
	})

	msg, err := decode(d.Body)
	if err != nil {
		observeDelivery(queue, outcomeMalformed)
		log.Warn().Err(err).Msg("malformed delivery")

		policy := cons.sub.OnMalformed
		if policy == nil {
			policy = RejectOnError
		}

		if serr := policy(ctx, d, err); serr != nil {
			log.Error().Err(serr).Msg("settle malformed delivery")
		}

		return
	}

	if err := invoke(ctx, cons.sub.Handler, msg); err != nil {
		observeDelivery(queue, outcomeFailed)
		log.Warn().Err(err).Str("event", msg.Type).Str("id", msg.ID).Msg("handler failed")

		policy := cons.sub.OnError
		if policy == nil {
			policy = c.cfg.DefaultErrorPolicy
		}

		if serr := policy(ctx, d, err); serr != nil {
			log.Error().Err(serr).Msg("settle failed delivery")
		}

		return
	}

	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack delivery")
		return
	}

	observeDelivery(queue, outcomeAck)
}

// invoke turns a handler panic into an error so the delivery is still settled.
func invoke(ctx context.Context, h cbus.AsyncEventHandler, m cbus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h.Handle(ctx, m)
}

func decode(body []byte) (cbus.Message, error) {
	var m cbus.Message

	if !gjson.ValidBytes(body) {
		return m, fmt.Errorf("decode envelope: invalid json: %w", berr.ErrSerializationFailed)
	}

	if t := gjson.GetBytes(body, "type"); t.Type != gjson.String || t.Str == "" {
		return m, fmt.Errorf("decode envelope: missing type: %w", berr.ErrSerializationFailed)
	}

	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("decode envelope: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return m, nil
}

// Publish JSON-encodes v and publishes it.
func (c *Connection) Publish(ctx context.Context, exchange, key string, v any, opts cbus.PublishOptions) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", key, errors.Join(berr.ErrSerializationFailed, err))
	}

	return c.PublishRaw(ctx, exchange, key, body, opts)
}

// PublishRaw publishes body as is. It fails fast with ErrNotConnected when no channel is open.
func (c *Connection) PublishRaw(ctx context.Context, exchange, key string, body []byte, opts cbus.PublishOptions) error {
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   opts.MessageID,
		Timestamp:   time.Now().UTC(),
		Body:        body,
	}

	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	if len(opts.Headers) > 0 {
		msg.Headers = amqp.Table{}
		for k, v := range opts.Headers {
			msg.Headers[k] = v
		}
	}

	return c.publish(ctx, exchange, key, msg)
}

func (c *Connection) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if ch == nil {
		observePublish(exchange, berr.ErrNotConnected)
		return fmt.Errorf("rabbitmq publish %s: %w", key, berr.ErrNotConnected)
	}

	err := ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	observePublish(exchange, err)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s: %w", key, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// DrainAndClose stops consuming, waits for in-flight deliveries (bounded by ctx)
// and closes the channel and connection. Later calls wait for the first one.
func (c *Connection) DrainAndClose(ctx context.Context) error {
	c.mu.Lock()

	if c.state == StateDraining || c.state == StateClosed {
		c.mu.Unlock()

		select {
		case <-c.finished:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	started := c.state != StateDisconnected
	c.setState(StateDraining)

	if c.ch != nil {
		for _, cons := range c.subs {
			if cons.tag == "" {
				continue
			}

			if err := c.ch.Cancel(cons.tag, false); err != nil {
				c.logger.Warn().Err(err).Str("consumer", cons.tag).Msg("cancel consumer")
			}
		}
	}

	drained := make(chan struct{})
	if c.inflight == 0 {
		close(drained)
	} else {
		c.drained = drained
	}

	pending := c.inflight
	c.mu.Unlock()

	c.logger.Info().Int("inflight", pending).Msg("draining")

	defer close(c.finished)

	var err error

	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("rabbitmq drain: %w", ctx.Err())
	}

	close(c.closing)

	if started {
		select {
		case <-c.done:
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("rabbitmq stop: %w", ctx.Err()))
		}
	}

	c.mu.Lock()
	ch, conn := c.ch, c.conn
	c.ch, c.conn = nil, nil
	c.setState(StateClosed)
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}

	if conn != nil {
		_ = conn.Close()
	}

	if err != nil {
		return err
	}

	// consumer loops end once the channel closed their delivery streams
	waited := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("rabbitmq close: %w", ctx.Err())
	}

	c.logger.Info().Msg("connection closed")

	return nil
}
