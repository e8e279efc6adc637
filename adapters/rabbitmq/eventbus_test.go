package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

type orderPlaced struct {
	OrderID string            `json:"orderId"`
	Total   float64           `json:"total"`
	Items   []string          `json:"items"`
	Meta    map[string]string `json:"meta"`
}

type headerPropagator struct{}

func (headerPropagator) Inject(_ context.Context, h map[string]string) { h["traceparent"] = "00-trace" }

func newTestBus(t *testing.T, d *fakeDialer, prefix string, maxRetries int) *EventBus {
	t.Helper()

	b, err := NewEventBus(EventBusConfig{
		Prefix:     prefix,
		RetryTTL:   time.Second,
		MaxRetries: maxRetries,
		Connection: testConfig(d),
		Propagator: headerPropagator{},
	})
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		require.NoError(t, b.CloseConnection(ctx))
	})

	return b
}

func describe(action string, h cbus.AsyncEventHandler) cbus.AsyncEventHandler {
	return cbus.Describe(cbus.EventMetadata{Prefix: "orders", EventName: "OrderPlaced", ActionName: action}, h)
}

func failing(err error) cbus.AsyncEventHandler {
	return cbus.AsyncEventHandlerFunc(func(context.Context, cbus.Message) error { return err })
}

func TestEventBus_RequiresInitialize(t *testing.T) {
	b, err := NewEventBus(EventBusConfig{Prefix: "shop", Connection: testConfig(newFakeDialer())})
	require.NoError(t, err)

	ctx := context.Background()
	e := cbus.NewAsyncEvent("OrderPlaced", orderPlaced{})

	require.ErrorIs(t, b.Publish(ctx, e), berr.ErrEventBusNotInitialized)
	require.ErrorIs(t, b.PublishAll(ctx, []cbus.Event{e}), berr.ErrEventBusNotInitialized)
	require.ErrorIs(t, b.Register(describe("mail", failing(nil))), berr.ErrEventBusNotInitialized)
	require.NoError(t, b.CloseConnection(ctx))

	_, err = NewEventBus(EventBusConfig{})
	require.Error(t, err)
}

func TestEventBus_InitializeDeclaresTopology(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "shop", 3)

	ch := d.last().ch
	ch.mu.Lock()
	defer ch.mu.Unlock()

	assert.Equal(t, map[string]string{
		"shop_domain_exchange":      "topic",
		"shop_retry_exchange":       "fanout",
		"shop_dead_letter_exchange": "fanout",
	}, ch.exchanges)

	retry := ch.queues["shop_retry_queue"]
	assert.True(t, retry.durable)
	assert.Equal(t, "shop_domain_exchange", retry.args["x-dead-letter-exchange"])
	assert.Equal(t, int64(1000), retry.args["x-message-ttl"])

	_, ok := ch.queues["shop_dead_letter_queue"]
	assert.True(t, ok)
	assert.Equal(t, []string{"shop_retry_queue", "shop_dead_letter_queue"}, b.Connection().Queues())
}

func TestEventBus_RegisterValidatesMetadata(t *testing.T) {
	b := newTestBus(t, newFakeDialer(), "shop", 3)

	err := b.Register(failing(nil))
	require.ErrorIs(t, err, berr.ErrUnregisteredEventHandlerMetadata)

	err = b.Register(cbus.Describe(cbus.EventMetadata{Prefix: "orders", EventName: "OrderPlaced"}, failing(nil)))
	require.ErrorIs(t, err, berr.ErrWrongEventHandlerMetadata)

	err = b.RegisterMany(describe("ok", failing(nil)), failing(nil))
	require.ErrorIs(t, err, berr.ErrUnregisteredEventHandlerMetadata)
}

func TestEventBus_RegisterDeclaresHandlerQueue(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "shop", 3)

	require.NoError(t, b.RegisterMany(describe("mail", failing(nil)), describe("stock", failing(nil))))

	ch := d.last().ch
	assert.ElementsMatch(t, []Binding{
		{Exchange: "shop_domain_exchange", Key: "OrderPlaced"},
		{Exchange: "shop_domain_exchange", Key: "retry-shop-orders-OrderPlaced-mail"},
	}, ch.bindingsOf("shop-orders-OrderPlaced-mail"))
	assert.Len(t, ch.bindingsOf("shop-orders-OrderPlaced-stock"), 2)

	ch.mu.Lock()
	q := ch.queues["shop-orders-OrderPlaced-mail"]
	ch.mu.Unlock()

	assert.True(t, q.durable)
	assert.Equal(t, "shop_retry_exchange", q.args["x-dead-letter-exchange"])
	assert.Equal(t, "retry-shop-orders-OrderPlaced-mail", q.args["x-dead-letter-routing-key"])
}

func xDeath(exchange string, count int64) amqp.Table {
	return amqp.Table{"x-death": []any{
		amqp.Table{"exchange": "retry_retry_exchange", "count": count, "queue": "retry_retry_queue"},
		amqp.Table{"exchange": exchange, "count": count, "queue": "retry-orders-OrderPlaced-mail"},
	}}
}

func TestEventBus_RetryThenDeadLetter(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "retry", 2)
	names := b.Names()

	require.NoError(t, b.Register(describe("mail", failing(errors.New("smtp down")))))

	queue := "retry-orders-OrderPlaced-mail"
	retryKey := "retry-" + queue
	body := envelope(t, "OrderPlaced", orderPlaced{OrderID: "o-1"})
	ch := d.last().ch

	retriesBefore := testutil.ToFloat64(deliveriesTotal.WithLabelValues(queue, outcomeRetry))
	deadBefore := testutil.ToFloat64(deliveriesTotal.WithLabelValues(queue, outcomeDeadLetter))

	// first delivery and first retry go back through the retry exchange
	ch.deliver(t, queue, names.DomainExchange, "OrderPlaced", body, nil)
	assert.Equal(t, "reject", d.acker.next(t).kind)

	ch.deliver(t, queue, names.DomainExchange, retryKey, body, xDeath(names.DomainExchange, 1))
	assert.Equal(t, "reject", d.acker.next(t).kind)

	// the budget is spent: copy to the dead-letter exchange, then ack
	tag := ch.deliver(t, queue, names.DomainExchange, retryKey, body, xDeath(names.DomainExchange, 2))

	p := ch.nextPublish(t)
	assert.Equal(t, names.DeadLetterExchange, p.exchange)
	assert.Equal(t, retryKey, p.key)
	assert.Equal(t, body, p.msg.Body)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, "smtp down", p.msg.Headers["x-dead-letter-reason"])

	assert.Equal(t, settlement{tag: tag, kind: "ack"}, d.acker.next(t))

	assert.Equal(t, float64(2), testutil.ToFloat64(deliveriesTotal.WithLabelValues(queue, outcomeRetry))-retriesBefore)
	assert.Equal(t, float64(1), testutil.ToFloat64(deliveriesTotal.WithLabelValues(queue, outcomeDeadLetter))-deadBefore)
}

func TestEventBus_DeadLetterPublishFailureRejects(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "dlfail", 0)

	require.NoError(t, b.Register(describe("mail", failing(errors.New("boom")))))

	ch := d.last().ch
	ch.mu.Lock()
	ch.publishErr = errors.New("channel closed")
	ch.mu.Unlock()

	ch.deliver(t, "dlfail-orders-OrderPlaced-mail", b.Names().DomainExchange, "OrderPlaced",
		envelope(t, "OrderPlaced", orderPlaced{}), nil)

	assert.Equal(t, "reject", d.acker.next(t).kind)
}

type retryOverride struct {
	cbus.AsyncEventHandler
	max int
}

func (r retryOverride) MaxRetries() int { return r.max }

func TestEventBus_HandlerRetryOverride(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "override", 5)

	h := describe("mail", retryOverride{AsyncEventHandler: failing(errors.New("boom")), max: 0})
	require.NoError(t, b.Register(h))

	d.last().ch.deliver(t, "override-orders-OrderPlaced-mail", b.Names().DomainExchange, "OrderPlaced",
		envelope(t, "OrderPlaced", orderPlaced{}), nil)

	p := d.last().ch.nextPublish(t)
	assert.Equal(t, b.Names().DeadLetterExchange, p.exchange)
	assert.Equal(t, "ack", d.acker.next(t).kind)
}

func TestEventBus_MalformedGoesStraightToDeadLetter(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "malformed", 5)

	require.NoError(t, b.Register(describe("mail", failing(nil))))

	d.last().ch.deliver(t, "malformed-orders-OrderPlaced-mail", b.Names().DomainExchange, "OrderPlaced", []byte(`{oops`), nil)

	p := d.last().ch.nextPublish(t)
	assert.Equal(t, b.Names().DeadLetterExchange, p.exchange)
	assert.Equal(t, []byte(`{oops`), p.msg.Body)
	assert.Equal(t, "ack", d.acker.next(t).kind)
}

func TestEventBus_PublishAndConsumeRoundTrip(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "shop", 3)

	got := make(chan orderPlaced, 1)

	require.NoError(t, b.Register(describe("mail", cbus.HandleAsync(
		func(_ context.Context, _ cbus.Message, attrs orderPlaced) error {
			got <- attrs
			return nil
		}))))

	want := orderPlaced{
		OrderID: "o-42",
		Total:   19.99,
		Items:   []string{"book", "pen"},
		Meta:    map[string]string{"channel": "web"},
	}
	e := cbus.NewAsyncEvent("OrderPlaced", want)

	require.NoError(t, b.Publish(context.Background(), e))

	ch := d.last().ch
	p := ch.nextPublish(t)
	assert.Equal(t, "shop_domain_exchange", p.exchange)
	assert.Equal(t, "OrderPlaced", p.key)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, e.ID, p.msg.MessageId)
	assert.Equal(t, "00-trace", p.msg.Headers["traceparent"])

	ch.deliver(t, "shop-orders-OrderPlaced-mail", p.exchange, p.key, p.msg.Body, nil)

	select {
	case attrs := <-got:
		assert.Equal(t, want, attrs)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	assert.Equal(t, "ack", d.acker.next(t).kind)
}

func TestEventBus_PublishAll(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "shop", 3)

	events := []cbus.Event{
		cbus.NewAsyncEvent("A", 1),
		cbus.NewAsyncEvent("B", 2),
		cbus.NewAsyncEvent("C", 3),
	}
	require.NoError(t, b.PublishAll(context.Background(), events))

	keys := make([]string, 0, len(events))
	for range events {
		keys = append(keys, d.last().ch.nextPublish(t).key)
	}

	assert.ElementsMatch(t, []string{"A", "B", "C"}, keys)
}

func TestEventBus_CloseThenReinitialize(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "shop", 3)
	ctx := context.Background()

	require.NoError(t, b.CloseConnection(ctx))
	require.ErrorIs(t, b.Publish(ctx, cbus.NewAsyncEvent("A", 1)), berr.ErrEventBusNotInitialized)

	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Publish(ctx, cbus.NewAsyncEvent("A", 1)))
	assert.Equal(t, 2, d.dials())
}

func TestEventBus_PublishCountsMetrics(t *testing.T) {
	d := newFakeDialer()
	b := newTestBus(t, d, "metrics", 3)

	before := testutil.ToFloat64(publishTotal.WithLabelValues("metrics_domain_exchange", "ok"))

	require.NoError(t, b.Publish(context.Background(), cbus.NewAsyncEvent("A", 1)))
	assert.Equal(t, float64(1), testutil.ToFloat64(publishTotal.WithLabelValues("metrics_domain_exchange", "ok"))-before)
}
