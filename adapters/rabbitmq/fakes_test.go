package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	tag     uint64
	kind    string // ack, nack, reject
	requeue bool
}

// fakeAcker records how deliveries were settled.
type fakeAcker struct {
	mu  sync.Mutex
	log []settlement
	got chan settlement
}

func newFakeAcker() *fakeAcker { return &fakeAcker{got: make(chan settlement, 64)} }

func (a *fakeAcker) record(s settlement) error {
	a.mu.Lock()
	a.log = append(a.log, s)
	a.mu.Unlock()
	a.got <- s

	return nil
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error { return a.record(settlement{tag: tag, kind: "ack"}) }

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	return a.record(settlement{tag: tag, kind: "nack", requeue: requeue})
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.record(settlement{tag: tag, kind: "reject", requeue: requeue})
}

func (a *fakeAcker) next(t *testing.T) settlement {
	t.Helper()

	select {
	case s := <-a.got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not settled")
		return settlement{}
	}
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type declaredQueue struct {
	durable bool
	args    amqp.Table
}

// fakeChannel behaves like a broker channel: declarations are upserts keyed by name.
type fakeChannel struct {
	mu sync.Mutex

	acker      *fakeAcker
	qos        int
	exchanges  map[string]string
	queues     map[string]declaredQueue
	bindings   map[string]map[Binding]struct{}
	consumers  map[string]chan amqp.Delivery
	byQueue    map[string]string
	published  []published
	publishErr error
	// holdOnCancel keeps delivery streams open after Cancel until Close.
	holdOnCancel bool
	cancelled    []string
	closed       bool
	closeNotify  []chan *amqp.Error
	cancelNotify []chan string
	// declareErr makes QueueDeclare of the named queue fail and close the channel.
	declareErr map[string]*amqp.Error
	tag          uint64
	pubSignal    chan published
}

func newFakeChannel(acker *fakeAcker) *fakeChannel {
	return &fakeChannel{
		acker:     acker,
		exchanges: map[string]string{},
		queues:    map[string]declaredQueue{},
		bindings:  map[string]map[Binding]struct{}{},
		consumers: map[string]chan amqp.Delivery{},
		byQueue:   map[string]string{},
		pubSignal: make(chan published, 64),
	}
}

func (f *fakeChannel) Qos(prefetch, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.qos = prefetch

	return nil
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exchanges[name] = kind

	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if err, ok := f.declareErr[name]; ok {
		f.fail(err)
		return amqp.Queue{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.queues[name] = declaredQueue{durable: durable, args: args}

	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bindings[name] == nil {
		f.bindings[name] = map[Binding]struct{}{}
	}

	f.bindings[name][Binding{Exchange: exchange, Key: key}] = struct{}{}

	return nil
}

func (f *fakeChannel) Consume(queue, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, amqp.ErrClosed
	}

	ch := make(chan amqp.Delivery)
	f.consumers[tag] = ch
	f.byQueue[queue] = tag

	return ch, nil
}

func (f *fakeChannel) Cancel(tag string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, tag)

	if f.holdOnCancel {
		return nil
	}

	if ch, ok := f.consumers[tag]; ok {
		close(ch)
		delete(f.consumers, tag)
	}

	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	p := published{exchange: exchange, key: key, msg: msg}
	f.published = append(f.published, p)
	f.pubSignal <- p

	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		close(receiver)
		return receiver
	}

	f.closeNotify = append(f.closeNotify, receiver)

	return receiver
}

func (f *fakeChannel) NotifyCancel(receiver chan string) chan string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		close(receiver)
		return receiver
	}

	f.cancelNotify = append(f.cancelNotify, receiver)

	return receiver
}

// shutdown closes the channel, reporting cause to close listeners when it is not nil.
func (f *fakeChannel) shutdown(cause *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.closed = true
	for tag, ch := range f.consumers {
		close(ch)
		delete(f.consumers, tag)
	}

	for _, n := range f.closeNotify {
		if cause != nil {
			n <- cause
		}

		close(n)
	}

	for _, n := range f.cancelNotify {
		close(n)
	}

	f.closeNotify, f.cancelNotify = nil, nil
}

func (f *fakeChannel) Close() error {
	f.shutdown(nil)
	return nil
}

// fail simulates a broker-side channel exception while the connection stays up.
func (f *fakeChannel) fail(cause *amqp.Error) { f.shutdown(cause) }

// brokerCancel simulates basic.cancel from the broker for the consumer of queue.
func (f *fakeChannel) brokerCancel(queue string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tag := f.byQueue[queue]
	if ch, ok := f.consumers[tag]; ok {
		close(ch)
		delete(f.consumers, tag)
	}

	for _, n := range f.cancelNotify {
		n <- tag
	}
}

func (f *fakeChannel) consumerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.consumers)
}

// deliver pushes body to the consumer of queue and returns the delivery tag.
func (f *fakeChannel) deliver(t *testing.T, queue, exchange, key string, body []byte, headers amqp.Table) uint64 {
	t.Helper()

	var (
		ch  chan amqp.Delivery
		tag uint64
	)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()

		c, ok := f.consumers[f.byQueue[queue]]
		if ok {
			ch = c
			f.tag++
			tag = f.tag
		}

		return ok
	}, 2*time.Second, 5*time.Millisecond, "no consumer on %s", queue)

	ch <- amqp.Delivery{
		Acknowledger: f.acker,
		DeliveryTag:  tag,
		Exchange:     exchange,
		RoutingKey:   key,
		Headers:      headers,
		Body:         body,
		ContentType:  "application/json",
	}

	return tag
}

func (f *fakeChannel) bindingsOf(queue string) []Binding {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Binding, 0, len(f.bindings[queue]))
	for b := range f.bindings[queue] {
		out = append(out, b)
	}

	return out
}

func (f *fakeChannel) queueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.queues)
}

func (f *fakeChannel) nextPublish(t *testing.T) published {
	t.Helper()

	select {
	case p := <-f.pubSignal:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published")
		return published{}
	}
}

type fakeConn struct {
	mu     sync.Mutex
	ch     *fakeChannel
	notify []chan *amqp.Error
	closed bool
}

func (c *fakeConn) Channel() (Channel, error) { return c.ch, nil }

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}

	c.notify = append(c.notify, receiver)

	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	for _, n := range c.notify {
		close(n)
	}

	c.notify = nil

	return c.ch.Close()
}

// drop simulates a broker-side connection failure.
func (c *fakeConn) drop() {
	c.mu.Lock()
	notify := c.notify
	c.notify = nil
	c.closed = true
	c.mu.Unlock()

	_ = c.ch.Close()

	for _, n := range notify {
		n <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "forced"}
		close(n)
	}
}

// fakeDialer hands out a fresh connection per dial, or fails while failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	acker   *fakeAcker
	conns   []*fakeConn
	uris    []string
	failing bool
	// prepare lets a test tune a channel before it is used.
	prepare func(*fakeChannel)
}

func newFakeDialer() *fakeDialer { return &fakeDialer{acker: newFakeAcker()} }

func (d *fakeDialer) dial(uri string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.uris = append(d.uris, uri)

	if d.failing {
		return nil, errors.New("dial refused")
	}

	ch := newFakeChannel(d.acker)
	if d.prepare != nil {
		d.prepare(ch)
	}

	c := &fakeConn{ch: ch}
	d.conns = append(d.conns, c)

	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failing = v
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.uris)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conns[len(d.conns)-1]
}

func testConfig(d *fakeDialer) Config {
	cfg := DefaultConfig("amqp://one", "amqp://two")
	cfg.Dial = d.dial
	cfg.Init.Timeout = time.Second
	cfg.MinBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond

	return cfg
}

func closeConn(t *testing.T, c *Connection) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.DrainAndClose(ctx))
}
