package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
)

// Binding binds a queue to an exchange under a routing key.
type Binding struct {
	Exchange string
	Key      string
}

// QueueSpec describes a queue and its bindings. Declaring it is an idempotent upsert.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Args       amqp.Table
	Bindings   []Binding
}

func (q QueueSpec) declare(ch Channel) error {
	if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, false, false, q.Args); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.Name, err)
	}

	for _, b := range q.Bindings {
		if err := ch.QueueBind(q.Name, b.Key, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s/%s: %w", q.Name, b.Exchange, b.Key, err)
		}
	}

	return nil
}

// Names are the broker resources derived from a prefix.
type Names struct {
	Prefix             string
	DomainExchange     string
	RetryExchange      string
	DeadLetterExchange string
	RetryQueue         string
	DeadLetterQueue    string
}

// NamesFor derives the exchange and queue names of prefix.
func NamesFor(prefix string) Names {
	return Names{
		Prefix:             prefix,
		DomainExchange:     prefix + "_domain_exchange",
		RetryExchange:      prefix + "_retry_exchange",
		DeadLetterExchange: prefix + "_dead_letter_exchange",
		RetryQueue:         prefix + "_retry_queue",
		DeadLetterQueue:    prefix + "_dead_letter_queue",
	}
}

// Exchanges lists the three exchanges of the prefix. All are durable.
func (n Names) Exchanges() []ExchangeSpec {
	return []ExchangeSpec{
		{Name: n.DomainExchange, Kind: amqp.ExchangeTopic, Durable: true},
		{Name: n.RetryExchange, Kind: amqp.ExchangeFanout, Durable: true},
		{Name: n.DeadLetterExchange, Kind: amqp.ExchangeFanout, Durable: true},
	}
}

// DefaultQueues returns the retry queue, which dead-letters back into the domain
// exchange after retryTTL, and the permanent dead-letter queue.
func (n Names) DefaultQueues(retryTTL time.Duration) []QueueSpec {
	return []QueueSpec{
		{
			Name:    n.RetryQueue,
			Durable: true,
			Args: amqp.Table{
				"x-dead-letter-exchange": n.DomainExchange,
				"x-message-ttl":          retryTTL.Milliseconds(),
			},
			Bindings: []Binding{{Exchange: n.RetryExchange, Key: "#"}},
		},
		{
			Name:     n.DeadLetterQueue,
			Durable:  true,
			Bindings: []Binding{{Exchange: n.DeadLetterExchange, Key: "#"}},
		},
	}
}

// HandlerTopology is the queue and routing keys of one async handler.
type HandlerTopology struct {
	Queue           string
	RoutingKey      string
	RetryRoutingKey string
}

// HandlerTopology derives the names for meta. The result depends only on its inputs.
func (n Names) HandlerTopology(meta cbus.EventMetadata) HandlerTopology {
	suffix := fmt.Sprintf("%s-%s-%s-%s", n.Prefix, meta.Prefix, meta.EventName, meta.ActionName)

	return HandlerTopology{
		Queue:           suffix,
		RoutingKey:      meta.EventName,
		RetryRoutingKey: "retry-" + suffix,
	}
}

// QueueSpec returns the durable handler queue. Rejected messages go to the retry
// exchange under the retry key, and come back on the same key after the TTL.
func (n Names) QueueSpec(t HandlerTopology) QueueSpec {
	return QueueSpec{
		Name:    t.Queue,
		Durable: true,
		Args: amqp.Table{
			"x-dead-letter-exchange":    n.RetryExchange,
			"x-dead-letter-routing-key": t.RetryRoutingKey,
		},
		Bindings: []Binding{
			{Exchange: n.DomainExchange, Key: t.RoutingKey},
			{Exchange: n.DomainExchange, Key: t.RetryRoutingKey},
		},
	}
}
