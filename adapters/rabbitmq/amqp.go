package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by Connection.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyCancel(receiver chan string) chan string
	Close() error
}

// Conn is the subset of *amqp.Connection used by Connection.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// DialFunc opens a broker connection to uri.
type DialFunc func(uri string) (Conn, error)

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// Dialer returns a DialFunc backed by amqp.DialConfig.
func Dialer(connTimeout time.Duration) DialFunc {
	return func(uri string) (Conn, error) {
		conn, err := amqp.DialConfig(uri, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-cqrs-bus"},
			Dial:       amqp.DefaultDial(connTimeout),
		})
		if err != nil {
			return nil, err
		}

		return amqpConn{conn}, nil
	}
}
