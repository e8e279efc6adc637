package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrorPolicy settles a delivery whose handler failed or whose body could not be decoded.
type ErrorPolicy func(ctx context.Context, d amqp.Delivery, cause error) error

var (
	// AckOnError acknowledges the delivery and drops it.
	AckOnError ErrorPolicy = func(_ context.Context, d amqp.Delivery, _ error) error { return d.Ack(false) }
	// NackOnError negatively acknowledges without requeue.
	NackOnError ErrorPolicy = func(_ context.Context, d amqp.Delivery, _ error) error { return d.Nack(false, false) }
	// RequeueOnError negatively acknowledges and requeues.
	RequeueOnError ErrorPolicy = func(_ context.Context, d amqp.Delivery, _ error) error { return d.Nack(false, true) }
	// RejectOnError rejects without requeue, so the queue's dead-letter target receives it.
	RejectOnError ErrorPolicy = func(_ context.Context, d amqp.Delivery, _ error) error { return d.Reject(false) }
)

// DeathCount returns how often the message was dead-lettered after being
// published to exchange, read from the x-death header.
func DeathCount(headers amqp.Table, exchange string) int {
	raw, ok := headers["x-death"]
	if !ok {
		return 0
	}

	deaths, ok := raw.([]any)
	if !ok {
		return 0
	}

	for _, d := range deaths {
		entry, ok := d.(amqp.Table)
		if !ok {
			continue
		}

		if ex, _ := entry["exchange"].(string); ex != exchange {
			continue
		}

		return toInt(entry["count"])
	}

	return 0
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
