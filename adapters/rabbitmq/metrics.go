package rabbitmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes.
const (
	outcomeAck        = "ack"
	outcomeFailed     = "failed"
	outcomeMalformed  = "malformed"
	outcomeRefused    = "refused"
	outcomeRetry      = "retry"
	outcomeDeadLetter = "dead_letter"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cqrs",
		Subsystem: "rabbitmq",
		Name:      "deliveries_total",
		Help:      "Broker deliveries by queue and outcome",
	}, []string{"queue", "outcome"})

	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cqrs",
		Subsystem: "rabbitmq",
		Name:      "inflight",
		Help:      "Deliveries currently being handled",
	})

	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cqrs",
		Subsystem: "rabbitmq",
		Name:      "publish_total",
		Help:      "Publishes by exchange and result",
	}, []string{"exchange", "result"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cqrs",
		Subsystem: "rabbitmq",
		Name:      "reconnects_total",
		Help:      "Unexpected broker disconnects followed by a reconnect attempt",
	})
)

func observeDelivery(queue, outcome string) {
	deliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

func observePublish(exchange string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	if exchange == "" {
		exchange = "default"
	}

	publishTotal.WithLabelValues(exchange, result).Inc()
}
