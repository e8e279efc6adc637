/*
Package rabbitmq provides the broker-backed async event bus.

Connection owns one AMQP connection and channel. It reconnects with backoff,
replays exchanges, queues and consumers after every reconnect, counts
in-flight deliveries and drains them on shutdown.

EventBus builds the retry and dead-letter topology on top of Connection:

	<prefix>_domain_exchange       topic, handlers bind here
	<prefix>_retry_exchange        fanout, feeds <prefix>_retry_queue
	<prefix>_retry_queue           TTL, dead-letters back to the domain exchange
	<prefix>_dead_letter_exchange  fanout, feeds <prefix>_dead_letter_queue

A failed delivery is rejected into the retry loop until its x-death count
against the domain exchange reaches the retry budget. It is then copied to the
dead-letter exchange and acknowledged.
*/
package rabbitmq
