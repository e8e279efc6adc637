package bus

import "context"

// Context is re-exported for convenience in handler signatures.
// It avoids importing context in user packages when referencing bus types.
type Context = context.Context

// HeaderPropagator abstracts injecting tracing context into headers.
// Implementations may bridge to OpenTelemetry or any other propagation standard.
// Implementors should mutate the provided headers map by inserting keys that
// carry the context across process boundaries. Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}

// NopHeaderPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(ctx context.Context, headers map[string]string) {
	_ = ctx
	_ = headers
}

// DeliveryInfo describes the broker delivery an async handler is processing.
type DeliveryInfo struct {
	Queue       string
	Exchange    string
	RoutingKey  string
	MessageID   string
	Redelivered bool
	// Retries is the number of earlier failed attempts of this message instance.
	Retries int
	Headers map[string]any
}

type deliveryKey struct{}

// WithDelivery returns a copy of ctx carrying info.
func WithDelivery(ctx context.Context, info DeliveryInfo) context.Context {
	return context.WithValue(ctx, deliveryKey{}, info)
}

// DeliveryFrom reports the delivery being handled, if ctx comes from a broker consumer.
func DeliveryFrom(ctx context.Context) (DeliveryInfo, bool) {
	info, ok := ctx.Value(deliveryKey{}).(DeliveryInfo)
	return info, ok
}

// IsBrokerContext reports whether ctx belongs to a broker-delivered message.
func IsBrokerContext(ctx context.Context) bool {
	_, ok := DeliveryFrom(ctx)
	return ok
}
