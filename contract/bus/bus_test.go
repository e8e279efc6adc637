package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

type shipped struct {
	OrderID string `json:"orderId"`
	Parcels int    `json:"parcels"`
}

func TestEventConstructors(t *testing.T) {
	s := cbus.NewSyncEvent("OrderShipped", shipped{OrderID: "o-1"})
	a := cbus.NewAsyncEvent("OrderShipped", shipped{OrderID: "o-1"})

	assert.Equal(t, "OrderShipped", s.EventName())
	assert.Equal(t, cbus.KindSync, s.EventKind())
	assert.Equal(t, cbus.KindAsync, a.EventKind())
	assert.NotEmpty(t, s.ID)
	assert.NotEqual(t, s.ID, a.ID)
	assert.False(t, s.OccurredOn.IsZero())
	assert.Equal(t, "sync", cbus.KindSync.String())
	assert.Equal(t, "unknown", cbus.EventKind(0).String())
}

func TestMessageDecodesAsyncEvent(t *testing.T) {
	e := cbus.NewAsyncEvent("OrderShipped", shipped{OrderID: "o-1", Parcels: 2})

	body, err := json.Marshal(e)
	require.NoError(t, err)

	var m cbus.Message
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, e.ID, m.ID)
	assert.Equal(t, "OrderShipped", m.EventName())
	assert.True(t, e.OccurredOn.Equal(m.OccurredOn))

	got, err := cbus.DecodeAttributes[shipped](m)
	require.NoError(t, err)
	assert.Equal(t, e.Attributes, got)

	empty, err := cbus.DecodeAttributes[shipped](cbus.Message{})
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestHandleAsync(t *testing.T) {
	var got shipped

	h := cbus.HandleAsync(func(_ context.Context, _ cbus.Message, s shipped) error {
		got = s
		return nil
	})

	require.NoError(t, h.Handle(context.Background(), cbus.Message{Type: "OrderShipped", Attributes: []byte(`{"orderId":"o-7"}`)}))
	assert.Equal(t, "o-7", got.OrderID)

	err := h.Handle(context.Background(), cbus.Message{Type: "OrderShipped", Attributes: []byte(`[1,2]`)})
	require.Error(t, err)
}

type described struct{ cbus.AsyncEventHandlerFunc }

func (described) HandlerMetadata() cbus.EventMetadata {
	return cbus.EventMetadata{Prefix: "orders", EventName: "OrderShipped", ActionName: "notify"}
}

type budget struct {
	cbus.AsyncEventHandlerFunc
}

func (budget) MaxRetries() int { return 7 }

func TestMetadataOf(t *testing.T) {
	noop := cbus.AsyncEventHandlerFunc(func(context.Context, cbus.Message) error { return nil })

	_, err := cbus.MetadataOf(noop)
	require.ErrorIs(t, err, berr.ErrUnregisteredEventHandlerMetadata)

	meta, err := cbus.MetadataOf(described{noop})
	require.NoError(t, err)
	assert.Equal(t, "notify", meta.ActionName)

	_, err = cbus.MetadataOf(cbus.Describe(cbus.EventMetadata{Prefix: "orders", EventName: "OrderShipped"}, noop))
	require.ErrorIs(t, err, berr.ErrWrongEventHandlerMetadata)

	h := cbus.Describe(cbus.EventMetadata{Prefix: "p", EventName: "e", ActionName: "a"}, budget{noop})
	r, ok := h.(cbus.Retryable)
	require.True(t, ok)
	assert.Equal(t, 7, r.MaxRetries())

	r, ok = cbus.Describe(cbus.EventMetadata{Prefix: "p", EventName: "e", ActionName: "a"}, noop).(cbus.Retryable)
	require.True(t, ok)
	assert.Equal(t, -1, r.MaxRetries())
}

type plainEvent struct {
	Name string `json:"name"`
}

func (plainEvent) EventName() string        { return "Plain" }
func (plainEvent) EventKind() cbus.EventKind { return cbus.KindAsync }

type badEvent struct{ C chan int }

func (badEvent) EventName() string        { return "Bad" }
func (badEvent) EventKind() cbus.EventKind { return cbus.KindAsync }

func TestEnvelope(t *testing.T) {
	e := cbus.NewAsyncEvent("OrderShipped", shipped{OrderID: "1"})

	body, id, err := cbus.Envelope(e)
	require.NoError(t, err)
	assert.Equal(t, e.ID, id)

	var m cbus.Message
	require.NoError(t, json.Unmarshal(body, &m))
	assert.JSONEq(t, `{"orderId":"1","parcels":0}`, string(m.Attributes))

	// foreign shapes are wrapped
	body, id, err = cbus.Envelope(plainEvent{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, id, m.ID)
	assert.Equal(t, "Plain", m.Type)
	assert.JSONEq(t, `{"name":"x"}`, string(m.Attributes))

	_, _, err = cbus.Envelope(badEvent{C: make(chan int)})
	require.ErrorIs(t, err, berr.ErrSerializationFailed)
}

func TestDeliveryContext(t *testing.T) {
	_, ok := cbus.DeliveryFrom(context.Background())
	assert.False(t, ok)
	assert.False(t, cbus.IsBrokerContext(context.Background()))

	ctx := cbus.WithDelivery(context.Background(), cbus.DeliveryInfo{Queue: "q", Retries: 2})
	info, ok := cbus.DeliveryFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, 2, info.Retries)
	assert.True(t, cbus.IsBrokerContext(ctx))
}

func TestEventMetadataValidate(t *testing.T) {
	require.NoError(t, cbus.EventMetadata{Prefix: "p", EventName: "e", ActionName: "a"}.Validate())

	err := cbus.EventMetadata{}.Validate()
	require.True(t, errors.Is(err, berr.ErrWrongEventHandlerMetadata))
}
