package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-cqrs-bus/contract/bus"
	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
	"github.com/next-trace/scg-cqrs-bus/memory"
	"github.com/next-trace/scg-cqrs-bus/servicebus"
)

type createUser struct{ Name string }

func (createUser) CommandName() string { return "CreateUser" }

type getUser struct{ ID string }

func (getUser) QueryName() string { return "GetUser" }

func TestNew_BasicFlow(t *testing.T) {
	ctx := context.Background()

	var synced, welcomed []string

	m, async, cleanup, err := memory.New(ctx, servicebus.Handlers{
		Commands: []servicebus.CommandBinding{{Name: "CreateUser", Handler: cbus.CommandHandlerFunc(
			func(_ context.Context, c cbus.Command) (any, error) { return "u-" + c.(createUser).Name, nil })}},
		Queries: []servicebus.QueryBinding{{Name: "GetUser", Handler: cbus.QueryHandlerFunc(
			func(_ context.Context, q cbus.Query) (any, error) { return "Jane#" + q.(getUser).ID, nil })}},
		Events: []servicebus.EventBinding{{Name: "UserCreated", Handler: cbus.EventHandlerFunc(
			func(_ context.Context, e cbus.Event) error {
				synced = append(synced, e.EventName())
				return nil
			})}},
		Async: []cbus.AsyncEventHandler{cbus.Describe(
			cbus.EventMetadata{Prefix: "users", EventName: "UserActivated", ActionName: "welcome"},
			cbus.AsyncEventHandlerFunc(func(_ context.Context, msg cbus.Message) error {
				welcomed = append(welcomed, msg.Type)
				return nil
			}))},
	})
	require.NoError(t, err)
	defer cleanup()

	b := m.Bus()

	id, err := servicebus.Execute[string](ctx, b.Commands, createUser{Name: "jane"})
	require.NoError(t, err)
	assert.Equal(t, "u-jane", id)

	name, err := servicebus.Ask[string](ctx, b.Queries, getUser{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "Jane#1", name)

	require.NoError(t, b.Publisher.PublishAll(ctx, []cbus.Event{
		cbus.NewSyncEvent("UserCreated", map[string]string{"id": "1"}),
		cbus.NewAsyncEvent("UserActivated", map[string]string{"id": "1"}),
	}, servicebus.SyncFirst))

	assert.Equal(t, []string{"UserCreated"}, synced)
	assert.Equal(t, []string{"UserActivated"}, welcomed)
	assert.Len(t, async.Events(), 1)
}

func TestNew_StartFailure(t *testing.T) {
	_, _, _, err := memory.New(context.Background(), servicebus.Handlers{
		Async: []cbus.AsyncEventHandler{cbus.AsyncEventHandlerFunc(
			func(context.Context, cbus.Message) error { return nil })},
	})
	require.ErrorIs(t, err, berr.ErrUnregisteredEventHandlerMetadata)
}
