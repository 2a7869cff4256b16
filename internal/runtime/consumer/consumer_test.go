package consumer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/warren/internal/runtime/dispatch"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/topology"
)

var ack = dispatch.ConsumerFunc(func(context.Context, dispatch.Message) (dispatch.Result, error) {
	return dispatch.Ack, nil
})

func def(name, worker string, threads int) Definition {
	return Definition{
		Name: name,
		Config: map[string]any{
			"exchange": "events",
			"queue":    name,
			"worker":   map[string]any{"name": worker, "threads": threads},
		},
		Perform: ack,
	}
}

func TestRegisterBuildsTopology(t *testing.T) {
	r := NewRegistry()
	c, err := r.Register(Definition{
		Name: "orders",
		Options: topology.Options{
			Exchange:    topology.Named("events"),
			Queue:       topology.Named("orders"),
			RoutingKeys: []string{"orders.*"},
			RetryQueue:  topology.Enabled(),
		},
		Perform: ack,
	})
	require.NoError(t, err)

	assert.Equal(t, "orders", c.Name())
	assert.Equal(t, "orders", c.Topology().Queue.Name)
	require.NotNil(t, c.Topology().RetryQueue)
	assert.Equal(t, "orders.retry", c.Topology().RetryQueue.Name)
	assert.Equal(t, topology.DefaultWorker, c.Worker())
	assert.Equal(t, 1, c.Threads())
}

func TestTopologyCannotBeChangedThroughAccessor(t *testing.T) {
	r := NewRegistry()
	c, err := r.Register(Definition{
		Name:    "orders",
		Options: topology.Options{Exchange: topology.Named("events"), Queue: topology.Named("orders"), RetryQueue: topology.Enabled()},
		Perform: ack,
	})
	require.NoError(t, err)

	topo := c.Topology()
	topo.Queue.Options.Arguments["x-dead-letter-routing-key"] = "elsewhere"
	topo.RetryQueue.Name = "elsewhere"

	assert.Equal(t, "orders.retry", c.Topology().Queue.Options.Arguments["x-dead-letter-routing-key"])
	assert.Equal(t, "orders.retry", c.Topology().RetryQueue.Name)
}

func TestRegisterFailsFast(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register(Definition{Name: "orders", Config: map[string]any{"queue": "orders"}, Perform: ack})
	assert.True(t, werrors.IsConfigurationError(err))

	_, err = r.Register(Definition{Name: "orders", Config: map[string]any{"exchange": "e", "queue": "q", "colour": "red"}, Perform: ack})
	assert.True(t, werrors.IsConfigurationError(err))

	_, err = r.Register(Definition{Name: "orders", Config: map[string]any{"exchange": "e", "queue": "q"}})
	assert.ErrorIs(t, err, werrors.ErrConsumerRequired)

	_, err = r.Register(Definition{Config: map[string]any{"exchange": "e", "queue": "q"}, Perform: ack})
	assert.True(t, werrors.IsConfigurationError(err))

	assert.Equal(t, 0, r.Len())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(def("orders", "default", 1))
	require.NoError(t, err)

	_, err = r.Register(def("orders", "default", 1))
	assert.ErrorIs(t, err, werrors.ErrDuplicateConsumer)
	assert.Equal(t, 1, r.Len())
}

func TestGetAndLookup(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(def("a", "default", 1))
	require.NoError(t, err)
	_, err = r.Register(def("b", "default", 1))
	require.NoError(t, err)

	got, err := r.Lookup("b", "a")
	require.NoError(t, err)
	assert.Equal(t, "b", got[0].Name())
	assert.Equal(t, "a", got[1].Name())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, werrors.ErrUnknownConsumer)
	_, err = r.Lookup("a", "missing")
	assert.ErrorIs(t, err, werrors.ErrUnknownConsumer)
}

func TestGroupsByWorker(t *testing.T) {
	r := NewRegistry()
	for _, d := range []Definition{
		def("orders", "billing", 2),
		def("emails", "mailer", 1),
		def("invoices", "billing", 3),
	} {
		_, err := r.Register(d)
		require.NoError(t, err)
	}

	groups := r.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "billing", groups[0].Worker)
	assert.Equal(t, []string{"orders", "invoices"}, groups[0].Names())
	assert.Equal(t, 5, groups[0].Threads())
	assert.Equal(t, "mailer", groups[1].Worker)
	assert.Equal(t, []string{"emails"}, groups[1].Names())
}

func TestChainUsesConsumerEnv(t *testing.T) {
	var seen dispatch.Env
	d := def("orders", "default", 1)
	d.Middlewares = []dispatch.MiddlewareRegistration{{
		Name: "capture",
		Builder: func(env dispatch.Env) (dispatch.Middleware, error) {
			seen = env
			return nil, nil
		},
	}}
	c, err := New(d)
	require.NoError(t, err)

	next, err := c.Chain(dispatch.Env{Consumer: "ignored"})
	require.NoError(t, err)
	result, err := next(context.Background(), dispatch.Message{})
	require.NoError(t, err)
	assert.Equal(t, dispatch.Ack, result)
	assert.Equal(t, "orders", seen.Consumer)
	assert.Equal(t, "orders", seen.Topology.Queue.Name)
}

func TestDefaultMiddlewaresWhenNil(t *testing.T) {
	c, err := New(def("orders", "default", 1))
	require.NoError(t, err)
	assert.Len(t, c.middlewares, len(dispatch.DefaultMiddlewares()))
}
