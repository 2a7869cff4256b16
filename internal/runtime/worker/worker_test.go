package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/broker/brokertest"
	"github.com/drblury/warren/internal/runtime/config"
	"github.com/drblury/warren/internal/runtime/consumer"
	"github.com/drblury/warren/internal/runtime/dispatch"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/registry"
)

type harness struct {
	broker   *brokertest.Broker
	registry *registry.Registry
	cfg      *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.BrokerURL = "memory://test"
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.PoolTimeout = time.Second
	return &harness{
		broker:   brokertest.New(),
		registry: registry.New(registry.Options{}),
		cfg:      cfg,
	}
}

func newConsumer(t *testing.T, name string, threads int, perform dispatch.ConsumerFunc) *consumer.Consumer {
	t.Helper()
	c, err := consumer.New(consumer.Definition{
		Name: name,
		Config: map[string]any{
			"exchange":    "events",
			"queue":       name,
			"routing_key": name + ".*",
			"worker":      map[string]any{"name": "billing", "threads": threads},
		},
		Middlewares: []dispatch.MiddlewareRegistration{dispatch.RecoverMiddleware()},
		Perform:     perform,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) worker(t *testing.T, hooks Hooks, consumers ...*consumer.Consumer) *Worker {
	t.Helper()
	names := make([]string, 0, len(consumers))
	for _, c := range consumers {
		names = append(names, c.Name())
	}
	w, err := New(Options{
		Definition: Definition{Name: "billing", Consumers: names, SupervisorID: "sup-1"},
		Consumers:  consumers,
		Config:     h.cfg,
		Registry:   h.registry,
		Dialer:     h.broker.Dialer(),
		Hooks:      hooks,
	})
	require.NoError(t, err)
	return w
}

func (h *harness) publish(t *testing.T, routingKey, body string) {
	t.Helper()
	conn, err := h.broker.Dial(context.Background(), "publisher")
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel(0)
	require.NoError(t, err)
	require.NoError(t, ch.Publish(context.Background(), broker.Publishing{Exchange: "events", RoutingKey: routingKey, Body: []byte(body)}))
}

func (h *harness) waitForConsumers(t *testing.T, queue string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := h.broker.Queue(queue)
		return ok && state.Consumers == n
	}, 2*time.Second, 5*time.Millisecond)
}

func start(w *Worker) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func TestWorkerConsumesAndStopsGracefully(t *testing.T) {
	h := newHarness(t)
	var handled atomic.Int32
	orders := newConsumer(t, "orders", 2, func(context.Context, dispatch.Message) (dispatch.Result, error) {
		handled.Add(1)
		return dispatch.Ack, nil
	})
	w := h.worker(t, Hooks{}, orders)
	assert.Equal(t, 2, w.PoolSize())

	cancel, done := start(w)
	h.waitForConsumers(t, "orders", 2)

	rec, ok := w.Record()
	require.True(t, ok)
	assert.Equal(t, "billing", rec.Kind)
	assert.Equal(t, "sup-1", rec.SupervisorID)

	for i := 0; i < 5; i++ {
		h.publish(t, "orders.created", "x")
	}
	require.Eventually(t, func() bool { return handled.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.broker.Acks()) == 5 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, done))

	h.waitForConsumers(t, "orders", 0)
	_, err := h.registry.Find(context.Background(), rec.ID)
	assert.ErrorIs(t, err, werrors.ErrProcessNotFound)
}

func TestWorkerLetsInFlightDeliveryFinish(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	orders := newConsumer(t, "orders", 1, func(context.Context, dispatch.Message) (dispatch.Result, error) {
		close(started)
		<-release
		return dispatch.Ack, nil
	})
	cancel, done := start(h.worker(t, Hooks{}, orders))
	h.waitForConsumers(t, "orders", 1)

	h.publish(t, "orders.created", "slow")
	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, wait(t, done))
	acks := h.broker.Acks()
	require.Len(t, acks, 1)
	assert.Equal(t, brokertest.AckKindAck, acks[0].Kind)
}

func TestWorkerInvalidResultIsFatal(t *testing.T) {
	h := newHarness(t)
	orders := newConsumer(t, "orders", 1, func(context.Context, dispatch.Message) (dispatch.Result, error) {
		return "blorg", nil
	})
	_, done := start(h.worker(t, Hooks{}, orders))
	h.waitForConsumers(t, "orders", 1)

	h.publish(t, "orders.created", "x")
	err := wait(t, done)
	require.Error(t, err)
	assert.True(t, dispatch.IsInvalidResult(err))
	assert.Contains(t, err.Error(), "blorg")

	assert.Empty(t, h.broker.Acks())
	state, ok := h.broker.Queue("orders")
	require.True(t, ok)
	assert.Equal(t, 1, state.Ready)
}

func TestWorkerAbortsWhenBrokerUnavailable(t *testing.T) {
	h := newHarness(t)
	h.broker.FailDial(errors.New("connection refused"))
	orders := newConsumer(t, "orders", 1, func(context.Context, dispatch.Message) (dispatch.Result, error) {
		return dispatch.Ack, nil
	})
	var started bool
	w := h.worker(t, Hooks{OnStart: func(context.Context, Definition) error {
		started = true
		return nil
	}}, orders)

	err := w.Run(context.Background())
	assert.True(t, werrors.IsBrokerUnavailable(err))
	assert.False(t, started)

	all, err := h.registry.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWorkerExitsWhenConnectionDrops(t *testing.T) {
	h := newHarness(t)
	orders := newConsumer(t, "orders", 1, func(context.Context, dispatch.Message) (dispatch.Result, error) {
		return dispatch.Ack, nil
	})
	_, done := start(h.worker(t, Hooks{}, orders))
	h.waitForConsumers(t, "orders", 1)

	h.broker.DropConnections()
	err := wait(t, done)
	assert.True(t, werrors.IsBrokerUnavailable(err))
}

func TestWorkerStopsWhenRecordPruned(t *testing.T) {
	h := newHarness(t)
	orders := newConsumer(t, "orders", 1, func(context.Context, dispatch.Message) (dispatch.Result, error) {
		return dispatch.Ack, nil
	})
	w := h.worker(t, Hooks{}, orders)
	_, done := start(w)
	h.waitForConsumers(t, "orders", 1)

	rec, ok := w.Record()
	require.True(t, ok)
	require.NoError(t, h.registry.Deregister(context.Background(), rec))

	assert.NoError(t, wait(t, done))
	h.waitForConsumers(t, "orders", 0)
}

func TestWorkerLifecycleHooks(t *testing.T) {
	h := newHarness(t)
	orders := newConsumer(t, "orders", 1, func(context.Context, dispatch.Message) (dispatch.Result, error) {
		return dispatch.Ack, nil
	})

	var mu sync.Mutex
	var events []string
	var threadErrors []error
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	heartbeats := make(chan struct{}, 16)

	w := h.worker(t, Hooks{
		OnStart: func(_ context.Context, def Definition) error {
			record("start:" + def.Name)
			return errors.New("start hook failed")
		},
		OnStop: func(context.Context, Definition) error {
			record("stop")
			return nil
		},
		OnHeartbeat: func(context.Context, registry.ProcessRecord) error {
			select {
			case heartbeats <- struct{}{}:
			default:
			}
			panic("heartbeat hook blew up")
		},
		OnThreadError: func(err error, fields logging.LogFields) {
			mu.Lock()
			threadErrors = append(threadErrors, err)
			mu.Unlock()
		},
	}, orders)

	cancel, done := start(w)
	<-heartbeats
	<-heartbeats
	cancel()
	require.NoError(t, wait(t, done))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start:billing", "stop"}, events)
	require.GreaterOrEqual(t, len(threadErrors), 2)
	assert.EqualError(t, threadErrors[0], "start hook failed")
	var panicErr *dispatch.PanicError
	assert.ErrorAs(t, threadErrors[1], &panicErr)
}

func TestWorkerLogsToServiceLogger(t *testing.T) {
	h := newHarness(t)
	logger := watermill.NewCaptureLogger()
	orders := newConsumer(t, "orders", 1, func(context.Context, dispatch.Message) (dispatch.Result, error) {
		return dispatch.Ack, nil
	})
	w, err := New(Options{
		Definition: Definition{Name: "billing", Consumers: []string{"orders"}},
		Consumers:  []*consumer.Consumer{orders},
		Config:     h.cfg,
		Registry:   h.registry,
		Dialer:     h.broker.Dialer(),
		Logger:     logging.NewWatermillServiceLogger(logger),
	})
	require.NoError(t, err)

	cancel, done := start(w)
	h.waitForConsumers(t, "orders", 1)
	cancel()
	require.NoError(t, wait(t, done))

	var msgs []string
	for _, m := range logger.Captured()[watermill.InfoLogLevel] {
		msgs = append(msgs, m.Msg)
	}
	assert.Contains(t, msgs, "Worker started")
	assert.Contains(t, msgs, "Worker stopped")
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Definition: Definition{Name: "billing"}})
	assert.ErrorIs(t, err, werrors.ErrNoConsumers)

	_, err = New(Options{Definition: Definition{Name: "billing", Consumers: []string{"orders"}}})
	assert.ErrorIs(t, err, werrors.ErrNoConsumers)

	_, err = New(Options{Definition: Definition{Consumers: []string{"orders"}}})
	assert.True(t, werrors.IsConfigurationError(err))
}

func TestPoolSizePrecedence(t *testing.T) {
	h := newHarness(t)
	noop := func(context.Context, dispatch.Message) (dispatch.Result, error) { return dispatch.Ack, nil }
	w := h.worker(t, Hooks{}, newConsumer(t, "a", 2, noop), newConsumer(t, "b", 3, noop))
	assert.Equal(t, 5, w.PoolSize())

	h.cfg.PoolSize = 4
	w = h.worker(t, Hooks{}, newConsumer(t, "a", 2, noop))
	assert.Equal(t, 4, w.PoolSize())

	w.def.PoolSize = 7
	assert.Equal(t, 7, w.PoolSize())
}

func TestNewRejectsPoolSmallerThanThreads(t *testing.T) {
	h := newHarness(t)
	noop := func(context.Context, dispatch.Message) (dispatch.Result, error) { return dispatch.Ack, nil }
	consumers := []*consumer.Consumer{newConsumer(t, "a", 2, noop), newConsumer(t, "b", 3, noop)}

	_, err := New(Options{
		Definition: Definition{Name: "billing", Consumers: []string{"a", "b"}, PoolSize: 4},
		Consumers:  consumers,
		Config:     h.cfg,
		Registry:   h.registry,
		Dialer:     h.broker.Dialer(),
	})
	require.Error(t, err)
	assert.True(t, werrors.IsConfigurationError(err))

	h.cfg.PoolSize = 2
	_, err = New(Options{
		Definition: Definition{Name: "billing", Consumers: []string{"a", "b"}},
		Consumers:  consumers,
		Config:     h.cfg,
		Registry:   h.registry,
		Dialer:     h.broker.Dialer(),
	})
	assert.True(t, werrors.IsConfigurationError(err))

	_, err = New(Options{
		Definition: Definition{Name: "billing", Consumers: []string{"a", "b"}, PoolSize: 5},
		Consumers:  consumers,
		Config:     h.cfg,
		Registry:   h.registry,
		Dialer:     h.broker.Dialer(),
	})
	assert.NoError(t, err)
}
