package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/broker/brokertest"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metadata"
	"github.com/drblury/warren/internal/runtime/topology"
)

func TestHandlerSettlesEachResult(t *testing.T) {
	tests := []struct {
		result Result
		want   settleCall
	}{
		{Ack, settleCall{kind: "ack", tag: 1}},
		{Reject, settleCall{kind: "reject", tag: 1}},
		{Requeue, settleCall{kind: "reject", tag: 1, requeue: true}},
		{Nack, settleCall{kind: "nack", tag: 1, requeue: true}},
	}
	for _, tt := range tests {
		t.Run(string(tt.result), func(t *testing.T) {
			ch := &fakeChannel{}
			h := NewHandler(HandlerOptions{Consumer: "orders", Chain: Chain(returning(tt.result)), Channel: ch})

			result, err := h.Handle(context.Background(), delivery(1, "x"))
			require.NoError(t, err)
			assert.Equal(t, tt.result, result)
			assert.Equal(t, []settleCall{tt.want}, ch.settled())
		})
	}
}

func TestHandlerRejectsOnError(t *testing.T) {
	logger := watermill.NewCaptureLogger()
	ch := &fakeChannel{}
	var reported []error
	var reportedFields logging.LogFields
	cause := errors.New("database down")

	h := NewHandler(HandlerOptions{
		Consumer: "orders",
		Chain:    Chain(failing(cause)),
		Channel:  ch,
		Logger:   logging.NewWatermillServiceLogger(logger),
		Reporter: func(_ context.Context, err error, fields logging.LogFields) {
			reported = append(reported, err)
			reportedFields = fields
		},
	})

	result, err := h.Handle(context.Background(), delivery(4, "x"))
	require.NoError(t, err)
	assert.Equal(t, Reject, result)
	assert.Equal(t, []settleCall{{kind: "reject", tag: 4}}, ch.settled())
	require.Len(t, reported, 1)
	assert.EqualError(t, reported[0], "database down")
	assert.Equal(t, "orders", reportedFields["consumer"])
	assert.True(t, logger.HasError(cause))
}

func TestHandlerRecoversPanics(t *testing.T) {
	ch := &fakeChannel{}
	var reported error
	perform := ConsumerFunc(func(context.Context, Message) (Result, error) {
		panic("kaboom")
	})
	h := NewHandler(HandlerOptions{
		Consumer: "orders",
		Chain:    Chain(perform),
		Channel:  ch,
		Reporter: func(_ context.Context, err error, _ logging.LogFields) { reported = err },
	})

	result, err := h.Handle(context.Background(), delivery(2, "x"))
	require.NoError(t, err)
	assert.Equal(t, Reject, result)
	assert.Equal(t, []settleCall{{kind: "reject", tag: 2}}, ch.settled())

	var panicErr *PanicError
	require.ErrorAs(t, reported, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}

func TestHandlerDoesNotSettleInvalidResult(t *testing.T) {
	ch := &fakeChannel{}
	var reported error
	h := NewHandler(HandlerOptions{
		Consumer: "orders",
		Chain:    Chain(returning("blorg")),
		Channel:  ch,
		Reporter: func(_ context.Context, err error, _ logging.LogFields) { reported = err },
	})

	_, err := h.Handle(context.Background(), delivery(9, "x"))
	require.Error(t, err)
	assert.True(t, IsInvalidResult(err))
	assert.Contains(t, err.Error(), "blorg")
	assert.Empty(t, ch.settled())
	assert.Equal(t, err, reported)
}

func TestHandlerCatchesInvalidResultFromMiddleware(t *testing.T) {
	ch := &fakeChannel{}
	bad := MiddlewareFunc(func(context.Context, Message, Next) (Result, error) {
		return "maybe", nil
	})
	h := NewHandler(HandlerOptions{Consumer: "orders", Chain: Chain(returning(Ack), bad), Channel: ch})

	_, err := h.Handle(context.Background(), delivery(1, "x"))
	assert.True(t, IsInvalidResult(err))
	assert.Empty(t, ch.settled())
}

func TestHandlerAttachesChannelAsPublisher(t *testing.T) {
	ch := &fakeChannel{}
	var pub Publisher
	perform := ConsumerFunc(func(ctx context.Context, _ Message) (Result, error) {
		pub = PublisherFromContext(ctx)
		return Ack, nil
	})
	h := NewHandler(HandlerOptions{Consumer: "orders", Chain: Chain(perform), Channel: ch})

	_, err := h.Handle(context.Background(), delivery(1, "x"))
	require.NoError(t, err)
	assert.Same(t, ch, pub)
	assert.Nil(t, PublisherFromContext(context.Background()))
}

// A failing consumer travels main -> retry -> main until MaxRetry moves the
// message to the error queue.
func TestHandlerRetriesThroughBrokerUntilErrorQueue(t *testing.T) {
	b := brokertest.New()
	conn, err := b.Dial(context.Background(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel(1)
	require.NoError(t, err)

	opts, err := topology.ParseOptions(map[string]any{
		"exchange":    "events",
		"queue":       "orders",
		"routing_key": "orders.*",
		"retry_queue": map[string]any{"delay": 10},
		"error_queue": true,
	})
	require.NoError(t, err)
	topo, err := topology.Build(opts)
	require.NoError(t, err)
	queue, err := topo.Declare(ch)
	require.NoError(t, err)

	var mu sync.Mutex
	attempts := 0
	perform := ConsumerFunc(func(context.Context, Message) (Result, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return "", errors.New("always fails")
	})
	next, err := Build(Env{Consumer: "orders", Topology: topo}, perform, MaxRetryMiddleware(MaxRetryConfig{MaxRetries: 2}))
	require.NoError(t, err)
	h := NewHandler(HandlerOptions{Consumer: "orders", Chain: next, Channel: ch})

	sub, err := queue.Subscribe(context.Background(), "ctag", func(ctx context.Context, d broker.Delivery) {
		_, _ = h.Handle(ctx, d)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Cancel() })

	require.NoError(t, ch.Publish(context.Background(), broker.Publishing{
		Exchange:   "events",
		RoutingKey: "orders.created",
		Metadata:   metadata.Metadata{MessageID: "m-1"},
		Body:       []byte(`{"id":1}`),
	}))

	require.Eventually(t, func() bool {
		state, ok := b.Queue("orders.error")
		return ok && state.Ready == 1
	}, 2*time.Second, 5*time.Millisecond)

	dead, ok := b.Get("orders.error")
	require.True(t, ok)
	assert.Equal(t, `{"id":1}`, string(dead.Body))
	assert.Equal(t, int64(2), dead.Metadata.Headers[HeaderRetryCount])
	assert.Equal(t, "always fails", dead.Metadata.Headers[HeaderError])
	assert.Equal(t, "orders", dead.Metadata.Headers[HeaderConsumer])

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}
