package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/broker/brokertest"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/metadata"
	"github.com/drblury/warren/internal/runtime/metrics"
	"github.com/drblury/warren/internal/runtime/pool"
	"github.com/drblury/warren/internal/runtime/topology"
)

type recordingPublisher struct {
	mu        sync.Mutex
	exchanges []topology.ExchangeSpec
	sent      []broker.Publishing
	err       error
}

func (r *recordingPublisher) Publish(_ context.Context, exchange topology.ExchangeSpec, p broker.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.exchanges = append(r.exchanges, exchange)
	r.sent = append(r.sent, p)
	return nil
}

func newProducer(t *testing.T, pub Publisher, sw *Switch) *Producer {
	t.Helper()
	p, err := New(Definition{Name: "users", Exchange: topology.Named("users")}, Options{Publisher: pub, Switch: sw})
	require.NoError(t, err)
	return p
}

func TestPublishJSON(t *testing.T) {
	pub := &recordingPublisher{}
	p := newProducer(t, pub, NewSwitch())

	require.NoError(t, p.Publish(context.Background(), map[string]any{"user_id": 123}, PublishOptions{RoutingKey: "users.created"}))

	require.Len(t, pub.sent, 1)
	sent := pub.sent[0]
	assert.Equal(t, `{"user_id":123}`, string(sent.Body))
	assert.Equal(t, ContentTypeJSON, sent.Metadata.ContentType)
	assert.Equal(t, "users", sent.Exchange)
	assert.Equal(t, "users.created", sent.RoutingKey)
	assert.Len(t, sent.Metadata.MessageID, 26)
	assert.False(t, sent.Metadata.Timestamp.IsZero())
	assert.Equal(t, broker.ExchangeTopic, pub.exchanges[0].Options.Type)
}

func TestPublishDisabledMakesNoBrokerCalls(t *testing.T) {
	for name, disable := range map[string]func(*Switch){
		"producer": func(s *Switch) { s.DisableProducer("users") },
		"exchange": func(s *Switch) { s.DisableExchange("users") },
	} {
		t.Run(name, func(t *testing.T) {
			pub := &recordingPublisher{}
			sw := NewSwitch()
			disable(sw)
			p := newProducer(t, pub, sw)

			require.NoError(t, p.Publish(context.Background(), map[string]any{"user_id": 123}, PublishOptions{}))
			assert.Empty(t, pub.sent)
			assert.False(t, p.Enabled())
		})
	}
}

func TestSwitchExchangeOverridesProducer(t *testing.T) {
	sw := NewSwitch()
	assert.True(t, sw.Enabled("users", "users"))

	sw.DisableProducer("users")
	sw.EnableExchange("users")
	assert.True(t, sw.Enabled("users", "users"))
	assert.False(t, sw.Enabled("users", "other"))

	sw.EnableProducer("users")
	sw.DisableExchange("users")
	assert.False(t, sw.Enabled("users", "users"))
	assert.False(t, sw.Enabled("billing", "users"))

	sw.Reset()
	assert.True(t, sw.Enabled("users", "users"))
}

func TestEncode(t *testing.T) {
	body, ct, err := Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, ContentTypeText, ct)

	body, ct, err = Encode([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(body))
	assert.Equal(t, ContentTypeText, ct)

	s, err := structpb.NewStruct(map[string]any{"user_id": 123})
	require.NoError(t, err)
	body, ct, err = Encode(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":123}`, string(body))
	assert.Equal(t, ContentTypeJSON, ct)

	body, ct, err = Encode(struct {
		UserID int `json:"user_id"`
	}{UserID: 5})
	require.NoError(t, err)
	assert.Equal(t, `{"user_id":5}`, string(body))
	assert.Equal(t, ContentTypeJSON, ct)

	_, _, err = Encode(nil)
	assert.ErrorIs(t, err, werrors.ErrPayloadRequired)

	_, _, err = Encode(make(chan int))
	assert.Error(t, err)
}

func TestPublishOptionsMapToMetadata(t *testing.T) {
	pub := &recordingPublisher{}
	p := newProducer(t, pub, NewSwitch())
	headers := metadata.Headers{"tenant": "acme"}

	require.NoError(t, p.Publish(context.Background(), "hi", PublishOptions{
		Headers:       headers,
		MessageID:     "fixed",
		CorrelationID: "corr",
		ContentType:   "text/x-custom",
		Expiration:    1500 * time.Millisecond,
		Persistent:    true,
		Priority:      3,
	}))

	md := pub.sent[0].Metadata
	assert.Equal(t, "fixed", md.MessageID)
	assert.Equal(t, "corr", md.CorrelationID)
	assert.Equal(t, "text/x-custom", md.ContentType)
	assert.Equal(t, "1500", md.Expiration)
	assert.True(t, md.Persistent())
	assert.Equal(t, uint8(3), md.Priority)
	assert.Equal(t, "acme", md.Headers["tenant"])

	md.Headers["tenant"] = "changed"
	assert.Equal(t, "acme", headers["tenant"])
}

func TestPublishFailureIsReturned(t *testing.T) {
	boom := errors.New("broker gone")
	p := newProducer(t, &recordingPublisher{err: boom}, NewSwitch())
	assert.ErrorIs(t, p.Publish(context.Background(), "x", PublishOptions{}), boom)
}

func TestNewValidates(t *testing.T) {
	pub := &recordingPublisher{}

	_, err := New(Definition{Exchange: topology.Named("x")}, Options{Publisher: pub})
	assert.True(t, werrors.IsConfigurationError(err))

	_, err = New(Definition{Name: "p"}, Options{Publisher: pub})
	assert.ErrorIs(t, err, werrors.ErrExchangeRequired)

	_, err = New(Definition{Name: "p", Exchange: topology.Named("x")}, Options{})
	assert.ErrorIs(t, err, werrors.ErrPublisherRequired)

	_, err = New(Definition{Name: "p", Exchange: topology.WithOptions("x", map[string]any{"type": "bogus"})}, Options{Publisher: pub})
	assert.True(t, werrors.IsConfigurationError(err))
}

func TestPoolPublisherEndToEnd(t *testing.T) {
	b := brokertest.New()
	pl, err := pool.New(pool.Options{Size: 1, Dialer: b.Dialer()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pl.Shutdown() })

	m := metrics.New(prometheus.NewRegistry())
	sw := NewSwitch()
	p, err := New(Definition{Name: "users", Exchange: topology.Named("users")}, Options{
		Publisher: NewPoolPublisher(pl),
		Switch:    sw,
		Metrics:   m,
	})
	require.NoError(t, err)

	// A queue bound to the exchange receives what the producer sends.
	conn, err := b.Dial(context.Background(), "setup")
	require.NoError(t, err)
	ch, err := conn.Channel(0)
	require.NoError(t, err)
	require.NoError(t, ch.DeclareExchange("users", broker.ExchangeOptions{Type: broker.ExchangeTopic, Durable: true}))
	q, err := ch.DeclareQueue("audit", broker.QueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Bind("users", broker.BindOptions{RoutingKey: "#"}))

	require.NoError(t, p.Publish(context.Background(), map[string]any{"user_id": 123}, PublishOptions{RoutingKey: "users.created"}))
	sw.DisableExchange("users")
	require.NoError(t, p.Publish(context.Background(), map[string]any{"user_id": 456}, PublishOptions{RoutingKey: "users.created"}))

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, `{"user_id":123}`, string(published[0].Body))
	assert.Equal(t, ContentTypeJSON, published[0].Metadata.ContentType)

	d, ok := b.Get("audit")
	require.True(t, ok)
	assert.Equal(t, `{"user_id":123}`, string(d.Body))
	_, ok = b.Get("audit")
	assert.False(t, ok)

	assert.Equal(t, 1, pl.Stats().Available)
	assert.Zero(t, pl.Stats().InUse)
}
