package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/warren/internal/runtime/metadata"
)

// DefaultHeartbeat is the AMQP heartbeat negotiated by the amqp dialer.
const DefaultHeartbeat = 10 * time.Second

// AmqpDialFactory opens the underlying amqp091 connection. Tests override it.
var AmqpDialFactory = func(url string, cfg amqp091.Config) (*amqp091.Connection, error) {
	return amqp091.DialConfig(url, cfg)
}

func init() {
	Register("amqp", AMQPDialer{})
	Register("amqps", AMQPDialer{})
}

// AMQPDialer dials RabbitMQ (or any AMQP 0-9-1 broker) with amqp091-go.
type AMQPDialer struct {
	Heartbeat time.Duration
}

// Dial implements Dialer. The name is reported to the broker as the client
// connection name.
func (d AMQPDialer) Dial(ctx context.Context, url, name string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	props := amqp091.NewConnectionProperties()
	if name != "" {
		props.SetClientConnectionName(name)
	}

	conn, err := AmqpDialFactory(url, amqp091.Config{
		Heartbeat:  heartbeat,
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp091.Connection
}

func (c *amqpConnection) Channel(prefetch int) (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("set prefetch %d: %w", prefetch, err)
		}
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type amqpChannel struct {
	ch *amqp091.Channel
}

func (c *amqpChannel) DeclareExchange(name string, opts ExchangeOptions) error {
	kind := opts.Type
	if kind == "" {
		kind = ExchangeTopic
	}
	return c.ch.ExchangeDeclare(name, kind, opts.Durable, opts.AutoDelete, opts.Internal, false, toTable(opts.Arguments))
}

func (c *amqpChannel) DeclareQueue(name string, opts QueueOptions) (Queue, error) {
	q, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, toTable(opts.Arguments))
	if err != nil {
		return nil, err
	}
	return &amqpQueue{ch: c.ch, name: q.Name}, nil
}

func (c *amqpChannel) Publish(ctx context.Context, p Publishing) error {
	md := p.Metadata
	return c.ch.PublishWithContext(ctx, p.Exchange, p.RoutingKey, p.Mandatory, false, amqp091.Publishing{
		Headers:         toTable(md.Headers),
		ContentType:     md.ContentType,
		ContentEncoding: md.ContentEncoding,
		DeliveryMode:    md.DeliveryMode,
		Priority:        md.Priority,
		CorrelationId:   md.CorrelationID,
		ReplyTo:         md.ReplyTo,
		Expiration:      md.Expiration,
		MessageId:       md.MessageID,
		Timestamp:       md.Timestamp,
		Type:            md.Type,
		UserId:          md.UserID,
		AppId:           md.AppID,
		Body:            p.Body,
	})
}

func (c *amqpChannel) Ack(tag uint64, multiple bool) error {
	return c.ch.Ack(tag, multiple)
}

func (c *amqpChannel) Reject(tag uint64, requeue bool) error {
	return c.ch.Reject(tag, requeue)
}

func (c *amqpChannel) Nack(tag uint64, multiple, requeue bool) error {
	return c.ch.Nack(tag, multiple, requeue)
}

func (c *amqpChannel) IsConnected() bool {
	return !c.ch.IsClosed()
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

type amqpQueue struct {
	ch   *amqp091.Channel
	name string
}

func (q *amqpQueue) Name() string { return q.name }

func (q *amqpQueue) Bind(exchange string, opts BindOptions) error {
	return q.ch.QueueBind(q.name, opts.RoutingKey, exchange, false, toTable(opts.Arguments))
}

func (q *amqpQueue) Subscribe(ctx context.Context, consumerTag string, fn DeliveryFunc) (Subscription, error) {
	deliveries, err := q.ch.Consume(q.name, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	sub := &amqpSubscription{
		ch:   q.ch,
		tag:  consumerTag,
		done: make(chan struct{}),
	}
	go sub.run(ctx, deliveries, fn)
	return sub, nil
}

type amqpSubscription struct {
	ch  *amqp091.Channel
	tag string

	mu        sync.Mutex
	cancelled bool
	err       error
	done      chan struct{}
}

func (s *amqpSubscription) run(ctx context.Context, deliveries <-chan amqp091.Delivery, fn DeliveryFunc) {
	defer close(s.done)
	for d := range deliveries {
		fn(ctx, fromAMQPDelivery(d))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.err = fmt.Errorf("subscription %q closed by broker", s.tag)
	}
}

func (s *amqpSubscription) Cancel() error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	s.mu.Unlock()

	if s.ch.IsClosed() {
		return nil
	}
	return s.ch.Cancel(s.tag, false)
}

func (s *amqpSubscription) Done() <-chan struct{} { return s.done }

func (s *amqpSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func fromAMQPDelivery(d amqp091.Delivery) Delivery {
	return Delivery{
		Tag:         d.DeliveryTag,
		ConsumerTag: d.ConsumerTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Body:        d.Body,
		Metadata: metadata.Metadata{
			Headers:         fromTable(d.Headers),
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			MessageID:       d.MessageId,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			Type:            d.Type,
			AppID:           d.AppId,
			UserID:          d.UserId,
			Timestamp:       d.Timestamp,
			Priority:        d.Priority,
			DeliveryMode:    d.DeliveryMode,
		},
	}
}

// fromTable converts broker tables to plain maps, recursively, so the rest of
// the framework never depends on amqp091 types.
func fromTable(t amqp091.Table) metadata.Headers {
	if t == nil {
		return nil
	}
	h := make(metadata.Headers, len(t))
	for k, v := range t {
		h[k] = fromField(v)
	}
	return h
}

func fromField(v any) any {
	switch fv := v.(type) {
	case amqp091.Table:
		return map[string]any(fromTable(fv))
	case []any:
		out := make([]any, len(fv))
		for i, item := range fv {
			out[i] = fromField(item)
		}
		return out
	default:
		return v
	}
}

func toTable(m map[string]any) amqp091.Table {
	if m == nil {
		return nil
	}
	t := make(amqp091.Table, len(m))
	for k, v := range m {
		t[k] = toField(v)
	}
	return t
}

func toField(v any) any {
	switch fv := v.(type) {
	case map[string]any:
		return toTable(fv)
	case metadata.Headers:
		return toTable(fv)
	case []any:
		out := make([]any, len(fv))
		for i, item := range fv {
			out[i] = toField(item)
		}
		return out
	case []string:
		out := make([]any, len(fv))
		for i, item := range fv {
			out[i] = item
		}
		return out
	case uint:
		return int64(fv)
	case uint16:
		return int32(fv)
	case uint32:
		return int64(fv)
	case uint64:
		return int64(fv)
	default:
		return v
	}
}
