// Package broker defines the broker capability the framework is built on:
// connections, channels, queues and subscriptions. Concrete dialers register
// themselves by URL scheme.
package broker

import (
	"context"

	"github.com/drblury/warren/internal/runtime/metadata"
)

// Exchange types understood by AMQP brokers.
const (
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeTopic   = "topic"
	ExchangeHeaders = "headers"
)

// ExchangeOptions configures an exchange declaration.
type ExchangeOptions struct {
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  map[string]any
}

// QueueOptions configures a queue declaration.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  map[string]any
}

// BindOptions configures one queue binding.
type BindOptions struct {
	RoutingKey string
	Arguments  map[string]any
}

// Publishing is an outgoing message.
type Publishing struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Metadata   metadata.Metadata
	Body       []byte
}

// Delivery is one message handed to a subscription.
type Delivery struct {
	Tag         uint64
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Metadata    metadata.Metadata
	Body        []byte
}

// DeliveryFunc is invoked once per delivery, sequentially within a subscription.
type DeliveryFunc func(ctx context.Context, d Delivery)

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url, name string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url, name string) (Connection, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url, name string) (Connection, error) {
	return f(ctx, url, name)
}

// Connection is a live broker connection.
type Connection interface {
	// Channel opens a channel limited to prefetch unacknowledged deliveries.
	// Zero leaves the broker default in place.
	Channel(prefetch int) (Channel, error)
	IsConnected() bool
	Close() error
}

// Channel is a lightweight session multiplexed over a Connection.
type Channel interface {
	DeclareExchange(name string, opts ExchangeOptions) error
	DeclareQueue(name string, opts QueueOptions) (Queue, error)
	Publish(ctx context.Context, p Publishing) error
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	Nack(tag uint64, multiple, requeue bool) error
	IsConnected() bool
	Close() error
}

// Queue is a declared queue on a Channel.
type Queue interface {
	Name() string
	Bind(exchange string, opts BindOptions) error
	Subscribe(ctx context.Context, consumerTag string, fn DeliveryFunc) (Subscription, error)
}

// Subscription is an active consumer on a queue.
type Subscription interface {
	// Cancel stops new deliveries. The delivery being handled, if any, is
	// allowed to finish; Done is closed afterwards.
	Cancel() error
	Done() <-chan struct{}
	// Err reports why the subscription ended. It is nil after Cancel.
	Err() error
}
