package dispatch

import (
	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/metadata"
)

// DeliveryInfo identifies one broker delivery. It never changes while the
// message travels through the middleware chain.
type DeliveryInfo struct {
	Tag         uint64
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	Redelivered bool
}

// Message is one delivery as seen by middleware and consumers. It is passed by
// value; use Mutate to derive a modified copy.
type Message struct {
	DeliveryInfo DeliveryInfo
	Metadata     metadata.Metadata
	Payload      []byte
	// Decoded holds the payload after a decoding middleware ran.
	Decoded any
	// Consumer names the consumer handling the message, for diagnostics.
	Consumer string
}

// NewMessage wraps a broker delivery.
func NewMessage(d broker.Delivery, consumer string) Message {
	return Message{
		DeliveryInfo: DeliveryInfo{
			Tag:         d.Tag,
			ConsumerTag: d.ConsumerTag,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			Redelivered: d.Redelivered,
		},
		Metadata: d.Metadata,
		Payload:  d.Body,
		Consumer: consumer,
	}
}

// Mutation changes selected fields of a message copy.
type Mutation func(*Message)

// WithPayload replaces the raw payload.
func WithPayload(p []byte) Mutation {
	return func(m *Message) { m.Payload = p }
}

// WithDecoded sets the decoded payload.
func WithDecoded(v any) Mutation {
	return func(m *Message) { m.Decoded = v }
}

// WithHeader sets one header.
func WithHeader(key string, value any) Mutation {
	return func(m *Message) { m.Metadata.Headers = m.Metadata.Headers.With(key, value) }
}

// WithConsumer replaces the consumer tag used for diagnostics.
func WithConsumer(name string) Mutation {
	return func(m *Message) { m.Consumer = name }
}

// Mutate returns a copy of m with the mutations applied. The delivery info is
// restored afterwards so the acknowledgement always targets the original
// delivery, and m itself is left untouched.
func (m Message) Mutate(mutations ...Mutation) Message {
	out := m
	out.Metadata = m.Metadata.Clone()
	for _, mutate := range mutations {
		mutate(&out)
	}
	out.DeliveryInfo = m.DeliveryInfo
	return out
}

// DeathCount returns how many times the message was dead-lettered from queue
// for one of the given reasons.
func (m Message) DeathCount(queue string, reasons ...string) int64 {
	return m.Metadata.Headers.DeathCount(queue, reasons...)
}
