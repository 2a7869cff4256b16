// Package handlers adapts typed functions into dispatch consumers that decode
// the payload before calling user code.
package handlers

import (
	"github.com/drblury/warren/internal/runtime/dispatch"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metadata"
)

// MessageContextBase provides common functionality for all message context types.
type MessageContextBase struct {
	Message dispatch.Message
	Logger  logging.ServiceLogger
}

// Metadata returns the AMQP properties of the delivery.
func (b MessageContextBase) Metadata() metadata.Metadata {
	return b.Message.Metadata
}

// CloneMetadata returns a copy of the metadata whose headers can be mutated,
// e.g. to forward them on an outgoing publish.
func (b MessageContextBase) CloneMetadata() metadata.Metadata {
	return b.Message.Metadata.Clone()
}

// Get retrieves a string header by key.
func (b MessageContextBase) Get(key string) string {
	return b.Message.Metadata.Headers.String(key)
}

func (b MessageContextBase) CorrelationID() string {
	return b.Message.Metadata.CorrelationID
}

func (b MessageContextBase) MessageID() string {
	return b.Message.Metadata.MessageID
}

// RoutingKey is the key the message was published with.
func (b MessageContextBase) RoutingKey() string {
	return b.Message.DeliveryInfo.RoutingKey
}

// Redelivered reports whether the broker delivered the message before.
func (b MessageContextBase) Redelivered() bool {
	return b.Message.DeliveryInfo.Redelivered
}

// RetryCount is how often the message was rejected from queue.
func (b MessageContextBase) RetryCount(queue string) int64 {
	return b.Message.DeathCount(queue, "rejected")
}
