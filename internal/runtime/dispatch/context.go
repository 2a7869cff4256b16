package dispatch

import (
	"context"

	"github.com/drblury/warren/internal/runtime/broker"
)

// Publisher publishes raw messages. broker.Channel implements it.
type Publisher interface {
	Publish(ctx context.Context, p broker.Publishing) error
}

type publisherKey struct{}

// ContextWithPublisher attaches the publisher of the delivery's channel.
func ContextWithPublisher(ctx context.Context, p Publisher) context.Context {
	return context.WithValue(ctx, publisherKey{}, p)
}

// PublisherFromContext returns the publisher attached by the Handler, or nil.
func PublisherFromContext(ctx context.Context) Publisher {
	p, _ := ctx.Value(publisherKey{}).(Publisher)
	return p
}
