package producer

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/pool"
	"github.com/drblury/warren/internal/runtime/topology"
)

// Publisher sends one message to an exchange, declaring it first.
type Publisher interface {
	Publish(ctx context.Context, exchange topology.ExchangeSpec, p broker.Publishing) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, exchange topology.ExchangeSpec, p broker.Publishing) error

func (f PublisherFunc) Publish(ctx context.Context, exchange topology.ExchangeSpec, p broker.Publishing) error {
	return f(ctx, exchange, p)
}

// PoolPublisher publishes on connections borrowed from a pool, one channel
// per publish.
type PoolPublisher struct {
	Pool *pool.Pool
}

// NewPoolPublisher creates a PoolPublisher.
func NewPoolPublisher(p *pool.Pool) *PoolPublisher {
	return &PoolPublisher{Pool: p}
}

func (pp *PoolPublisher) Publish(ctx context.Context, exchange topology.ExchangeSpec, p broker.Publishing) error {
	return pp.Pool.With(ctx, func(conn broker.Connection) (err error) {
		ch, err := conn.Channel(0)
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		defer func() {
			err = errors.Join(err, ch.Close())
		}()

		if exchange.Name != "" {
			if err := ch.DeclareExchange(exchange.Name, exchange.Options); err != nil {
				return fmt.Errorf("declare exchange %q: %w", exchange.Name, err)
			}
		}
		return ch.Publish(ctx, p)
	})
}
