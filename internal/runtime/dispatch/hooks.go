package dispatch

import (
	"context"
	"time"

	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metadata"
)

// DeliveryContext provides information about one delivery to hooks.
type DeliveryContext struct {
	// Consumer is the name of the consumer processing the delivery.
	Consumer string
	// Queue is the main queue of the consumer.
	Queue string
	// RoutingKey is the key the message was published with.
	RoutingKey string
	// MessageID is the broker message id, if the publisher set one.
	MessageID string
	Metadata  metadata.Metadata
	Context   context.Context
	StartedAt time.Time
	// Duration is how long the rest of the chain took (only set in OnDone and OnError).
	Duration time.Duration
	// Result is the decision taken (only set in OnDone).
	Result Result
	// RetryCount is how often the message was rejected from the main queue.
	RetryCount int64
}

// DeliveryHooks defines callbacks for delivery lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type DeliveryHooks struct {
	// OnStart is called before the rest of the chain runs.
	OnStart func(ctx DeliveryContext)

	// OnDone is called when the chain returned a result without error.
	OnDone func(ctx DeliveryContext)

	// OnError is called when the chain returned an error.
	OnError func(ctx DeliveryContext, err error)
}

// Merge combines two DeliveryHooks, creating a new DeliveryHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware invokes the hooks around the rest of the chain.
func HooksMiddleware(hooks DeliveryHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "hooks",
		Builder: func(env Env) (Middleware, error) {
			queue := env.Topology.Queue.Name
			return MiddlewareFunc(func(ctx context.Context, msg Message, next Next) (Result, error) {
				dctx := DeliveryContext{
					Consumer:   env.Consumer,
					Queue:      queue,
					RoutingKey: msg.DeliveryInfo.RoutingKey,
					MessageID:  msg.Metadata.MessageID,
					Metadata:   msg.Metadata,
					Context:    ctx,
					StartedAt:  time.Now(),
					RetryCount: msg.DeathCount(queue, "rejected"),
				}

				if hooks.OnStart != nil {
					hooks.OnStart(dctx)
				}

				result, err := next(ctx, msg)
				dctx.Duration = time.Since(dctx.StartedAt)

				if err != nil {
					if hooks.OnError != nil {
						hooks.OnError(dctx, err)
					}
				} else if hooks.OnDone != nil {
					dctx.Result = result
					hooks.OnDone(dctx)
				}
				return result, err
			}), nil
		},
	}
}

// LoggingHooks returns pre-built hooks that log delivery lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnStart: func(ctx DeliveryContext) {
			logger.Info("Delivery started", logging.LogFields{
				"consumer":    ctx.Consumer,
				"queue":       ctx.Queue,
				"message_id":  ctx.MessageID,
				"retry_count": ctx.RetryCount,
			})
		},
		OnDone: func(ctx DeliveryContext) {
			logger.Info("Delivery completed", logging.LogFields{
				"consumer":    ctx.Consumer,
				"queue":       ctx.Queue,
				"message_id":  ctx.MessageID,
				"result":      string(ctx.Result),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnError: func(ctx DeliveryContext, err error) {
			logger.Error("Delivery failed", err, logging.LogFields{
				"consumer":    ctx.Consumer,
				"queue":       ctx.Queue,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"retry_count": ctx.RetryCount,
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on delivery errors.
func AlertingHooks(alertFunc func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{
		OnError: alertFunc,
	}
}
