package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/warren/internal/runtime/broker"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/jsoncodec"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metadata"
)

// Headers added to messages redirected to an error queue.
const (
	HeaderError      = "x-warren-error"
	HeaderRetryCount = "x-warren-retry-count"
	HeaderConsumer   = "x-warren-consumer"
)

// DefaultMiddlewares returns the chain every consumer gets unless it
// configures its own: tracing, metrics, logging and panic recovery.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracingMiddleware(),
		MetricsMiddleware(),
		LoggingMiddleware(nil),
		RecoverMiddleware(),
	}
}

// RecoverMiddleware converts panics further down the chain into errors.
func RecoverMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recover",
		Middleware: MiddlewareFunc(func(ctx context.Context, msg Message, next Next) (result Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r, Stack: debug.Stack()}
				}
			}()
			return next(ctx, msg)
		}),
	}
}

// LoggingMiddleware logs each delivery at debug level and logs errors before
// passing them on unchanged. A nil logger uses the consumer's logger.
func LoggingMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "logging",
		Builder: func(env Env) (Middleware, error) {
			l := logger
			if l == nil {
				l = env.Logger
			}
			if l == nil {
				return nil, werrors.ErrLoggerRequired
			}
			l = l.With(logging.LogFields{"consumer": env.Consumer})

			return MiddlewareFunc(func(ctx context.Context, msg Message, next Next) (Result, error) {
				fields := logging.LogFields{
					"delivery_tag": msg.DeliveryInfo.Tag,
					"routing_key":  msg.DeliveryInfo.RoutingKey,
					"message_id":   msg.Metadata.MessageID,
					"redelivered":  msg.DeliveryInfo.Redelivered,
				}
				l.Debug("Processing delivery", fields)

				result, err := next(ctx, msg)
				if err != nil {
					l.Error("Delivery failed", err, fields)
					return result, err
				}
				fields["result"] = string(result)
				l.Debug("Delivery processed", fields)
				return result, nil
			}), nil
		},
	}
}

// JSONConfig configures JSONMiddleware.
type JSONConfig struct {
	// Target returns a fresh value to decode into. Nil decodes into
	// map[string]any (or []any for arrays).
	Target func() any
	// OnError is returned when the payload is not valid JSON. Defaults to Reject.
	OnError Result
}

// JSONMiddleware decodes the payload and passes the decoded value on in
// Message.Decoded. Undecodable payloads short-circuit with the configured
// result without reaching the consumer.
func JSONMiddleware(cfg JSONConfig) MiddlewareRegistration {
	if cfg.OnError == "" {
		cfg.OnError = Reject
	}
	return MiddlewareRegistration{
		Name: "json",
		Builder: func(env Env) (Middleware, error) {
			if err := CheckResult(cfg.OnError); err != nil {
				return nil, err
			}
			logger := env.Logger
			return MiddlewareFunc(func(ctx context.Context, msg Message, next Next) (Result, error) {
				decoded, err := decodeJSON(msg.Payload, cfg.Target)
				if err != nil {
					logger.Error("Failed to decode JSON payload", err, logging.LogFields{
						"consumer":     env.Consumer,
						"delivery_tag": msg.DeliveryInfo.Tag,
						"content_type": msg.Metadata.ContentType,
						"on_error":     string(cfg.OnError),
					})
					return cfg.OnError, nil
				}
				return next(ctx, msg.Mutate(WithDecoded(decoded)))
			}), nil
		},
	}
}

func decodeJSON(payload []byte, target func() any) (any, error) {
	if target == nil {
		return jsoncodec.DecodeAny(payload)
	}
	v := target()
	if err := jsoncodec.Unmarshal(payload, v); err != nil {
		return nil, err
	}
	return v, nil
}

// MaxRetryConfig configures MaxRetryMiddleware.
type MaxRetryConfig struct {
	// MaxRetries is how many times a failed delivery goes through the retry
	// queue before it is moved to the error queue. Defaults to 5.
	MaxRetries int64
}

// MaxRetryMiddleware counts how often a delivery was rejected from the main
// queue, using the broker's x-death header. While the count is below the
// limit a failure rejects the delivery so the retry queue brings it back
// after the delay. Once the limit is reached the delivery is published to the
// error queue and acknowledged. The consumer's topology must have an error
// queue.
func MaxRetryMiddleware(cfg MaxRetryConfig) MiddlewareRegistration {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return MiddlewareRegistration{
		Name: "max_retry",
		Builder: func(env Env) (Middleware, error) {
			if env.Topology.ErrorQueue == nil {
				return nil, werrors.NewConfigurationError("error_queue", fmt.Sprintf("consumer %q uses max retry without an error queue", env.Consumer))
			}
			errorQueue := env.Topology.ErrorQueue.Name
			mainQueue := env.Topology.Queue.Name

			return MiddlewareFunc(func(ctx context.Context, msg Message, next Next) (Result, error) {
				result, err := next(ctx, msg)
				if err == nil && result != Reject {
					return result, err
				}
				if IsInvalidResult(err) {
					return result, err
				}

				retries := msg.DeathCount(mainQueue, "rejected")
				if retries < cfg.MaxRetries {
					return Reject, err
				}

				if pubErr := redirect(ctx, env, msg, errorQueue, retries, err); pubErr != nil {
					return Reject, errors.Join(err, pubErr)
				}
				fields := logging.LogFields{
					"consumer":     env.Consumer,
					"error_queue":  errorQueue,
					"retry_count":  retries,
					"delivery_tag": msg.DeliveryInfo.Tag,
				}
				if err != nil {
					env.Logger.Error("Retries exhausted, moved delivery to error queue", err, fields)
				} else {
					env.Logger.Info("Retries exhausted, moved delivery to error queue", fields)
				}
				env.Metrics.RecordErrorQueue(env.Consumer, errorQueue, retries)
				return Ack, nil
			}), nil
		},
	}
}

func redirect(ctx context.Context, env Env, msg Message, queue string, retries int64, cause error) error {
	pub := PublisherFromContext(ctx)
	if pub == nil {
		pub = env.Publisher
	}
	if pub == nil {
		return werrors.ErrPublisherRequired
	}

	md := msg.Metadata.Clone()
	extra := metadata.Headers{
		HeaderRetryCount: retries,
		HeaderConsumer:   env.Consumer,
	}
	if cause != nil {
		extra[HeaderError] = cause.Error()
	}
	md.Headers = md.Headers.WithAll(extra)

	return pub.Publish(ctx, broker.Publishing{
		Exchange:   "",
		RoutingKey: queue,
		Metadata:   md,
		Body:       msg.Payload,
	})
}

// TracingMiddleware wraps each delivery in an OpenTelemetry span, continuing
// the trace propagated in the message headers.
func TracingMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracing",
		Builder: func(env Env) (Middleware, error) {
			tracer := otel.Tracer("github.com/drblury/warren/dispatch")
			return MiddlewareFunc(func(ctx context.Context, msg Message, next Next) (Result, error) {
				carrier := metadata.HeaderCarrier(msg.Metadata.Headers)
				ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
				ctx, span := tracer.Start(ctx, "ProcessDelivery", trace.WithSpanKind(trace.SpanKindConsumer))
				defer span.End()

				span.SetAttributes(
					attribute.String("messaging.system", "rabbitmq"),
					attribute.String("messaging.consumer", env.Consumer),
					attribute.String("messaging.destination", msg.DeliveryInfo.Exchange),
					attribute.String("messaging.routing_key", msg.DeliveryInfo.RoutingKey),
					attribute.String("messaging.message_id", msg.Metadata.MessageID),
					attribute.Int64("messaging.delivery_tag", int64(msg.DeliveryInfo.Tag)),
				)

				result, err := next(ctx, msg)
				span.SetAttributes(attribute.String("warren.result", string(result)))
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return result, err
			}), nil
		},
	}
}

// MetricsMiddleware records per-result counts, errors and the time spent in
// the rest of the chain. It is skipped when no metrics are configured.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(env Env) (Middleware, error) {
			if env.Metrics == nil {
				return nil, nil
			}
			m := env.Metrics
			return MiddlewareFunc(func(ctx context.Context, msg Message, next Next) (Result, error) {
				start := time.Now()
				result, err := next(ctx, msg)
				took := time.Since(start)

				switch {
				case IsInvalidResult(err):
					m.RecordDeliveryError(env.Consumer)
					m.RecordDelivery(env.Consumer, "invalid", took)
				case err != nil:
					// The handler rejects deliveries whose chain failed.
					m.RecordDeliveryError(env.Consumer)
					m.RecordDelivery(env.Consumer, string(Reject), took)
				default:
					m.RecordDelivery(env.Consumer, string(result), took)
				}
				return result, err
			}), nil
		},
	}
}
