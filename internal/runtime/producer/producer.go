// Package producer publishes messages to exchanges. Every publish goes
// through a Switch, so tests and maintenance windows can turn publishing off
// per producer or per exchange without touching call sites.
package producer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/warren/internal/runtime/broker"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/ids"
	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metadata"
	"github.com/drblury/warren/internal/runtime/metrics"
	"github.com/drblury/warren/internal/runtime/topology"
)

// Definition names a producer and the exchange it publishes to. The
// exchange follows the same rules as a consumer exchange.
type Definition struct {
	Name     string
	Exchange topology.Resource
}

// Options wires a producer to its collaborators.
type Options struct {
	Publisher Publisher
	// Switch defaults to DefaultSwitch.
	Switch  *Switch
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
}

// PublishOptions are per-message settings.
type PublishOptions struct {
	RoutingKey string
	Headers    metadata.Headers
	// MessageID defaults to a new ULID.
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Type          string
	// ContentType overrides the type derived from the payload.
	ContentType string
	// Expiration is a per-message TTL.
	Expiration time.Duration
	Persistent bool
	Priority   uint8
	Mandatory  bool
}

// Producer publishes to one exchange.
type Producer struct {
	name      string
	exchange  topology.ExchangeSpec
	publisher Publisher
	sw        *Switch
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
}

// New resolves the definition and creates a Producer.
func New(def Definition, opts Options) (*Producer, error) {
	if def.Name == "" {
		return nil, werrors.NewConfigurationError("name", "producer name is required")
	}
	if !def.Exchange.Enabled {
		return nil, fmt.Errorf("producer %q: %w", def.Name, werrors.ErrExchangeRequired)
	}
	exchange, err := topology.BuildExchange(def.Exchange)
	if err != nil {
		return nil, fmt.Errorf("producer %q: %w", def.Name, err)
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("producer %q: %w", def.Name, werrors.ErrPublisherRequired)
	}
	if opts.Switch == nil {
		opts.Switch = DefaultSwitch
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	return &Producer{
		name:      def.Name,
		exchange:  exchange,
		publisher: opts.Publisher,
		sw:        opts.Switch,
		logger:    opts.Logger.With(logging.LogFields{"producer": def.Name, "exchange": exchange.Name}),
		metrics:   opts.Metrics,
	}, nil
}

// Name returns the producer name.
func (p *Producer) Name() string { return p.name }

// Exchange returns the resolved exchange.
func (p *Producer) Exchange() topology.ExchangeSpec { return p.exchange }

// Enabled reports whether publishes currently reach the broker.
func (p *Producer) Enabled() bool {
	return p.sw.Enabled(p.name, p.exchange.Name)
}

// Publish encodes payload and sends it. When the producer or its exchange is
// disabled the call succeeds without contacting the broker.
func (p *Producer) Publish(ctx context.Context, payload any, opts PublishOptions) error {
	if !p.Enabled() {
		p.metrics.RecordPublish(p.exchange.Name, true)
		p.logger.Trace("Publishing disabled, dropping message", logging.LogFields{"routing_key": opts.RoutingKey})
		return nil
	}

	publishing, err := p.build(payload, opts)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("github.com/drblury/warren/producer").Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", p.exchange.Name),
			attribute.String("messaging.routing_key", opts.RoutingKey),
			attribute.String("messaging.message_id", publishing.Metadata.MessageID),
		),
	)
	defer span.End()
	otel.GetTextMapPropagator().Inject(ctx, metadata.HeaderCarrier(publishing.Metadata.Headers))

	if err := p.publisher.Publish(ctx, p.exchange, publishing); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("Failed to publish message", err, logging.LogFields{
			"routing_key": opts.RoutingKey,
			"message_id":  publishing.Metadata.MessageID,
		})
		return fmt.Errorf("producer %q: publish: %w", p.name, err)
	}

	p.metrics.RecordPublish(p.exchange.Name, false)
	p.logger.Debug("Published message", logging.LogFields{
		"routing_key": opts.RoutingKey,
		"message_id":  publishing.Metadata.MessageID,
	})
	return nil
}

func (p *Producer) build(payload any, opts PublishOptions) (broker.Publishing, error) {
	body, contentType, err := Encode(payload)
	if err != nil {
		return broker.Publishing{}, fmt.Errorf("producer %q: %w", p.name, err)
	}
	if opts.ContentType != "" {
		contentType = opts.ContentType
	}
	if opts.MessageID == "" {
		opts.MessageID = ids.CreateULID()
	}

	md := metadata.Metadata{
		Headers:       opts.Headers.Clone(),
		ContentType:   contentType,
		MessageID:     opts.MessageID,
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		Type:          opts.Type,
		Timestamp:     time.Now(),
		Priority:      opts.Priority,
	}
	if opts.Expiration > 0 {
		md.Expiration = fmt.Sprintf("%d", opts.Expiration.Milliseconds())
	}
	if opts.Persistent {
		md.DeliveryMode = metadata.DeliveryModePersistent
	}

	return broker.Publishing{
		Exchange:   p.exchange.Name,
		RoutingKey: opts.RoutingKey,
		Mandatory:  opts.Mandatory,
		Metadata:   md,
		Body:       body,
	}, nil
}
