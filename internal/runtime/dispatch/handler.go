package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/logging"
)

// Acknowledger settles deliveries. broker.Channel implements it.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Consumer string
	Chain    Next
	// Channel settles deliveries. When it also implements Publisher it is
	// attached to the context for middleware that publishes.
	Channel  Acknowledger
	Logger   logging.ServiceLogger
	Reporter ErrorReporter
}

// Handler runs deliveries of one subscription through a consumer chain and
// settles them with the broker.
type Handler struct {
	consumer string
	chain    Next
	channel  Acknowledger
	logger   logging.ServiceLogger
	reporter ErrorReporter
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &Handler{
		consumer: opts.Consumer,
		chain:    opts.Chain,
		channel:  opts.Channel,
		logger:   opts.Logger.With(logging.LogFields{"consumer": opts.Consumer}),
		reporter: opts.Reporter,
	}
}

// Handle processes one delivery and settles it:
//
//	ack     -> Ack(multiple=false)
//	reject  -> Reject(requeue=false)
//	requeue -> Reject(requeue=true)
//	nack    -> Nack(multiple=false, requeue=true)
//
// Errors and panics escaping the chain are logged, reported and treated as
// reject. An invalid result is returned as InvalidConsumerResultError without
// settling the delivery. The returned error is otherwise the broker's answer
// to the settle call.
func (h *Handler) Handle(ctx context.Context, d broker.Delivery) (Result, error) {
	msg := NewMessage(d, h.consumer)
	fields := logging.LogFields{
		"delivery_tag": d.Tag,
		"routing_key":  d.RoutingKey,
		"exchange":     d.Exchange,
	}

	if p, ok := h.channel.(Publisher); ok {
		ctx = ContextWithPublisher(ctx, p)
	}

	result, err := h.run(ctx, msg)

	if err == nil {
		err = CheckResult(result)
	}
	if err != nil && IsInvalidResult(err) {
		h.logger.Error("Consumer returned an invalid result", err, fields)
		h.report(ctx, err, fields)
		return "", err
	}
	if err != nil {
		h.logger.Error("Error processing delivery, rejecting", err, fields)
		h.report(ctx, err, fields)
		result = Reject
	}

	return result, h.settle(d.Tag, result)
}

func (h *Handler) run(ctx context.Context, msg Message) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.chain(ctx, msg)
}

func (h *Handler) settle(tag uint64, result Result) error {
	switch result {
	case Ack:
		return h.channel.Ack(tag, false)
	case Reject:
		return h.channel.Reject(tag, false)
	case Requeue:
		return h.channel.Reject(tag, true)
	case Nack:
		return h.channel.Nack(tag, false, true)
	default:
		return CheckResult(result)
	}
}

func (h *Handler) report(ctx context.Context, err error, fields logging.LogFields) {
	if h.reporter == nil {
		return
	}
	reportFields := logging.LogFields{"consumer": h.consumer}
	for k, v := range fields {
		reportFields[k] = v
	}
	h.reporter(ctx, err, reportFields)
}

// PanicError carries a panic recovered from consumer or middleware code.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
