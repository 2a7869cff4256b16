package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/warren/internal/runtime/dispatch"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/jsoncodec"
	"github.com/drblury/warren/internal/runtime/logging"
)

// JSONMessageContext exposes the decoded payload and the delivery.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageHandler processes a decoded JSON payload.
type JSONMessageHandler[T any] func(ctx context.Context, msg JSONMessageContext[T]) (dispatch.Result, error)

// BuildJSONHandler turns a typed handler into a dispatch consumer. T must be
// a pointer type. A payload already decoded into T by JSONMiddleware is used
// as is; otherwise the raw payload is unmarshalled.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger logging.ServiceLogger) (dispatch.Consumer, error) {
	if handler == nil {
		return nil, werrors.ErrConsumerRequired
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	factory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return dispatch.ConsumerFunc(func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
		typed, ok := msg.Decoded.(T)
		if !ok {
			typed = factory()
			if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
				return dispatch.Reject, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
			}
		}

		return handler(ctx, JSONMessageContext[T]{
			MessageContextBase: MessageContextBase{Message: msg, Logger: logger},
			Payload:            typed,
		})
	}), nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, werrors.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, werrors.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
