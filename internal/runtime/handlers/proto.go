package handlers

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/warren/internal/runtime/dispatch"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/logging"
)

// ProtoMessageContext provides strongly typed access to the incoming message payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageHandler processes a decoded protobuf payload.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, msg ProtoMessageContext[T]) (dispatch.Result, error)

// BuildProtoHandler turns a typed handler into a dispatch consumer. Payloads
// with a protobuf content type are decoded from the binary wire format,
// everything else as protojson.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger logging.ServiceLogger) (dispatch.Consumer, error) {
	if handler == nil {
		return nil, werrors.ErrConsumerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return dispatch.ConsumerFunc(func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return dispatch.Reject, err
		}
		if err := unmarshalProto(msg, typed); err != nil {
			return dispatch.Reject, fmt.Errorf("failed to unmarshal %T payload: %w", prototype, err)
		}

		return handler(ctx, ProtoMessageContext[T]{
			MessageContextBase: MessageContextBase{Message: msg, Logger: logger},
			Payload:            typed,
		})
	}), nil
}

func unmarshalProto(msg dispatch.Message, target proto.Message) error {
	if strings.Contains(msg.Metadata.ContentType, "protobuf") {
		return proto.Unmarshal(msg.Payload, target)
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(msg.Payload, target)
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type when
// candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, werrors.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, werrors.ErrMessagePointerNeeded
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}
	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
