package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSentinelErrorsArePrefixed(t *testing.T) {
	sentinels := []error{
		ErrConfigRequired,
		ErrLoggerRequired,
		ErrNoConsumers,
		ErrUnknownConsumer,
		ErrDuplicateConsumer,
		ErrConsumerRequired,
		ErrUnknownScheme,
		ErrPoolTimeout,
		ErrPoolShutdown,
		ErrProcessNotFound,
		ErrPidfileLocked,
		ErrPublisherRequired,
		ErrExchangeRequired,
		ErrPayloadRequired,
		ErrWorkerDefinitionMissing,
	}
	for _, err := range sentinels {
		if !strings.HasPrefix(err.Error(), "warren: ") {
			t.Errorf("expected warren prefix, got %q", err.Error())
		}
	}
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("queue", "name is required")
	if got := err.Error(); got != "warren: configuration error: queue: name is required" {
		t.Fatalf("unexpected message %q", got)
	}

	wrapped := fmt.Errorf("boot: %w", err)
	if !IsConfigurationError(wrapped) {
		t.Fatal("expected wrapped configuration error to be detected")
	}

	var cfgErr *ConfigurationError
	if !errors.As(wrapped, &cfgErr) || cfgErr.Field != "queue" {
		t.Fatalf("expected field to survive wrapping, got %#v", cfgErr)
	}

	bare := &ConfigurationError{Reason: "threads must be positive"}
	if got := bare.Error(); got != "warren: configuration error: threads must be positive" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestInvalidConsumerResultErrorNamesValue(t *testing.T) {
	err := &InvalidConsumerResultError{Value: "blorg"}
	if !strings.Contains(err.Error(), `"blorg"`) {
		t.Fatalf("expected offending value in message, got %q", err.Error())
	}
}

func TestBrokerUnavailableErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("worker boot: %w", &BrokerUnavailableError{URL: "amqp://localhost", Err: cause})

	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if !IsBrokerUnavailable(err) {
		t.Fatal("expected broker unavailable classification")
	}
	if IsBrokerUnavailable(cause) {
		t.Fatal("plain error must not be classified as broker unavailable")
	}
	if !strings.Contains(err.Error(), "amqp://localhost") {
		t.Fatalf("expected url in message, got %q", err.Error())
	}
}
