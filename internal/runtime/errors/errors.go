package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired          = sterrors.New("warren: configuration is required")
	ErrLoggerRequired          = sterrors.New("warren: logger is required")
	ErrNoConsumers             = sterrors.New("warren: at least one consumer must be configured")
	ErrUnknownConsumer         = sterrors.New("warren: unknown consumer")
	ErrDuplicateConsumer       = sterrors.New("warren: consumer already registered")
	ErrConsumerRequired        = sterrors.New("warren: consumer implementation is required")
	ErrUnknownScheme           = sterrors.New("warren: no broker dialer registered for URL scheme")
	ErrPoolTimeout             = sterrors.New("warren: timed out acquiring connection from pool")
	ErrPoolShutdown            = sterrors.New("warren: connection pool is shut down")
	ErrProcessNotFound         = sterrors.New("warren: process not found in registry")
	ErrPidfileLocked           = sterrors.New("warren: pidfile is held by a running process")
	ErrPublisherRequired       = sterrors.New("warren: publisher is required")
	ErrExchangeRequired        = sterrors.New("warren: exchange is required")
	ErrPayloadRequired         = sterrors.New("warren: payload is required")
	ErrWorkerDefinitionMissing = sterrors.New("warren: worker definition is missing")
	ErrMessageTypeRequired     = sterrors.New("warren: message type is required")
	ErrMessagePointerNeeded    = sterrors.New("warren: message type must be a pointer")
)

// ConfigurationError reports a missing or invalid configuration value. It is
// always fatal at topology-build or boot time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "warren: configuration error: " + e.Reason
	}
	return fmt.Sprintf("warren: configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for the supplied field.
func NewConfigurationError(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// IsConfigurationError reports whether err (or anything it wraps) is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return sterrors.As(err, &target)
}

// InvalidConsumerResultError is returned when a consumer or middleware yields
// anything other than ack, reject, requeue or nack.
type InvalidConsumerResultError struct {
	Value any
}

func (e *InvalidConsumerResultError) Error() string {
	return fmt.Sprintf("warren: invalid consumer result %q: must be one of ack, reject, requeue, nack", fmt.Sprint(e.Value))
}

// BrokerUnavailableError wraps a connection or authentication failure against the broker.
type BrokerUnavailableError struct {
	URL string
	Err error
}

func (e *BrokerUnavailableError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("warren: broker unavailable: %v", e.Err)
	}
	return fmt.Sprintf("warren: broker unavailable at %s: %v", e.URL, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }

// IsBrokerUnavailable reports whether err (or anything it wraps) is a BrokerUnavailableError.
func IsBrokerUnavailable(err error) bool {
	var target *BrokerUnavailableError
	return sterrors.As(err, &target)
}
