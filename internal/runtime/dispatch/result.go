package dispatch

import (
	"errors"

	werrors "github.com/drblury/warren/internal/runtime/errors"
)

// Result is the terminal decision for a delivery.
type Result string

const (
	// Ack acknowledges the delivery.
	Ack Result = "ack"
	// Reject rejects without requeueing; the queue's dead-letter wiring applies.
	Reject Result = "reject"
	// Requeue rejects and puts the delivery back on the queue.
	Requeue Result = "requeue"
	// Nack negatively acknowledges and requeues.
	Nack Result = "nack"
)

// Valid reports whether r is one of the four known results.
func (r Result) Valid() bool {
	switch r {
	case Ack, Reject, Requeue, Nack:
		return true
	default:
		return false
	}
}

func (r Result) String() string { return string(r) }

// CheckResult returns an InvalidConsumerResultError naming r when it is not a
// known result.
func CheckResult(r Result) error {
	if r.Valid() {
		return nil
	}
	return &werrors.InvalidConsumerResultError{Value: string(r)}
}

// IsInvalidResult reports whether err is (or wraps) an InvalidConsumerResultError.
func IsInvalidResult(err error) bool {
	var target *werrors.InvalidConsumerResultError
	return errors.As(err, &target)
}
