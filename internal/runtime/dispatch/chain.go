package dispatch

import (
	"context"
	"fmt"

	"github.com/drblury/warren/internal/runtime/logging"
	"github.com/drblury/warren/internal/runtime/metrics"
	"github.com/drblury/warren/internal/runtime/topology"
)

// Next continues the chain with a (possibly mutated) message.
type Next func(ctx context.Context, msg Message) (Result, error)

// Middleware wraps the processing of a message. It may call next, change the
// message before doing so, post-process the result, or return without
// calling next at all.
type Middleware interface {
	Handle(ctx context.Context, msg Message, next Next) (Result, error)
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(ctx context.Context, msg Message, next Next) (Result, error)

// Handle implements Middleware.
func (f MiddlewareFunc) Handle(ctx context.Context, msg Message, next Next) (Result, error) {
	return f(ctx, msg, next)
}

// Consumer is the terminal step of the chain: the user's business logic.
type Consumer interface {
	Perform(ctx context.Context, msg Message) (Result, error)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, msg Message) (Result, error)

// Perform implements Consumer.
func (f ConsumerFunc) Perform(ctx context.Context, msg Message) (Result, error) {
	return f(ctx, msg)
}

// ErrorReporter receives every error caught at the dispatch boundary.
type ErrorReporter func(ctx context.Context, err error, fields logging.LogFields)

// Env is what a MiddlewareBuilder may use to build a middleware for one
// consumer.
type Env struct {
	Consumer string
	Topology topology.Topology
	Logger   logging.ServiceLogger
	Metrics  *metrics.Metrics
	// Publisher is used when no publisher is attached to the context.
	Publisher Publisher
	Reporter  ErrorReporter
}

// MiddlewareBuilder constructs a middleware for one consumer. Returning a nil
// middleware and nil error skips it.
type MiddlewareBuilder func(Env) (Middleware, error)

// MiddlewareRegistration captures how a middleware is added to a consumer chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// Chain folds middlewares around perform, right to left, so the first
// middleware is the outermost. A result outside the four known values coming
// out of perform is turned into an InvalidConsumerResultError before any
// middleware sees it.
func Chain(perform Consumer, middlewares ...Middleware) Next {
	next := func(ctx context.Context, msg Message) (Result, error) {
		result, err := perform.Perform(ctx, msg)
		if err != nil {
			return result, err
		}
		if err := CheckResult(result); err != nil {
			return "", err
		}
		return result, nil
	}

	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		inner := next
		next = func(ctx context.Context, msg Message) (Result, error) {
			return mw.Handle(ctx, msg, inner)
		}
	}
	return next
}

// Build resolves the registrations against env and folds them around perform.
func Build(env Env, perform Consumer, registrations ...MiddlewareRegistration) (Next, error) {
	if perform == nil {
		return nil, fmt.Errorf("consumer %q: perform is required", env.Consumer)
	}
	if env.Logger == nil {
		env.Logger = logging.NewNopLogger()
	}

	middlewares := make([]Middleware, 0, len(registrations))
	for _, reg := range registrations {
		var mw Middleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			mw, err = reg.Builder(env)
			if err != nil {
				return nil, fmt.Errorf("build middleware %q for consumer %q: %w", reg.Name, env.Consumer, err)
			}
		default:
			return nil, fmt.Errorf("middleware %q has neither Middleware nor Builder", reg.Name)
		}
		if mw == nil {
			continue
		}
		middlewares = append(middlewares, mw)
	}
	return Chain(perform, middlewares...), nil
}
