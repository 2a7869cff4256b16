/*
Package runtime wires the warren framework together and decides what the
current OS process does.

# Architecture Overview

A warren application is one binary started once. The first process becomes
the supervisor: it groups the registered consumers by worker name, freezes one
worker definition per group and re-executes the binary once per definition.
A re-executed process finds its definition in WARREN_WORKER_DEFINITION and
runs as a worker: it holds a connection pool, subscribes one thread per
consumer thread setting and dispatches every delivery through the consumer's
middleware chain.

# Package Structure

## Core Service (service.go)

The Service struct holds the configuration, the consumer registry, the worker
factories and the producers, and Start runs the process in its role.

## Status API (webui.go, resources.go)

When the web UI is enabled the supervisor serves /api/consumers and
/api/status, listing the supervised workers, the process registry and a
coarse resource usage sample.

# Sub-packages

  - broker/: Broker capability, dialer registry, AMQP adapter and boot probe
  - broker/brokertest/: In-memory broker for tests and memory:// URLs
  - config/: Framework configuration with validation and YAML loading
  - consumer/: Consumer definitions and their registry
  - dispatch/: Message, results, middleware chain and delivery handler
  - errors/: Sentinel errors and error types
  - handlers/: Typed JSON and protobuf consumers
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message properties, headers and death history
  - metrics/: Prometheus collectors
  - pool/: Connection pool
  - producer/: Publishing and the publish switch
  - registry/: Process registry, heartbeats and pruning
  - supervisor/: Worker process supervision
  - topology/: Exchange and queue topology built from consumer options
  - worker/: Worker definitions and the worker process runtime

# Usage Example

	svc, err := warren.NewService(cfg, logger, warren.ServiceDependencies{})
	if err != nil {
		return err
	}

	svc.RegisterConsumer(warren.ConsumerDefinition{
		Name: "orders",
		Config: map[string]any{
			"exchange":    "events",
			"queue":       "orders",
			"routing_key": "orders.*",
			"retry_queue": map[string]any{"delay": 5000},
			"error_queue": true,
			"worker":      map[string]any{"name": "billing", "threads": 2},
		},
		Perform: processOrder,
	})

	return svc.Start(ctx)
*/
package runtime
