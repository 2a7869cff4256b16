// Package warren runs AMQP consumers in supervised worker processes.
//
// An application registers consumers, each described by a small declarative
// option map (exchange, queue, routing_key, bind, retry_queue, error_queue,
// prefetch, worker), and calls Service.Start. The first process becomes the
// supervisor: it checks that the broker is reachable, groups the consumers by
// worker name and starts one OS process per group by re-executing the
// binary. Workers that die are replaced from the same frozen definition.
// SIGTERM or SIGINT stops the workers gracefully, escalating to SIGQUIT after
// Config.ShutdownTimeout; SIGQUIT stops them immediately.
//
// # Dispatch
//
// Every delivery runs through the consumer's middleware chain and ends in a
// Result: Ack, Reject, Requeue or Nack. Errors and panics escaping the chain
// reject the delivery, so a poison message is dead-lettered instead of
// redelivered forever. Retries are opt-in through a retry queue that
// dead-letters back to the main queue after a delay, optionally capped by
// MaxRetryMiddleware which moves messages to the error queue.
//
// # Processes
//
// Supervisor and workers record themselves in a process registry (SQLite by
// default, PostgreSQL or in-memory on request) and heartbeat periodically.
// The supervisor prunes records that stopped heartbeating; a worker whose
// record was pruned stops itself.
//
// # Publishing
//
// Producers publish strings as text/plain and everything else as JSON. A
// Switch turns publishing off per producer or per exchange, which makes
// publish calls silent no-ops in tests.
package warren
