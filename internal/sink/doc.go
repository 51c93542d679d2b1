// Package sink adapts scheduler events to their consumers: the in-process
// event bus, the run-history store and an AMQP exchange.
//
// Sinks that do I/O are queued: Emit only enqueues and a Run loop, owned by
// the caller's supervisor, drains the queue.
package sink
