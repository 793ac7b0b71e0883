// Package projection implements the per-projection runtime of an event-sourced
// store: a lifecycle state machine, an ordered work queue, a partition state
// cache, and the checkpoint-manager contract that together turn a stream of
// committed events into derived state and derived events, checkpointed so
// processing resumes exactly where it left off after a restart.
//
// The runtime owns no goroutine of its own. [Runtime.Handle] is a plain
// synchronous method; the single logical thread of execution is supplied by
// whatever bus/mailbox the caller wires in, per the package's external-bus
// design note.
package projection
