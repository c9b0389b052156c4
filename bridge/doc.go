// Package bridge connects domain aggregates to the outbox.
//
// Collect drains an aggregate's recorded events and writes one outbox
// entry per event inside the caller's transaction, which keeps the
// business mutation and its events atomic. After commit,
// DispatchCollected can replay the captured events to in-process
// handlers for synchronous side effects like cache invalidation; that
// replay is at-most-once and separate from the durable delivery path the
// relay provides.
package bridge
