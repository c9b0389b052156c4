// Package outbox provides the transactional outbox storage model: the
// durable entry written in the same transaction as the business mutation
// it describes, the store contract the relay drains, and the entry
// lifecycle from pending through published or exhausted.
package outbox
