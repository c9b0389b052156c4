// Package postgres implements the outbox store on PostgreSQL.
//
// The schema keeps one row per event with a boolean published flag and a
// retry counter instead of a status machine. GetPending combines
// FOR UPDATE SKIP LOCKED with a claimed_at lease: concurrent relays never
// select the same batch, and claims held by a crashed relay expire after
// the configured TTL. Delivery therefore stays at-least-once and
// consumers deduplicate on event id.
package postgres
