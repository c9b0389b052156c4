package bridge

import "github.com/nexolith/eventflow/event"

// DeriveRoutingKey returns the wire routing key for an event type name.
// See event.RoutingKeyFor for the derivation rules.
func DeriveRoutingKey(eventType string) string {
	return event.RoutingKeyFor(eventType)
}
