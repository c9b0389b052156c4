package event

import (
	"strings"
	"unicode"
)

// RoutingKeyFor maps an event type name to its wire routing key by
// inserting a dot before every internal uppercase run and lowercasing.
// OrderPlaced becomes order.placed, UserProfileUpdated becomes
// user.profile.updated. Subscribers build their binding patterns against
// this derivation, so it is part of the wire contract and must stay
// stable.
func RoutingKeyFor(eventType string) string {
	runes := []rune(strings.TrimSpace(eventType))

	var builder strings.Builder

	builder.Grow(len(runes) + 4)

	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 && !unicode.IsUpper(runes[i-1]) {
			builder.WriteRune('.')
		}

		builder.WriteRune(unicode.ToLower(r))
	}

	return builder.String()
}
