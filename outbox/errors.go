package outbox

import "errors"

var (
	ErrEntryRequired      = errors.New("outbox entry is required")
	ErrEventIDRequired    = errors.New("outbox event id is required")
	ErrEventTypeRequired  = errors.New("outbox event type is required")
	ErrRoutingKeyRequired = errors.New("outbox routing key is required")
	ErrPayloadRequired    = errors.New("outbox payload is required")
	ErrPayloadTooLarge    = errors.New("outbox payload exceeds maximum allowed size")
	ErrPayloadNotJSON     = errors.New("outbox payload must be valid JSON")
	ErrEntryNotFound      = errors.New("outbox entry not found")
	ErrStoreRequired      = errors.New("outbox store is required")
)
