package bridge

import "errors"

var (
	ErrStoreRequired      = errors.New("outbox store is required")
	ErrSerializerRequired = errors.New("serializer is required")
	ErrEventRequired      = errors.New("event is required")
	ErrAggregateRequired  = errors.New("aggregate is required")
	ErrEventTypeRequired  = errors.New("event type is required")
	ErrHandlerRequired    = errors.New("handler is required")
)
