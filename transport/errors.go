package transport

import "errors"

var (
	ErrNotConnected        = errors.New("transport is not connected")
	ErrAlreadyStarted      = errors.New("transport consumer already started")
	ErrNoSubscriptions     = errors.New("no subscriptions registered before start")
	ErrHandlerRequired     = errors.New("subscription handler is required")
	ErrPatternRequired     = errors.New("subscription routing key pattern is required")
	ErrEventRequired       = errors.New("event is required")
	ErrSerializerRequired  = errors.New("serializer is required")
	ErrStartedCannotChange = errors.New("subscriptions cannot change after start")
)
