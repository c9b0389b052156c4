package rabbitmq

import "errors"

var (
	ErrURLRequired    = errors.New("rabbitmq connection url is required")
	ErrPublishNacked  = errors.New("message was nacked by broker")
	ErrConfirmTimeout = errors.New("confirmation timed out")
	ErrConfirmsClosed = errors.New("confirmation channel closed")
)
