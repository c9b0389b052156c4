package relay

import "errors"

var (
	ErrStoreRequired     = errors.New("outbox store is required")
	ErrPublisherRequired = errors.New("transport publisher is required")
	ErrRelayRunning      = errors.New("relay is already running")
)
