package codec

import (
	"errors"
	"fmt"
)

var (
	ErrEventRequired            = errors.New("event is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrFactoryRequired          = errors.New("event factory is required")
	ErrFactoryAlreadyRegistered = errors.New("event factory already registered")
	ErrMalformedEnvelope        = errors.New("malformed envelope bytes")
)

// DecodeError reports that wire bytes could not be parsed into an
// envelope. It is fatal for that single message only and must never
// crash a consumer loop; callers should route Raw to an error sink.
type DecodeError struct {
	Raw []byte
	Err error
}

// Error returns the formatted decode failure message.
func (decodeErr *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %v", decodeErr.Err)
}

// Unwrap exposes ErrMalformedEnvelope and the underlying parse error to
// errors.Is / errors.As.
func (decodeErr *DecodeError) Unwrap() []error {
	return []error{ErrMalformedEnvelope, decodeErr.Err}
}
