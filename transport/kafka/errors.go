package kafka

import "errors"

var (
	ErrBrokersRequired = errors.New("at least one kafka broker address is required")
	ErrTopicRequired   = errors.New("topic name is required")
)
