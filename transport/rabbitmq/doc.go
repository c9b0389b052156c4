// Package rabbitmq implements the topic-routed transport on AMQP 0.9.1
// with publisher confirms and a per-queue dead-letter topology.
package rabbitmq
