// Package kafka implements the partitioned-log broker transport over
// Kafka using segmentio/kafka-go.
//
// Published messages are keyed by aggregate id through a hash balancer,
// so events for one aggregate always land on the same partition and
// reach one consumer-group member in publish order. Consumer offsets
// are committed after the handler returns regardless of its outcome:
// a failing handler never blocks the partition, at the cost of losing
// that message unless the handler routes it to a dead-letter topic
// itself.
package kafka
