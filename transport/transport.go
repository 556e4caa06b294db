// Package transport defines how the consumer reaches a broker. Each backend
// (kafka, jetstream, io, channel) lives in its own sub-package and registers
// a Builder under its pubsub_system name.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines the subscriber the poll loop reads from with the
// publisher used for dead-lettering.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports need without depending on the full
// config package.
type Config interface {
	GetPubSubSystem() string
	// GetConsumerGroup names the Kafka consumer group or the JetStream
	// durable consumer.
	GetConsumerGroup() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaAutoCommit() bool
	GetKafkaIsolationLevel() string
	GetKafkaSessionTimeout() time.Duration
	GetKafkaInitialOffset() string
	GetKafkaKeyFormat() string

	// NATS JetStream
	GetNATSURL() string
	GetNATSStream() string

	// IO
	GetIOFile() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
