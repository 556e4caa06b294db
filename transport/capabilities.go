package transport

// Capabilities describes what a transport offers the poll loop.
type Capabilities struct {
	// SupportsOrdering indicates records within a partition/stream are
	// delivered in order.
	SupportsOrdering bool

	// SupportsPartitioning indicates records carry a partition number.
	SupportsPartitioning bool

	// SupportsOffsets indicates records carry a broker-assigned offset or
	// sequence. Without it the offset in logs is a local counter.
	SupportsOffsets bool

	// SupportsAck indicates the transport commits only acknowledged records.
	SupportsAck bool

	// SupportsNack indicates a nacked record is redelivered.
	SupportsNack bool

	// SupportsReplay indicates a consumer can start from the oldest record.
	SupportsReplay bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// MaxMessageSize is the maximum record size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string

	// Version is the transport/driver version.
	Version string
}

// SupportsReliableDelivery returns true if unresolved records can be left
// uncommitted and redelivered (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsOffsets:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsOffsets:      true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsReplay:       true,
		SupportsTracing:      true,
		MaxMessageSize:       1048576, // broker default message.max.bytes
	}

	// JetStreamCapabilities for NATS JetStream.
	JetStreamCapabilities = Capabilities{
		Name:             "jetstream",
		SupportsOrdering: true,
		SupportsOffsets:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsReplay:   true,
		SupportsTracing:  true,
		MaxMessageSize:   1048576,
	}

	// IOCapabilities for the file-backed record log.
	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
		SupportsOffsets:  true,
		SupportsReplay:   true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name in
// the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
