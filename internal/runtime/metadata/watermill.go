package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Coordinates locate a record in the broker log.
type Coordinates struct {
	Topic     string
	Key       string
	Partition int32
	Offset    int64
}

// FromMessage copies the headers of msg. The result never aliases
// msg.Metadata, so handlers may enrich it freely.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil || len(msg.Metadata) == 0 {
		return Metadata{}
	}
	return Metadata(msg.Metadata).Clone()
}

// Coordinates reads the broker coordinates a transport stamped on the record.
// topic is used when the record carries none. Transports without partitions or
// offsets yield -1.
func (m Metadata) Coordinates(topic string) Coordinates {
	if t := m[KeyTopic]; t != "" {
		topic = t
	}
	return Coordinates{
		Topic:     topic,
		Key:       m[KeyKey],
		Partition: m.Int32(KeyPartition, -1),
		Offset:    m.Int64(KeyOffset, -1),
	}
}

// Stamp writes every entry of m onto msg. Existing headers with the same key
// are overwritten; others are left alone.
func (m Metadata) Stamp(msg *message.Message) {
	if msg == nil || len(m) == 0 {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, len(m))
	}
	for k, v := range m {
		msg.Metadata.Set(k, v)
	}
}
