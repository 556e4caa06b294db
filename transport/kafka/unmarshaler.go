package kafka

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventbus/internal/runtime/ids"
	"github.com/drblury/eventbus/internal/runtime/metadata"
)

// KeyFormat is how a record key is rendered into metadata.
type KeyFormat string

const (
	// KeyString treats the key as UTF-8 text.
	KeyString KeyFormat = "string"
	// KeyInt64 reads an 8-byte big-endian signed integer, the encoding of
	// Kafka's LongSerializer.
	KeyInt64 KeyFormat = "int64"
	// KeyBytes renders the key as lower-case hex.
	KeyBytes KeyFormat = "bytes"
)

// ParseKeyFormat resolves a config value; empty selects KeyString.
func ParseKeyFormat(name string) (KeyFormat, error) {
	switch KeyFormat(name) {
	case "", KeyString:
		return KeyString, nil
	case KeyInt64, KeyBytes:
		return KeyFormat(name), nil
	default:
		return "", fmt.Errorf("kafka: unknown key format %q", name)
	}
}

// DecodeKey renders key according to format. A key that does not fit the
// format falls back to hex and reports KeyBytes.
func DecodeKey(key []byte, format KeyFormat) (string, KeyFormat) {
	switch format {
	case KeyInt64:
		if len(key) != 8 {
			return hex.EncodeToString(key), KeyBytes
		}
		return strconv.FormatInt(int64(binary.BigEndian.Uint64(key)), 10), KeyInt64
	case KeyBytes:
		return hex.EncodeToString(key), KeyBytes
	default:
		return string(key), KeyString
	}
}

// RecordUnmarshaler maps a consumed Kafka record onto a watermill message. On
// top of the headers it records the topic, partition, offset, timestamp and
// decoded key under the metadata.Key* names.
type RecordUnmarshaler struct {
	KeyFormat KeyFormat
}

var _ kafka.Unmarshaler = RecordUnmarshaler{}

func (u RecordUnmarshaler) Unmarshal(rec *sarama.ConsumerMessage) (*message.Message, error) {
	msg, err := kafka.DefaultMarshaler{}.Unmarshal(rec)
	if err != nil {
		return nil, err
	}
	if msg.UUID == "" {
		msg.UUID = ids.CreateULID()
	}

	msg.Metadata.Set(metadata.KeyTopic, rec.Topic)
	msg.Metadata.Set(metadata.KeyPartition, strconv.FormatInt(int64(rec.Partition), 10))
	msg.Metadata.Set(metadata.KeyOffset, strconv.FormatInt(rec.Offset, 10))
	if !rec.Timestamp.IsZero() {
		msg.Metadata.Set(metadata.KeyTimestamp, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	if rec.Key != nil {
		key, format := DecodeKey(rec.Key, u.KeyFormat)
		msg.Metadata.Set(metadata.KeyKey, key)
		msg.Metadata.Set(metadata.KeyKeyFormat, string(format))
	}
	return msg, nil
}
