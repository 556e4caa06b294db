package metadata

import "strconv"

// Metadata represents the headers carried alongside a record.
type Metadata map[string]string

// Keys the transports use to expose broker coordinates of a record.
const (
	KeyTopic     = "eventbus_topic"
	KeyKey       = "eventbus_key"
	KeyKeyFormat = "eventbus_key_format"
	KeyPartition = "eventbus_partition"
	KeyOffset    = "eventbus_offset"
	KeyTimestamp = "eventbus_timestamp"
)

// Keys attached to records routed to a dead-letter topic.
const (
	KeyDeadLetterReason    = "eventbus_dlq_reason"
	KeyDeadLetterHandler   = "eventbus_dlq_handler"
	KeyDeadLetterTopic     = "eventbus_dlq_original_topic"
	KeyDeadLetterError     = "eventbus_dlq_error"
	KeyDeadLetterAttempts  = "eventbus_dlq_attempts"
	KeyDeadLetterEventType = "eventbus_dlq_event_type"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Int64 parses the value under key. Missing or malformed values yield fallback.
func (m Metadata) Int64(key string, fallback int64) int64 {
	raw, ok := m[key]
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// Int32 is Int64 narrowed to 32 bits; out-of-range values yield fallback.
func (m Metadata) Int32(key string, fallback int32) int32 {
	raw, ok := m[key]
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return fallback
	}
	return int32(v)
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
