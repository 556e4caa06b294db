package dispatch

import (
	"context"

	"github.com/drblury/eventbus/internal/runtime/metadata"
)

// Record is the broker-side view of what is being dispatched. Partition and
// Offset are -1 when the transport has no such notion.
type Record struct {
	Topic     string
	Key       string
	UUID      string
	Partition int32
	Offset    int64
	Metadata  metadata.Metadata
	Payload   []byte
}

type recordKey struct{}

// WithRecord attaches rec to ctx for handlers, policies and loggers.
func WithRecord(ctx context.Context, rec Record) context.Context {
	return context.WithValue(ctx, recordKey{}, rec)
}

// RecordFromContext returns the record being dispatched, if any.
func RecordFromContext(ctx context.Context) (Record, bool) {
	if ctx == nil {
		return Record{}, false
	}
	rec, ok := ctx.Value(recordKey{}).(Record)
	return rec, ok
}
