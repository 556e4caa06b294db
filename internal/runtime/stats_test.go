package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventbus/internal/runtime/dispatch"
	"github.com/drblury/eventbus/internal/runtime/jsoncodec"
)

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		name    string
		outcome dispatch.Outcome
		want    ErrorCategory
	}{
		{"delivered", dispatch.Outcome{Kind: dispatch.KindDelivered}, ErrorCategoryNone},
		{"skipped", dispatch.Outcome{Kind: dispatch.KindSkipped}, ErrorCategoryNone},
		{"rejected", dispatch.Outcome{Kind: dispatch.KindHandlerRejected}, ErrorCategoryRejected},
		{"business", dispatch.Outcome{Kind: dispatch.KindHandlerThrew, Err: errInsufficientStock}, ErrorCategoryBusiness},
		{"panic", dispatch.Outcome{Kind: dispatch.KindHandlerThrew, Err: &dispatch.PanicError{Value: "boom"}}, ErrorCategoryPanic},
		{"cancelled", dispatch.Outcome{Kind: dispatch.KindHandlerThrew, Err: fmt.Errorf("wrap: %w", context.Canceled)}, ErrorCategoryCancelled},
		{"deadline", dispatch.Outcome{Kind: dispatch.KindHandlerThrew, Err: context.DeadlineExceeded}, ErrorCategoryCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyOutcome(tt.outcome))
		})
	}
}

func TestStatsRegistryObserve(t *testing.T) {
	r := newStatsRegistry()
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	r.track("orders", dispatch.Registration{Name: "reserve", EventType: "OrderPlaced"})
	r.track("orders", dispatch.Registration{Name: "notify", EventType: "OrderPlaced"})
	r.track("orders", dispatch.Registration{Name: "reserve", EventType: "OrderPlaced"})

	ctx := dispatch.WithRecord(context.Background(), dispatch.Record{Topic: "orders"})
	r.Observe(ctx, dispatch.Outcome{Kind: dispatch.KindHandlerThrew, Handler: "reserve", Err: errInsufficientStock}, 4*time.Millisecond)
	r.Observe(ctx, dispatch.Outcome{Kind: dispatch.KindDelivered, Handler: "reserve"}, 2*time.Millisecond)
	r.Observe(ctx, dispatch.Outcome{Kind: dispatch.KindSkipped, Reason: dispatch.ReasonNoSubscriber}, 0)
	r.Observe(context.Background(), dispatch.Outcome{Kind: dispatch.KindDelivered, Handler: "reserve"}, time.Millisecond)

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	reserve := snapshot[0].Handlers[0]
	assert.Equal(t, uint64(2), reserve.Stats.Attempts)
	assert.Equal(t, int64(3*time.Millisecond), reserve.Stats.Latency.AverageNs)
	assert.Equal(t, uint64(2), reserve.Stats.Throughput.TotalMessages)
	assert.Zero(t, reserve.Stats.Delivered+reserve.Stats.Failed, "attempts never count as dispositions")
	assert.Empty(t, snapshot[0].Skipped)
}

func TestStatsRegistryObserveRecord(t *testing.T) {
	r := newStatsRegistry()
	r.track("orders", dispatch.Registration{Name: "reserve", EventType: "OrderPlaced"})
	r.track("orders", dispatch.Registration{Name: "notify", EventType: "OrderPlaced"})

	ctx := dispatch.WithRecord(context.Background(), dispatch.Record{Topic: "orders"})
	r.ObserveRecord(ctx, dispatch.Outcomes{
		{Kind: dispatch.KindDelivered, Handler: "reserve"},
		{Kind: dispatch.KindHandlerThrew, Handler: "notify", Err: errInsufficientStock, DeadLettered: true},
	})
	r.ObserveRecord(ctx, dispatch.Outcomes{
		{Kind: dispatch.KindHandlerThrew, Handler: "reserve", Err: errInsufficientStock},
		{Kind: dispatch.KindHandlerRejected, Handler: "notify", Reason: dispatch.ReasonDecodeError},
	})
	r.ObserveRecord(ctx, dispatch.Outcomes{{Kind: dispatch.KindSkipped, Reason: dispatch.ReasonNoSubscriber}})
	r.ObserveRecord(context.Background(), dispatch.Outcomes{{Kind: dispatch.KindDelivered, Handler: "reserve"}})

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	topic := snapshot[0]
	assert.Equal(t, "orders", topic.Topic)
	assert.Equal(t, map[string]uint64{dispatch.ReasonNoSubscriber: 1}, topic.Skipped)
	require.Len(t, topic.Handlers, 2)

	reserve := topic.Handlers[0]
	assert.Equal(t, "reserve", reserve.Name)
	assert.Equal(t, "OrderPlaced", reserve.EventType)
	assert.Equal(t, uint64(1), reserve.Stats.Delivered)
	assert.Equal(t, uint64(1), reserve.Stats.Failed)
	assert.Equal(t, uint64(1), reserve.Stats.Errors.Business)
	assert.Equal(t, "insufficient stock", reserve.Stats.Errors.LastError)

	notify := topic.Handlers[1]
	assert.Equal(t, uint64(1), notify.Stats.DeadLettered)
	assert.Equal(t, uint64(1), notify.Stats.Rejected)
	assert.Zero(t, notify.Stats.Failed)
	assert.Equal(t, uint64(1), notify.Stats.Errors.Rejected)
}

func TestStatsRegistryTracksUnknownTopicSkips(t *testing.T) {
	r := newStatsRegistry()
	ctx := dispatch.WithRecord(context.Background(), dispatch.Record{Topic: "payments"})
	r.ObserveRecord(ctx, dispatch.Outcomes{{Kind: dispatch.KindSkipped, Reason: dispatch.ReasonParseError}})

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "payments", snapshot[0].Topic)
	assert.Equal(t, uint64(1), snapshot[0].Skipped[dispatch.ReasonParseError])
	assert.Empty(t, snapshot[0].Handlers)
}

func TestHandlerStatsMarshalJSON(t *testing.T) {
	stats := newHandlerStats()
	stats.recordAttempt(time.Millisecond, time.Now())
	stats.recordOutcome(dispatch.Outcome{Kind: dispatch.KindHandlerThrew, Err: errors.New("boom")})

	data, err := jsoncodec.Marshal(stats)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsoncodec.Unmarshal(data, &decoded))
	assert.Equal(t, float64(1), decoded["failed"])
	assert.Equal(t, float64(1), decoded["attempts"])
	errs, ok := decoded["errors"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "boom", errs["last_error"])
}

func TestLatencyWindow(t *testing.T) {
	lw := newLatencyWindow(4)
	for _, d := range []time.Duration{10, 20, 30, 40, 50} {
		lw.Add(d)
	}

	snapshot := lw.Snapshot()
	assert.Equal(t, 4, snapshot.SampleSize)
	assert.Equal(t, int64(50), snapshot.LastNs)
	assert.Equal(t, int64(35), snapshot.P50Ns)
	assert.Equal(t, int64(35), snapshot.AverageNs)
	assert.Equal(t, int64(50), percentile([]int64{20, 30, 40, 50}, 1))
	assert.Equal(t, int64(0), percentile(nil, 0.5))
}

func TestThroughputWindow(t *testing.T) {
	tw := newThroughputWindow(time.Minute)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tw.AddAndSnapshot(start)
	tw.AddAndSnapshot(start.Add(30 * time.Second))
	snapshot := tw.AddAndSnapshot(start.Add(90 * time.Second))

	assert.Equal(t, 2, snapshot.Count)
	assert.Equal(t, 60.0, snapshot.WindowSeconds)
}
