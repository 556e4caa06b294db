package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventbus/internal/runtime/retry"
)

var _ retry.Recorder = (*DLQMetrics)(nil)

func TestDLQMetricsRecordMessageToDLQ(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.RecordMessageToDLQ("orders", "reserve", 1, time.Second)
	now = now.Add(time.Minute)
	m.RecordMessageToDLQ("orders", "notify", 3, 2*time.Second)

	metrics := m.GetTopicMetrics("orders")
	require.NotNil(t, metrics)
	assert.Equal(t, uint64(2), metrics.MessagesRouted)
	assert.Equal(t, 2.0, metrics.AvgAttempts)
	assert.Equal(t, now.Add(-time.Minute), metrics.OldestMessageAt)
	assert.Equal(t, now, metrics.NewestMessageAt)

	assert.Equal(t, 1.0, counterValue(t, m.messagesTotal.WithLabelValues("orders", "reserve")))
	assert.Equal(t, 1.0, counterValue(t, m.messagesTotal.WithLabelValues("orders", "notify")))
}

func TestDLQMetricsRecordDeadLetterFailure(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())

	m.RecordDeadLetterFailure("orders")
	m.RecordDeadLetterFailure("payments")

	snapshot := m.GetSnapshot()
	assert.Equal(t, uint64(2), snapshot.TotalFailures)
	assert.Equal(t, uint64(0), snapshot.TotalRouted)
	assert.Len(t, snapshot.TopicMetrics, 2)
	assert.Equal(t, 1.0, counterValue(t, m.failuresTotal.WithLabelValues("orders")))
}

func TestDLQMetricsSnapshotIsACopy(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())
	m.RecordMessageToDLQ("orders", "reserve", 1, 0)

	snapshot := m.GetSnapshot()
	snapshot.TopicMetrics["orders"].MessagesRouted = 99

	assert.Equal(t, uint64(1), m.GetTopicMetrics("orders").MessagesRouted)
	assert.Nil(t, m.GetTopicMetrics("payments"))
}

func TestDLQMetricsReset(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())
	m.RecordMessageToDLQ("orders", "reserve", 1, 0)

	m.Reset()

	assert.Empty(t, m.GetSnapshot().TopicMetrics)
	assert.Equal(t, 0.0, counterValue(t, m.messagesTotal.WithLabelValues("orders", "reserve")))
}

func TestDLQMetricsRegisterTwice(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NoError(t, NewDLQMetrics(registry).Register())
	require.NoError(t, NewDLQMetrics(registry).Register())
}
