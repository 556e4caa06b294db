package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "eventbus"

// DLQMetrics tracks records routed to dead-letter topics. It implements
// retry.Recorder.
type DLQMetrics struct {
	mu sync.RWMutex

	// Per-topic counts, keyed by the original topic.
	topicCounts map[string]*DLQTopicMetrics

	messagesTotal  *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	ageSecondsHist *prometheus.HistogramVec
	attemptsHist   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
	now        func() time.Time
}

// DLQTopicMetrics holds dead-letter statistics for one original topic.
type DLQTopicMetrics struct {
	MessagesRouted  uint64    `json:"messages_routed"`
	PublishFailures uint64    `json:"publish_failures"`
	OldestMessageAt time.Time `json:"oldest_message_at"`
	NewestMessageAt time.Time `json:"newest_message_at"`
	AvgAttempts     float64   `json:"avg_attempts"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of DLQ metrics.
type DLQMetricsSnapshot struct {
	TotalRouted   uint64                      `json:"total_routed"`
	TotalFailures uint64                      `json:"total_failures"`
	TopicMetrics  map[string]*DLQTopicMetrics `json:"topic_metrics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

// NewDLQMetrics creates a new DLQ metrics collector. Collectors are only
// exported once Register is called.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		topicCounts: make(map[string]*DLQTopicMetrics),
		registerer:  registerer,
		now:         time.Now,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "messages_total",
			Help:      "Records routed to a dead-letter topic, per handler that failed them.",
		}, []string{"topic", "handler"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "publish_failures_total",
			Help:      "Dead-letter publishes that failed and left the record unresolved.",
		}, []string{"topic"}),
		ageSecondsHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "message_age_seconds",
			Help:      "Age of records when routed to the dead-letter topic.",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"topic"}),
		attemptsHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "attempts",
			Help:      "Dispatch attempts before a record was dead-lettered.",
			Buckets:   []float64{1, 2, 3, 5, 10, 20},
		}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	if err := registerCollectors(m.registerer, m.messagesTotal, m.failuresTotal, m.ageSecondsHist, m.attemptsHist); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// RecordMessageToDLQ records a record routed to the dead-letter topic on
// behalf of handler.
func (m *DLQMetrics) RecordMessageToDLQ(topic, handler string, attempts int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesRouted++
	metrics.LastUpdatedAt = now
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = now
	}
	metrics.NewestMessageAt = now

	total := metrics.MessagesRouted
	metrics.AvgAttempts = ((metrics.AvgAttempts * float64(total-1)) + float64(attempts)) / float64(total)

	m.messagesTotal.WithLabelValues(topic, handler).Inc()
	m.ageSecondsHist.WithLabelValues(topic).Observe(age.Seconds())
	m.attemptsHist.WithLabelValues(topic).Observe(float64(attempts))
}

// RecordDeadLetterFailure records a dead-letter publish that failed.
func (m *DLQMetrics) RecordDeadLetterFailure(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.PublishFailures++
	metrics.LastUpdatedAt = m.now()

	m.failuresTotal.WithLabelValues(topic).Inc()
}

// GetSnapshot returns a point-in-time snapshot of all DLQ metrics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		TopicMetrics: make(map[string]*DLQTopicMetrics, len(m.topicCounts)),
		CollectedAt:  m.now(),
	}
	for topic, metrics := range m.topicCounts {
		metricsCopy := *metrics
		snapshot.TopicMetrics[topic] = &metricsCopy
		snapshot.TotalRouted += metrics.MessagesRouted
		snapshot.TotalFailures += metrics.PublishFailures
	}
	return snapshot
}

// GetTopicMetrics returns a copy of the metrics for topic, or nil.
func (m *DLQMetrics) GetTopicMetrics(topic string) *DLQTopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.topicCounts[topic]; ok {
		metricsCopy := *metrics
		return &metricsCopy
	}
	return nil
}

func (m *DLQMetrics) getOrCreateTopicMetrics(topic string) *DLQTopicMetrics {
	if metrics, ok := m.topicCounts[topic]; ok {
		return metrics
	}
	metrics := &DLQTopicMetrics{}
	m.topicCounts[topic] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*DLQTopicMetrics)
	m.messagesTotal.Reset()
	m.failuresTotal.Reset()
	m.ageSecondsHist.Reset()
	m.attemptsHist.Reset()
}

// registerCollectors registers every collector, tolerating ones that are
// already registered.
func registerCollectors(registerer prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}
