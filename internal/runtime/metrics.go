package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/eventbus/internal/runtime/dispatch"
)

// OutcomeMetrics exports dispatch outcomes and record verdicts to Prometheus.
// It implements dispatch.Observer.
type OutcomeMetrics struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer

	outcomesTotal   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	recordsTotal    *prometheus.CounterVec
	recordDuration  *prometheus.HistogramVec
}

// NewOutcomeMetrics creates the collectors. A nil registerer selects
// prometheus.DefaultRegisterer.
func NewOutcomeMetrics(registerer prometheus.Registerer) *OutcomeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &OutcomeMetrics{
		registerer: registerer,
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Dispatch outcomes per handler, by kind and reason.",
		}, []string{"topic", "handler", "kind", "reason"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Time spent decoding and invoking one handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "handler"}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "records_total",
			Help:      "Consumed records by final verdict.",
		}, []string{"topic", "verdict"}),
		recordDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "consumer",
			Name:      "record_duration_seconds",
			Help:      "Time from fetch to ack decision, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *OutcomeMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	if err := registerCollectors(m.registerer, m.outcomesTotal, m.handlerDuration, m.recordsTotal, m.recordDuration); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// Observe implements dispatch.Observer.
func (m *OutcomeMetrics) Observe(ctx context.Context, o dispatch.Outcome, elapsed time.Duration) {
	topic := ""
	if rec, ok := dispatch.RecordFromContext(ctx); ok {
		topic = rec.Topic
	}
	m.outcomesTotal.WithLabelValues(topic, o.Handler, o.Kind.String(), o.Reason).Inc()
	if o.Handler != "" {
		m.handlerDuration.WithLabelValues(topic, o.Handler).Observe(elapsed.Seconds())
	}
}

// ObserveRecord counts one record with its verdict.
func (m *OutcomeMetrics) ObserveRecord(topic, verdict string, elapsed time.Duration) {
	m.recordsTotal.WithLabelValues(topic, verdict).Inc()
	m.recordDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}
