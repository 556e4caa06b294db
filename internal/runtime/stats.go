package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/eventbus/internal/runtime/dispatch"
	"github.com/drblury/eventbus/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerStats aggregates the outcomes of one registration. The disposition
// counters count records once, after the retry policy is done with them;
// Attempts and the timings count every invocation.
type HandlerStats struct {
	mu sync.Mutex

	Delivered           uint64    `json:"delivered"`
	Rejected            uint64    `json:"rejected"`
	Failed              uint64    `json:"failed"`
	DeadLettered        uint64    `json:"dead_lettered"`
	Attempts            uint64    `json:"attempts"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// HandlerInfo describes one registration on the stats endpoint.
type HandlerInfo struct {
	Name      string        `json:"name"`
	Topic     string        `json:"topic"`
	EventType string        `json:"event_type"`
	Stats     *HandlerStats `json:"stats"`
}

// TopicInfo groups the handlers of one topic together with the records that
// never reached a handler.
type TopicInfo struct {
	Topic    string            `json:"topic"`
	Skipped  map[string]uint64 `json:"skipped"`
	Handlers []*HandlerInfo    `json:"handlers"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Rejected  uint64 `json:"rejected"`
	Business  uint64 `json:"business"`
	Panic     uint64 `json:"panic"`
	Cancelled uint64 `json:"cancelled"`
	LastError string `json:"last_error,omitempty"`
}

type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryRejected  ErrorCategory = "rejected"
	ErrorCategoryBusiness  ErrorCategory = "business"
	ErrorCategoryPanic     ErrorCategory = "panic"
	ErrorCategoryCancelled ErrorCategory = "cancelled"
)

// ClassifyOutcome maps an outcome to the error category it is counted under.
func ClassifyOutcome(o dispatch.Outcome) ErrorCategory {
	switch o.Kind {
	case dispatch.KindHandlerRejected:
		return ErrorCategoryRejected
	case dispatch.KindHandlerThrew:
		var panicErr *dispatch.PanicError
		switch {
		case errors.As(o.Err, &panicErr):
			return ErrorCategoryPanic
		case errors.Is(o.Err, context.Canceled), errors.Is(o.Err, context.DeadlineExceeded):
			return ErrorCategoryCancelled
		default:
			return ErrorCategoryBusiness
		}
	default:
		return ErrorCategoryNone
	}
}

func newHandlerStats() *HandlerStats {
	return &HandlerStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

// recordAttempt tracks the timing of one invocation.
func (h *HandlerStats) recordAttempt(duration time.Duration, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Attempts++
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = now.UTC()

	if h.latencyWindow != nil {
		h.latencyWindow.Add(duration)
		snapshot := h.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		snapshot.AverageNs = h.TotalProcessingTime / int64(h.Attempts)
		h.Latency = snapshot
	}

	if h.throughputWindow != nil {
		snapshot := h.throughputWindow.AddAndSnapshot(now)
		h.Throughput.CurrentRPS = snapshot.CurrentRPS
		h.Throughput.WindowSeconds = snapshot.WindowSeconds
		h.Throughput.MessagesInWindow = uint64(snapshot.Count)
	}
	h.Throughput.TotalMessages = h.Attempts
}

// recordOutcome counts the final disposition of one record.
func (h *HandlerStats) recordOutcome(o dispatch.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case o.Kind == dispatch.KindDelivered:
		h.Delivered++
	case o.Kind == dispatch.KindHandlerRejected:
		h.Rejected++
	case o.DeadLettered:
		h.DeadLettered++
	default:
		h.Failed++
	}
	h.Errors.Record(ClassifyOutcome(o), o.Err)
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias HandlerStats
	return jsoncodec.Marshal((*Alias)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		return
	case ErrorCategoryRejected:
		e.Rejected++
	case ErrorCategoryPanic:
		e.Panic++
	case ErrorCategoryCancelled:
		e.Cancelled++
	default:
		e.Business++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// statsRegistry is the in-memory dispatch.Observer behind the stats endpoint.
type statsRegistry struct {
	mu     sync.RWMutex
	topics map[string]*topicStats
	order  []string
	now    func() time.Time
}

type topicStats struct {
	skipped  map[string]uint64
	handlers map[string]*HandlerInfo
	order    []string
}

func newStatsRegistry() *statsRegistry {
	return &statsRegistry{topics: make(map[string]*topicStats), now: time.Now}
}

func (r *statsRegistry) topic(name string) *topicStats {
	ts, ok := r.topics[name]
	if !ok {
		ts = &topicStats{skipped: make(map[string]uint64), handlers: make(map[string]*HandlerInfo)}
		r.topics[name] = ts
		r.order = append(r.order, name)
	}
	return ts
}

func (r *statsRegistry) track(topic string, reg dispatch.Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.topic(topic)
	if _, ok := ts.handlers[reg.Name]; ok {
		return
	}
	ts.handlers[reg.Name] = &HandlerInfo{
		Name:      reg.Name,
		Topic:     topic,
		EventType: reg.EventType,
		Stats:     newHandlerStats(),
	}
	ts.order = append(ts.order, reg.Name)
}

// Observe implements dispatch.Observer. The engine calls it once per
// attempt, so only timings are tracked here.
func (r *statsRegistry) Observe(ctx context.Context, o dispatch.Outcome, elapsed time.Duration) {
	if o.Kind == dispatch.KindSkipped {
		return
	}
	if info := r.handler(ctx, o.Handler); info != nil {
		info.Stats.recordAttempt(elapsed, r.now())
	}
}

// ObserveRecord counts the final outcomes of one record, once the retry
// policy has returned them.
func (r *statsRegistry) ObserveRecord(ctx context.Context, out dispatch.Outcomes) {
	rec, ok := dispatch.RecordFromContext(ctx)
	if !ok {
		return
	}

	for _, o := range out {
		if o.Kind == dispatch.KindSkipped {
			r.mu.Lock()
			r.topic(rec.Topic).skipped[o.Reason]++
			r.mu.Unlock()
			continue
		}
		if info := r.handler(ctx, o.Handler); info != nil {
			info.Stats.recordOutcome(o)
		}
	}
}

func (r *statsRegistry) handler(ctx context.Context, name string) *HandlerInfo {
	rec, ok := dispatch.RecordFromContext(ctx)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topic(rec.Topic).handlers[name]
}

// Snapshot lists topics and handlers in registration order.
func (r *statsRegistry) Snapshot() []TopicInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TopicInfo, 0, len(r.order))
	for _, name := range r.order {
		ts := r.topics[name]
		info := TopicInfo{
			Topic:    name,
			Skipped:  make(map[string]uint64, len(ts.skipped)),
			Handlers: make([]*HandlerInfo, 0, len(ts.order)),
		}
		for reason, n := range ts.skipped {
			info.Skipped[reason] = n
		}
		for _, h := range ts.order {
			info.Handlers = append(info.Handlers, ts.handlers[h])
		}
		out = append(out, info)
	}
	return out
}

// Stats returns the per-topic handler statistics.
func (s *Service) Stats() []TopicInfo {
	return s.stats.Snapshot()
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
