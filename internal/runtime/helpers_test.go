package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/eventbus/internal/runtime/config"
	loggingpkg "github.com/drblury/eventbus/internal/runtime/logging"
	"github.com/drblury/eventbus/transport"
)

const fakeTransport = "fake"

var errInsufficientStock = errors.New("insufficient stock")

type orderPlaced struct {
	OrderID  string `json:"order_id"`
	Quantity int    `json:"quantity"`
}

type testPublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	err       error
	closed    bool
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.published == nil {
		p.published = make(map[string][]*message.Message)
	}
	p.published[topic] = append(p.published[topic], messages...)
	return nil
}

func (p *testPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *testPublisher) Messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published[topic]...)
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

type logEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
	err    error
}

// recordingLogger captures log calls; children share the parent's sink.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (r *recordingLogger) add(level, msg string, err error, fields loggingpkg.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, logEntry{level: level, msg: msg, fields: fields, err: err})
}

func (r *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }
func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields)       { r.add("debug", msg, nil, fields) }
func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields)        { r.add("info", msg, nil, fields) }
func (r *recordingLogger) Warn(msg string, fields loggingpkg.LogFields)        { r.add("warn", msg, nil, fields) }
func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields)       { r.add("trace", msg, nil, fields) }
func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.add("error", msg, err, fields)
}

func (r *recordingLogger) byLevel(level string) []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logEntry
	for _, e := range *r.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// fakeRegistry registers a transport backed by the supplied fakes.
func fakeRegistry(pub message.Publisher, sub message.Subscriber, caps transport.Capabilities) *transport.Registry {
	reg := transport.NewRegistry()
	caps.Name = fakeTransport
	reg.RegisterWithCapabilities(fakeTransport, func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pub, Subscriber: sub}, nil
	}, caps)
	return reg
}

func reliableCaps() transport.Capabilities {
	return transport.Capabilities{SupportsAck: true, SupportsNack: true}
}

// newTestService builds a Service on the fake transport with topic "orders".
func newTestService(t *testing.T, mutate func(*configpkg.Config), deps ServiceDependencies) (*Service, *testPublisher) {
	t.Helper()
	pub := &testPublisher{}
	cfg := &configpkg.Config{
		PubSubSystem: fakeTransport,
		Topics:       []string{"orders"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	if deps.TransportRegistry == nil {
		deps.TransportRegistry = fakeRegistry(pub, &testSubscriber{}, reliableCaps())
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := TryNewService(cfg, newTestLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	return svc, pub
}
