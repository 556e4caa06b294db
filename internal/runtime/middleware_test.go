package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/eventbus/internal/runtime/config"
	"github.com/drblury/eventbus/internal/runtime/metadata"
)

func TestDefaultMiddlewares(t *testing.T) {
	var names []string
	for _, m := range DefaultMiddlewares() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"correlation_id", "log_messages", "tracer", "metrics", "recoverer"}, names)
}

func TestCorrelationIDMiddleware(t *testing.T) {
	var seen string
	h := correlationIDMiddleware(func(msg *message.Message) ([]*message.Message, error) {
		seen = msg.Metadata.Get(CorrelationIDKey)
		return nil, nil
	})

	t.Run("assigns an id", func(t *testing.T) {
		_, err := h(message.NewMessage("msg-1", nil))
		require.NoError(t, err)
		assert.Len(t, seen, 26)
	})

	t.Run("keeps an existing id", func(t *testing.T) {
		msg := message.NewMessage("msg-2", nil)
		msg.Metadata.Set(CorrelationIDKey, "corr-1")
		_, err := h(msg)
		require.NoError(t, err)
		assert.Equal(t, "corr-1", seen)
	})
}

func TestLogMessagesMiddleware(t *testing.T) {
	logger := newRecordingLogger()
	h := logMessagesMiddleware(logger)(func(msg *message.Message) ([]*message.Message, error) {
		return nil, nil
	})

	_, err := h(message.NewMessage("msg-1", []byte("abc")))
	require.NoError(t, err)

	entries := logger.byLevel("debug")
	require.Len(t, entries, 1)
	assert.Equal(t, "msg-1", entries[0].fields["message_uuid"])
	assert.Equal(t, 3, entries[0].fields["payload_bytes"])
}

func TestTracerMiddlewareStartsConsumerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(original)

	var inner trace.SpanContext
	h := tracerMiddleware("billing")(func(msg *message.Message) ([]*message.Message, error) {
		inner = trace.SpanContextFromContext(msg.Context())
		return nil, errInsufficientStock
	})

	msg := message.NewMessage("msg-1", nil)
	msg.SetContext(context.Background())
	msg.Metadata.Set(metadata.KeyTopic, "orders")
	msg.Metadata.Set(metadata.KeyPartition, "1")
	msg.Metadata.Set(metadata.KeyOffset, "9")

	_, err := h(msg)
	assert.ErrorIs(t, err, errInsufficientStock)
	assert.True(t, inner.IsValid())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "eventbus.consume", span.Name())
	assert.Equal(t, trace.SpanKindConsumer, span.SpanKind())

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "orders", attrs["messaging.destination.name"])
	assert.Equal(t, "billing", attrs["messaging.consumer.group.name"])
	assert.Equal(t, "1", attrs["messaging.destination.partition.id"])
	assert.Equal(t, "9", attrs["messaging.kafka.offset"])
}

func TestRegisterMiddleware(t *testing.T) {
	svc, _ := newTestService(t, nil, ServiceDependencies{DisableDefaultMiddlewares: true})

	assert.Error(t, svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))

	boom := errors.New("builder failed")
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, boom },
	})
	assert.ErrorIs(t, err, boom)

	// A builder may opt out by returning nil.
	assert.NoError(t, svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
	}))

	assert.NoError(t, svc.RegisterMiddleware(RecovererMiddleware()))

	bare := &Service{}
	assert.Error(t, bare.RegisterMiddleware(RecovererMiddleware()))
}

func TestMetricsMiddlewareDisabled(t *testing.T) {
	svc, _ := newTestService(t, nil, ServiceDependencies{DisableDefaultMiddlewares: true})

	mw, err := MetricsMiddleware().Builder(svc)
	require.NoError(t, err)
	assert.Nil(t, mw)
}

func TestMetricsMiddlewareServesEndpoint(t *testing.T) {
	svc, _ := newTestService(t, func(c *configpkg.Config) {
		c.MetricsEnabled = true
		c.MetricsPort = 9464
	}, ServiceDependencies{DisableDefaultMiddlewares: true})

	mw, err := MetricsMiddleware().Builder(svc)
	require.NoError(t, err)
	assert.NotNil(t, mw)
	assert.Contains(t, svc.httpServers, 9464)
}
