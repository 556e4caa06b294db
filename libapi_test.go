package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/types/known/structpb"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
}

type billing struct{ seen []string }

func (b *billing) OnOrderPlaced(ctx context.Context, evt orderPlaced) error {
	b.seen = append(b.seen, evt.OrderID)
	return nil
}

func TestHandlerExportsPropagateErrors(t *testing.T) {
	if err := RegisterHandler[*structpb.Struct](nil, HandlerRegistration[*structpb.Struct]{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}

	if err := RegisterMethod[billing, orderPlaced](nil, MethodRegistration[billing, orderPlaced]{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}

	if err := RegisterInvoker(nil, InvokerRegistration{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
}

func TestServiceRoundTrip(t *testing.T) {
	svc, err := TryNewService(&Config{PubSubSystem: "channel", Topics: []string{"orders"}}, NopLogger(), context.Background(), ServiceDependencies{
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	defer svc.Close()

	owner := &billing{}
	if err := RegisterMethod(svc, MethodRegistration[billing, orderPlaced]{
		EventType: "OrderPlaced",
		Owner:     owner,
		Method:    (*billing).OnOrderPlaced,
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	out := svc.Dispatch(context.Background(), "orders", MustEncodeEnvelope("OrderPlaced", []byte(`{"order_id":"A-1"}`)))
	if len(out) != 1 || out[0].Kind != KindDelivered {
		t.Fatalf("expected one delivered outcome, got %+v", out)
	}
	if len(owner.seen) != 1 || owner.seen[0] != "A-1" {
		t.Fatalf("expected handler to see A-1, got %v", owner.seen)
	}

	out = svc.Dispatch(context.Background(), "orders", []byte{0xEB})
	if len(out) != 1 || out[0].Reason != ReasonParseError {
		t.Fatalf("expected parse error skip, got %+v", out)
	}
}

func TestCodecExports(t *testing.T) {
	value, err := JSONDecoder[orderPlaced]().Decode([]byte(`{"order_id":"A-2"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	var got string
	res := Bind(func(ctx context.Context, evt orderPlaced) error {
		got = evt.OrderID
		return nil
	}).Invoke(context.Background(), value)
	if res != OK() || got != "A-2" {
		t.Fatalf("expected invocation to succeed, got %+v", res)
	}

	if _, err := JSONDecoder[orderPlaced]().Decode([]byte(`{`)); err == nil {
		t.Fatal("expected decode error")
	} else {
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("expected DecodeError, got %T", err)
		}
	}
}

func TestEnvelopeExports(t *testing.T) {
	parser, err := NewEnvelopeParser(EnvelopeJSON, EnvelopeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env, err := parser.Parse([]byte(`{"type":"OrderPlaced","payload":{"order_id":"A-3"}}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if env.EventType != "OrderPlaced" || string(env.Payload) != `{"order_id":"A-3"}` {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	if _, err := NewEnvelopeParser("xml", EnvelopeOptions{}); err == nil {
		t.Fatal("expected unknown format error")
	}
}

func TestRetryExports(t *testing.T) {
	if !IsRetryable(errors.New("timeout")) {
		t.Fatal("expected plain errors to be retryable")
	}
	if !ShouldDeadLetter(DeadLetterWithReason("invalid", errors.New("bad"))) {
		t.Fatal("expected dead letter error to skip retries")
	}
	if _, err := DeadLetter(NoRetry(), DeadLetterConfig{Topic: "orders.dlq"}); !errors.Is(err, ErrPublisherRequired) {
		t.Fatalf("expected publisher required error, got %v", err)
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
	logger.Warn("slow", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyKey, "A-1")
	if md[MetadataKeyKey] != "A-1" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestConstants(t *testing.T) {
	if ErrorCategoryNone != "none" {
		t.Fatalf("expected ErrorCategoryNone to be 'none', got %q", ErrorCategoryNone)
	}
	if KindHandlerThrew.String() != "handler_threw" {
		t.Fatalf("unexpected kind name %q", KindHandlerThrew.String())
	}
	if VerdictUnresolved != "unresolved" || VerdictDeadLettered != "dead_lettered" {
		t.Fatal("unexpected verdict values")
	}
	if AckOnResolved != "on_resolved" || AckAlways != "always" {
		t.Fatal("unexpected ack mode values")
	}
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Warn(args ...any)  {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
