// Package dispatch routes one parsed record to every registration for its
// event type and classifies what happened to each of them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/eventbus/internal/runtime/codec"
	"github.com/drblury/eventbus/internal/runtime/envelope"
	"github.com/drblury/eventbus/internal/runtime/logging"
)

// Observer is notified of every outcome together with the time spent on it.
type Observer interface {
	Observe(ctx context.Context, outcome Outcome, elapsed time.Duration)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, outcome Outcome, elapsed time.Duration)

func (f ObserverFunc) Observe(ctx context.Context, outcome Outcome, elapsed time.Duration) {
	f(ctx, outcome, elapsed)
}

// Engine dispatches records. It holds no per-record state, so one engine can
// serve every topic concurrently.
type Engine struct {
	parser   envelope.Parser
	logger   logging.ServiceLogger
	observer Observer
	group    string
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver installs an outcome observer, typically metrics.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithConsumerGroup adds the consumer group to every log line.
func WithConsumerGroup(group string) Option {
	return func(e *Engine) { e.group = group }
}

// NewEngine builds an engine around parser. A nil parser selects the binary
// envelope format; a nil logger discards output.
func NewEngine(parser envelope.Parser, logger logging.ServiceLogger, opts ...Option) *Engine {
	if parser == nil {
		parser = envelope.Binary()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	e := &Engine{parser: parser, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch parses raw, then decodes and invokes every registration in table
// matching the event type, in registration order. A failure in one
// registration never prevents the others from running.
func (e *Engine) Dispatch(ctx context.Context, raw []byte, table Table) Outcomes {
	start := e.now()
	fields := e.recordFields(ctx)

	env, err := e.parser.Parse(raw)
	if err != nil {
		e.logger.Error("Dropping record: envelope could not be parsed", err, fields)
		out := skipped(ReasonParseError, "", err)
		e.observe(ctx, out[0], e.now().Sub(start))
		return out
	}

	fields["event_type"] = env.EventType
	var matches Registrations
	if table != nil {
		matches = table.Match(env.EventType)
	}
	if len(matches) == 0 {
		e.logger.Debug("No subscriber for event type", fields)
		out := skipped(ReasonNoSubscriber, env.EventType, nil)
		e.observe(ctx, out[0], e.now().Sub(start))
		return out
	}

	outcomes := make(Outcomes, 0, len(matches))
	for _, reg := range matches {
		began := e.now()
		outcome := e.deliver(ctx, reg, env, fields)
		e.observe(ctx, outcome, e.now().Sub(began))
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (e *Engine) deliver(ctx context.Context, reg Registration, env envelope.Envelope, base logging.LogFields) Outcome {
	fields := withHandler(base, reg)
	outcome := Outcome{Handler: reg.Name, EventType: env.EventType}

	e.logger.Debug("Handler begin", fields)
	defer e.logger.Debug("Handler end", fields)

	if reg.Decoder == nil {
		return e.reject(outcome, ReasonCodecUnavailable, codecMissing(reg), fields,
			"Handler subscribes to this event type but has no codec")
	}

	value, err := decode(reg.Decoder, env.Payload)
	if err != nil {
		var instErr *codec.InstantiationError
		if errors.As(err, &instErr) {
			return e.reject(outcome, ReasonCodecUnavailable, err, fields, "Codec could not be instantiated")
		}
		return e.reject(outcome, ReasonDecodeError, err, fields, "Payload could not be decoded")
	}

	if reg.Invoker == nil {
		return e.reject(outcome, ReasonHandlerUnbound, ErrHandlerUnbound, fields, "Handler is not bound")
	}

	res := invoke(ctx, reg.Invoker, value)
	switch res.Kind {
	case ResultRejected:
		reason := res.Reason
		if reason == "" {
			reason = ReasonArgumentMismatch
		}
		return e.reject(outcome, reason, res.Err, fields, "Handler subscribes to this event type but does not accept the decoded value")
	case ResultThrew:
		cause := unwrapInvocation(res.Err)
		if cause == nil {
			cause = ErrNoCause
		}
		outcome.Kind = KindHandlerThrew
		outcome.Err = cause
		e.logger.Error("Handler returned an error", cause, fields)
		return outcome
	default:
		outcome.Kind = KindDelivered
		return outcome
	}
}

func (e *Engine) reject(outcome Outcome, reason string, err error, fields logging.LogFields, msg string) Outcome {
	outcome.Kind = KindHandlerRejected
	outcome.Reason = reason
	outcome.Err = err
	warnFields := make(logging.LogFields, len(fields)+2)
	for k, v := range fields {
		warnFields[k] = v
	}
	warnFields["reason"] = reason
	if err != nil {
		warnFields["error"] = err.Error()
	}
	e.logger.Warn(msg, warnFields)
	return outcome
}

func (e *Engine) observe(ctx context.Context, outcome Outcome, elapsed time.Duration) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{
			attribute.String("eventbus.outcome", outcome.Kind.String()),
			attribute.String("eventbus.event_type", outcome.EventType),
		}
		if outcome.Handler != "" {
			attrs = append(attrs, attribute.String("eventbus.handler", outcome.Handler))
		}
		if outcome.Reason != "" {
			attrs = append(attrs, attribute.String("eventbus.reason", outcome.Reason))
		}
		span.AddEvent("dispatch.outcome", trace.WithAttributes(attrs...))
	}
	if e.observer != nil {
		e.observer.Observe(ctx, outcome, elapsed)
	}
}

func (e *Engine) recordFields(ctx context.Context) logging.LogFields {
	fields := logging.LogFields{}
	if e.group != "" {
		fields["group"] = e.group
	}
	if rec, ok := RecordFromContext(ctx); ok {
		fields["topic"] = rec.Topic
		fields["partition"] = rec.Partition
		fields["offset"] = rec.Offset
		if rec.Key != "" {
			fields["key"] = rec.Key
		}
		if rec.UUID != "" {
			fields["message_uuid"] = rec.UUID
		}
	}
	return fields
}

func withHandler(base logging.LogFields, reg Registration) logging.LogFields {
	fields := make(logging.LogFields, len(base)+3)
	for k, v := range base {
		fields[k] = v
	}
	fields["handler"] = reg.Name
	fields["codec"] = codec.NameOf(reg.Decoder)
	if reg.Owner != nil {
		fields["owner"] = fmt.Sprintf("%T", reg.Owner)
	}
	return fields
}

func codecMissing(reg Registration) error {
	return &codec.InstantiationError{Ref: reg.Name, Err: errors.New("no decoder configured")}
}

func decode(d codec.Decoder, payload []byte) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &codec.DecodeError{Codec: codec.NameOf(d), Target: "?", Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	return d.Decode(payload)
}

func invoke(ctx context.Context, inv Invoker, value any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Threw(&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	return inv.Invoke(ctx, value)
}
