package retry

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventbus/internal/runtime/dispatch"
	errspkg "github.com/drblury/eventbus/internal/runtime/errors"
	"github.com/drblury/eventbus/internal/runtime/ids"
	"github.com/drblury/eventbus/internal/runtime/logging"
	"github.com/drblury/eventbus/internal/runtime/metadata"
)

// Recorder receives dead-letter bookkeeping, typically Prometheus metrics.
type Recorder interface {
	RecordMessageToDLQ(topic, handler string, attempts int, age time.Duration)
	RecordDeadLetterFailure(topic string)
}

// DeadLetterConfig configures the DeadLetter policy.
type DeadLetterConfig struct {
	// Topic receives every dead-lettered record. Ignored when TopicFor is set.
	Topic string
	// TopicFor derives the dead-letter topic from the record's topic.
	TopicFor func(original string) string
	// Publisher writes dead-lettered records.
	Publisher message.Publisher
	Recorder  Recorder
	Logger    logging.ServiceLogger
}

type deadLetterPolicy struct {
	inner Policy
	cfg   DeadLetterConfig
	now   func() time.Time
}

// SuffixTopic returns a TopicFor that appends suffix to the original topic.
func SuffixTopic(suffix string) func(string) string {
	return func(original string) string { return original + suffix }
}

// DeadLetter runs inner and, when handler failures remain unresolved,
// publishes the raw record with failure metadata to the dead-letter topic and
// marks those outcomes dead-lettered. A failed publish leaves them unresolved
// so the poll loop does not commit the record.
func DeadLetter(inner Policy, cfg DeadLetterConfig) (Policy, error) {
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Topic == "" && cfg.TopicFor == nil {
		return nil, errspkg.ErrTopicRequired
	}
	if inner == nil {
		inner = NoRetry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &deadLetterPolicy{inner: inner, cfg: cfg, now: time.Now}, nil
}

func (p *deadLetterPolicy) Run(ctx context.Context, work Work) dispatch.Outcomes {
	attempts := 0
	counted := func(ctx context.Context) dispatch.Outcomes {
		if st, ok := StateFromContext(ctx); ok {
			attempts = st.Attempt
		} else {
			attempts++
		}
		return work(ctx)
	}

	out := p.inner.Run(ctx, counted)
	if !out.HasUnresolved() {
		return out
	}

	rec, ok := dispatch.RecordFromContext(ctx)
	if !ok {
		p.cfg.Logger.Error("Cannot dead-letter: no record in context", out.Err(), nil)
		return out
	}

	topic := p.topicFor(rec.Topic)
	msg := p.buildMessage(rec, out, attempts)
	fields := logging.LogFields{
		"topic":            rec.Topic,
		"dead_letter":      topic,
		"partition":        rec.Partition,
		"offset":           rec.Offset,
		"attempts":         attempts,
		"dead_letter_uuid": msg.UUID,
	}

	if err := p.cfg.Publisher.Publish(topic, msg); err != nil {
		p.cfg.Logger.Error("Dead-letter publish failed; record stays unresolved", err, fields)
		if p.cfg.Recorder != nil {
			p.cfg.Recorder.RecordDeadLetterFailure(rec.Topic)
		}
		return out
	}

	p.cfg.Logger.Info("Record routed to dead-letter topic", fields)
	if p.cfg.Recorder != nil {
		age := p.recordAge(rec)
		for _, o := range out {
			if o.Unresolved() {
				p.cfg.Recorder.RecordMessageToDLQ(rec.Topic, o.Handler, attempts, age)
			}
		}
	}
	return out.MarkDeadLettered()
}

func (p *deadLetterPolicy) topicFor(original string) string {
	if p.cfg.TopicFor != nil {
		return p.cfg.TopicFor(original)
	}
	return p.cfg.Topic
}

func (p *deadLetterPolicy) buildMessage(rec dispatch.Record, out dispatch.Outcomes, attempts int) *message.Message {
	var (
		handlers []string
		messages []string
		reason   = "handler_threw"
		evtType  string
	)
	for _, o := range out {
		if !o.Unresolved() {
			continue
		}
		handlers = append(handlers, o.Handler)
		if o.Err != nil {
			messages = append(messages, o.Handler+": "+o.Err.Error())
			reason = DeadLetterReason(o.Err, reason)
		}
		if evtType == "" {
			evtType = o.EventType
		}
	}

	md := rec.Metadata.WithAll(metadata.Metadata{
		metadata.KeyDeadLetterReason:    reason,
		metadata.KeyDeadLetterHandler:   strings.Join(handlers, ","),
		metadata.KeyDeadLetterTopic:     rec.Topic,
		metadata.KeyDeadLetterError:     strings.Join(messages, "; "),
		metadata.KeyDeadLetterAttempts:  strconv.Itoa(attempts),
		metadata.KeyDeadLetterEventType: evtType,
	})

	msg := message.NewMessage(ids.CreateULID(), rec.Payload)
	md.Stamp(msg)
	return msg
}

func (p *deadLetterPolicy) recordAge(rec dispatch.Record) time.Duration {
	raw := rec.Metadata[metadata.KeyTimestamp]
	if raw == "" {
		return 0
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	if age := p.now().Sub(ts); age > 0 {
		return age
	}
	return 0
}
