package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/eventbus/internal/runtime/config"
	"github.com/drblury/eventbus/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/eventbus/internal/runtime/logging"
	"github.com/drblury/eventbus/internal/runtime/metadata"
)

// UnresolvedRecordError is returned to the router for a record whose handler
// failures survived the retry policy. The router nacks it, so the transport
// redelivers the record instead of committing its offset.
type UnresolvedRecordError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *UnresolvedRecordError) Error() string {
	return fmt.Sprintf("record %s/%d@%d left unresolved: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *UnresolvedRecordError) Unwrap() error {
	return e.Err
}

// consumeHandler is the per-topic poll loop body. It runs once per fetched
// record; returning nil acks the record.
func (s *Service) consumeHandler(topic string, table dispatch.Table) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ctx := msg.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		rec := recordFromMessage(topic, msg)
		ctx = dispatch.WithRecord(ctx, rec)

		job := JobContext{
			Topic:       rec.Topic,
			MessageUUID: rec.UUID,
			Key:         rec.Key,
			Partition:   rec.Partition,
			Offset:      rec.Offset,
			Metadata:    msg.Metadata,
			Context:     ctx,
			StartedAt:   time.Now(),
		}
		if s.hooks.OnJobStart != nil {
			s.hooks.OnJobStart(job)
		}

		out, attempts := s.process(ctx, table)

		job.Duration = time.Since(job.StartedAt)
		job.Attempts = attempts
		job.Outcomes = out
		job.Verdict = out.Verdict()
		if s.metrics != nil {
			s.metrics.ObserveRecord(rec.Topic, job.Verdict, job.Duration)
		}

		if !out.HasUnresolved() {
			if s.hooks.OnJobDone != nil {
				s.hooks.OnJobDone(job)
			}
			return nil
		}

		err := &UnresolvedRecordError{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Err:       out.Err(),
		}
		if s.hooks.OnJobError != nil {
			s.hooks.OnJobError(job, err)
		}
		if s.Conf.AckMode == configpkg.AckAlways {
			s.Logger.Error("Committing record with unresolved handler failures", err, s.recordFields(rec))
			return nil
		}
		return err
	}
}

// process runs one record through the retry policy. The work closure calls
// the engine exactly once per attempt.
func (s *Service) process(ctx context.Context, table dispatch.Table) (dispatch.Outcomes, int) {
	rec, _ := dispatch.RecordFromContext(ctx)
	attempts := 0
	out := s.policy.Run(ctx, func(ctx context.Context) dispatch.Outcomes {
		attempts++
		return s.engine.Dispatch(ctx, rec.Payload, table)
	})
	s.stats.ObserveRecord(ctx, out)
	return out, attempts
}

func (s *Service) recordFields(rec dispatch.Record) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"topic":        rec.Topic,
		"partition":    rec.Partition,
		"offset":       rec.Offset,
		"message_uuid": rec.UUID,
	}
	if s.Conf.ConsumerGroup != "" {
		fields["group"] = s.Conf.ConsumerGroup
	}
	if rec.Key != "" {
		fields["key"] = rec.Key
	}
	return fields
}

// recordFromMessage builds the dispatch record for a polled message.
func recordFromMessage(topic string, msg *message.Message) dispatch.Record {
	md := metadata.FromMessage(msg)
	at := md.Coordinates(topic)
	return dispatch.Record{
		Topic:     at.Topic,
		Key:       at.Key,
		UUID:      msg.UUID,
		Partition: at.Partition,
		Offset:    at.Offset,
		Metadata:  md,
		Payload:   msg.Payload,
	}
}
