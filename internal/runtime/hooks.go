package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventbus/internal/runtime/dispatch"
	errspkg "github.com/drblury/eventbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventbus/internal/runtime/logging"
)

// JobContext describes one consumed record to hooks.
type JobContext struct {
	// Topic is the topic the record was consumed from.
	Topic string
	// MessageUUID is the unique identifier of the record.
	MessageUUID string
	Key         string
	Partition   int32
	Offset      int64
	// Metadata contains the record headers.
	Metadata message.Metadata
	// Context is the context the record is dispatched with.
	Context context.Context
	// StartedAt is when the record was picked up.
	StartedAt time.Time
	// Duration is how long the record took, retries included (only set in
	// OnJobDone and OnJobError).
	Duration time.Duration
	// Attempts is the number of dispatch attempts the retry policy made.
	Attempts int
	// Outcomes are the final outcomes, one per matched handler.
	Outcomes dispatch.Outcomes
	// Verdict summarises Outcomes.
	Verdict string
}

// JobHooks defines callbacks around every consumed record.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the record is dispatched.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when no handler failure is left unresolved.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when handler failures survived the retry policy.
	// The error is an *UnresolvedRecordError.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log every record's lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Record received", loggingpkg.LogFields{
				"topic":        ctx.Topic,
				"partition":    ctx.Partition,
				"offset":       ctx.Offset,
				"message_uuid": ctx.MessageUUID,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Record processed", loggingpkg.LogFields{
				"topic":        ctx.Topic,
				"partition":    ctx.Partition,
				"offset":       ctx.Offset,
				"verdict":      ctx.Verdict,
				"attempts":     ctx.Attempts,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"message_uuid": ctx.MessageUUID,
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Record left unresolved", err, loggingpkg.LogFields{
				"topic":        ctx.Topic,
				"partition":    ctx.Partition,
				"offset":       ctx.Offset,
				"attempts":     ctx.Attempts,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"message_uuid": ctx.MessageUUID,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward record verdicts.
func MetricsHooks(onStart func(topic string), onDone, onError func(topic, verdict string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Topic, ctx.Verdict)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Topic, ctx.Verdict)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on unresolved records.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}

// AddHooks merges hooks into the service. It fails once the service started.
func (s *Service) AddHooks(hooks JobHooks) error {
	s.registriesMu.Lock()
	defer s.registriesMu.Unlock()
	if s.started {
		return errspkg.ErrServiceStarted
	}
	s.hooks = s.hooks.Merge(hooks)
	return nil
}
