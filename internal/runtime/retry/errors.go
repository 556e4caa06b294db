package retry

import (
	"errors"
	"fmt"
	"time"
)

// Handlers may return these (or wrap them) to steer the retry policy. They
// never change the outcome kind: a handler returning ErrDeadLetter still
// produced a HandlerThrew outcome.
var (
	// ErrRetry asks for another attempt with the policy's backoff.
	ErrRetry = errors.New("eventbus: retry record")

	// ErrDeadLetter asks to stop retrying and route the record to the
	// dead-letter topic when one is configured.
	ErrDeadLetter = errors.New("eventbus: send to dead letter topic")

	// ErrUnprocessable marks a record that can never succeed. It is treated
	// like ErrDeadLetter.
	ErrUnprocessable = errors.New("eventbus: unprocessable record")
)

// RetryAfterError asks for another attempt after Delay.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// RetryAfter builds a RetryAfterError.
//
//	return retry.RetryAfter(5*time.Second, fmt.Errorf("rate limited"))
func RetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("eventbus: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("eventbus: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Cause
}

func (e *RetryAfterError) Is(target error) bool {
	if target == ErrRetry {
		return true
	}
	_, ok := target.(*RetryAfterError)
	return ok
}

// DeadLetterError asks to dead-letter the record with a reason.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// DeadLetterWithReason builds a DeadLetterError.
func DeadLetterWithReason(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("eventbus: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("eventbus: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Cause
}

func (e *DeadLetterError) Is(target error) bool {
	if target == ErrDeadLetter {
		return true
	}
	_, ok := target.(*DeadLetterError)
	return ok
}

// Decision is what the policy should do about one handler error.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionRetry
	DecisionRetryAfter
	DecisionDeadLetter
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionRetry:
		return "retry"
	case DecisionRetryAfter:
		return "retry_after"
	case DecisionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Classify maps a handler error to a decision and, for RetryAfterError, the
// requested delay. Unknown errors are retryable.
func Classify(err error) (Decision, time.Duration) {
	if err == nil {
		return DecisionNone, 0
	}

	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		return DecisionRetryAfter, retryAfter.Delay
	}
	if errors.Is(err, ErrDeadLetter) || errors.Is(err, ErrUnprocessable) {
		return DecisionDeadLetter, 0
	}
	return DecisionRetry, 0
}

// IsRetryable reports whether err asks for, or permits, another attempt.
func IsRetryable(err error) bool {
	d, _ := Classify(err)
	return d == DecisionRetry || d == DecisionRetryAfter
}

// ShouldDeadLetter reports whether err asks to skip further attempts.
func ShouldDeadLetter(err error) bool {
	d, _ := Classify(err)
	return d == DecisionDeadLetter
}

// DeadLetterReason returns the reason carried by a DeadLetterError in err's
// chain, or fallback.
func DeadLetterReason(err error, fallback string) string {
	var dl *DeadLetterError
	if errors.As(err, &dl) && dl.Reason != "" {
		return dl.Reason
	}
	return fallback
}
