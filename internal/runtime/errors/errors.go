package errors

import sterrors "errors"

var (
	ErrServiceRequired     = sterrors.New("eventbus: event service is required")
	ErrHandlerRequired     = sterrors.New("eventbus: handler function is required")
	ErrHandlerNameRequired = sterrors.New("eventbus: handler name is required")
	ErrEventTypeRequired   = sterrors.New("eventbus: event type is required")
	ErrTopicRequired       = sterrors.New("eventbus: topic is required")
	ErrServiceStarted      = sterrors.New("eventbus: service already started")
	ErrConfigRequired      = sterrors.New("eventbus: configuration is required")
	ErrLoggerRequired      = sterrors.New("eventbus: logger is required")
	ErrDuplicateHandler    = sterrors.New("eventbus: handler already registered")
	ErrRegistryFrozen      = sterrors.New("eventbus: registry is frozen")
	ErrPublisherRequired   = sterrors.New("eventbus: publisher is required")
)

// ConfigValidationError reports a configuration that failed Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "eventbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
