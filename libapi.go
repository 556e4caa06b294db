package eventbus

import (
	"context"

	runtimepkg "github.com/drblury/eventbus/internal/runtime"
	"github.com/drblury/eventbus/internal/runtime/codec"
	configpkg "github.com/drblury/eventbus/internal/runtime/config"
	"github.com/drblury/eventbus/internal/runtime/dispatch"
	"github.com/drblury/eventbus/internal/runtime/envelope"
	errspkg "github.com/drblury/eventbus/internal/runtime/errors"
	idspkg "github.com/drblury/eventbus/internal/runtime/ids"
	"github.com/drblury/eventbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventbus/internal/runtime/metadata"
	"github.com/drblury/eventbus/internal/runtime/retry"
	"github.com/drblury/eventbus/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	HandlerRegistration[T any]       = runtimepkg.HandlerRegistration[T]
	MethodRegistration[O any, T any] = runtimepkg.MethodRegistration[O, T]
	InvokerRegistration              = runtimepkg.InvokerRegistration
	UnresolvedRecordError            = runtimepkg.UnresolvedRecordError
	MiddlewareBuilder                = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration           = runtimepkg.MiddlewareRegistration
	ConfigValidationError            = errspkg.ConfigValidationError
	EntryLoggerAdapter[T any]        = loggingpkg.EntryLoggerAdapter[T]
	EntryLogger                      = loggingpkg.EntryLogger
	LogFields                        = loggingpkg.LogFields
	ServiceLogger                    = loggingpkg.ServiceLogger
	Metadata                         = metadatapkg.Metadata

	// Dispatch
	Registration    = dispatch.Registration
	Registrations   = dispatch.Registrations
	Registry        = dispatch.Registry
	Record          = dispatch.Record
	Outcome         = dispatch.Outcome
	Outcomes        = dispatch.Outcomes
	OutcomeKind     = dispatch.Kind
	Result          = dispatch.Result
	Invoker         = dispatch.Invoker
	InvokerFunc     = dispatch.InvokerFunc
	Observer        = dispatch.Observer
	ObserverFunc    = dispatch.ObserverFunc
	PanicError      = dispatch.PanicError
	ArgumentError   = dispatch.ArgumentError
	InvocationError = dispatch.InvocationError
	Engine          = dispatch.Engine
	EngineOption    = dispatch.Option
	Table           = dispatch.Table

	// Envelopes and codecs
	Envelope           = envelope.Envelope
	EnvelopeParser     = envelope.Parser
	EnvelopeParserFunc = envelope.ParserFunc
	EnvelopeOptions    = envelope.Options
	ParseError         = envelope.ParseError
	Decoder            = codec.Decoder
	DecoderFunc        = codec.DecoderFunc
	DecodeError        = codec.DecodeError
	InstantiationError = codec.InstantiationError

	// Retry policies
	RetryPolicy        = retry.Policy
	RetryPolicyFunc    = retry.PolicyFunc
	RetryWork          = retry.Work
	RetryState         = retry.State
	BackoffConfig      = retry.BackoffConfig
	DeadLetterConfig   = retry.DeadLetterConfig
	RetryAfterError    = retry.RetryAfterError
	DeadLetterError    = retry.DeadLetterError
	RetryDecision      = retry.Decision
	DeadLetterRecorder = retry.Recorder

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Stats and metrics
	TopicInfo          = runtimepkg.TopicInfo
	HandlerInfo        = runtimepkg.HandlerInfo
	HandlerStats       = runtimepkg.HandlerStats
	ErrorCategory      = runtimepkg.ErrorCategory
	OutcomeMetrics     = runtimepkg.OutcomeMetrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTopicMetrics    = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Transports
	TransportBuilder  = transport.Builder
	TransportConfig   = transport.Config
	TransportRegistry = transport.Registry
	Capabilities      = transport.Capabilities
)

var (
	NewService    = runtimepkg.NewService
	TryNewService = runtimepkg.TryNewService
	LoadConfig    = configpkg.Load

	RegisterInvoker = runtimepkg.RegisterInvoker

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Stats and metrics
	ClassifyOutcome   = runtimepkg.ClassifyOutcome
	NewOutcomeMetrics = runtimepkg.NewOutcomeMetrics
	NewDLQMetrics     = runtimepkg.NewDLQMetrics

	// Dispatch
	NewRegistry       = dispatch.NewRegistry
	WithRecord        = dispatch.WithRecord
	RecordFromContext = dispatch.RecordFromContext
	NewEngine         = dispatch.NewEngine
	WithObserver      = dispatch.WithObserver
	WithConsumerGroup = dispatch.WithConsumerGroup
	OK                = dispatch.OK
	Rejected          = dispatch.Rejected
	Threw             = dispatch.Threw

	// Envelopes
	NewEnvelopeParser  = envelope.New
	EncodeEnvelope     = envelope.Encode
	MustEncodeEnvelope = envelope.MustEncode

	// Codecs
	ProtoDecoder     = codec.Proto
	ProtoJSONDecoder = codec.ProtoJSON
	ProtoByName      = codec.ProtoByName
	RawDecoder       = codec.Raw
	LazyDecoder      = codec.Lazy

	// Retry policies and handler errors
	NoRetry               = retry.NoRetry
	Backoff               = retry.Backoff
	DeadLetter            = retry.DeadLetter
	SuffixTopic           = retry.SuffixTopic
	RetryStateFromContext = retry.StateFromContext
	RetryAfter            = retry.RetryAfter
	DeadLetterWithReason  = retry.DeadLetterWithReason
	ClassifyError         = retry.Classify
	IsRetryable           = retry.IsRetryable
	ShouldDeadLetter      = retry.ShouldDeadLetter
	ErrRetry              = retry.ErrRetry
	ErrDeadLetter         = retry.ErrDeadLetter
	ErrUnprocessable      = retry.ErrUnprocessable

	// Transports. kafka, jetstream, io and channel are registered by default.
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities
	ErrUnknownTransport      = transport.ErrUnknownTransport
	ErrNoSubscriber          = transport.ErrNoSubscriber

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired = errspkg.ErrHandlerNameRequired
	ErrEventTypeRequired   = errspkg.ErrEventTypeRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrServiceStarted      = errspkg.ErrServiceStarted
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrDuplicateHandler    = errspkg.ErrDuplicateHandler
	ErrRegistryFrozen      = errspkg.ErrRegistryFrozen
	ErrPublisherRequired   = errspkg.ErrPublisherRequired

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Outcome kinds and the reasons attached to skipped and rejected outcomes.
const (
	KindSkipped         = dispatch.KindSkipped
	KindDelivered       = dispatch.KindDelivered
	KindHandlerRejected = dispatch.KindHandlerRejected
	KindHandlerThrew    = dispatch.KindHandlerThrew

	ReasonParseError       = dispatch.ReasonParseError
	ReasonNoSubscriber     = dispatch.ReasonNoSubscriber
	ReasonDecodeError      = dispatch.ReasonDecodeError
	ReasonCodecUnavailable = dispatch.ReasonCodecUnavailable
	ReasonArgumentMismatch = dispatch.ReasonArgumentMismatch
	ReasonOwnerUnavailable = dispatch.ReasonOwnerUnavailable
	ReasonHandlerUnbound   = dispatch.ReasonHandlerUnbound
)

// Record verdicts reported to JobHooks and the outcome metrics.
const (
	VerdictSkipped      = dispatch.VerdictSkipped
	VerdictDelivered    = dispatch.VerdictDelivered
	VerdictRejected     = dispatch.VerdictRejected
	VerdictDeadLettered = dispatch.VerdictDeadLettered
	VerdictUnresolved   = dispatch.VerdictUnresolved
)

// Ack modes accepted by Config.AckMode.
const (
	AckOnResolved = configpkg.AckOnResolved
	AckAlways     = configpkg.AckAlways

	// DefaultEnvPrefix prefixes the environment variables read by LoadConfig.
	DefaultEnvPrefix = configpkg.DefaultEnvPrefix
)

// Envelope formats accepted by Config.Envelope.
const (
	EnvelopeBinary      = envelope.FormatBinary
	EnvelopeJSON        = envelope.FormatJSON
	EnvelopeCloudEvents = envelope.FormatCloudEvents
	EnvelopeAuto        = envelope.FormatAuto
)

// Metadata keys the transports stamp on consumed records and the dead-letter
// policy adds to routed ones.
const (
	MetadataKeyTopic     = metadatapkg.KeyTopic
	MetadataKeyKey       = metadatapkg.KeyKey
	MetadataKeyPartition = metadatapkg.KeyPartition
	MetadataKeyOffset    = metadatapkg.KeyOffset
	MetadataKeyTimestamp = metadatapkg.KeyTimestamp

	MetadataKeyDeadLetterReason    = metadatapkg.KeyDeadLetterReason
	MetadataKeyDeadLetterHandler   = metadatapkg.KeyDeadLetterHandler
	MetadataKeyDeadLetterTopic     = metadatapkg.KeyDeadLetterTopic
	MetadataKeyDeadLetterError     = metadatapkg.KeyDeadLetterError
	MetadataKeyDeadLetterAttempts  = metadatapkg.KeyDeadLetterAttempts
	MetadataKeyDeadLetterEventType = metadatapkg.KeyDeadLetterEventType

	MetadataKeyCorrelationID = runtimepkg.CorrelationIDKey
)

// Error category constants for ClassifyOutcome.
const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryRejected  = runtimepkg.ErrorCategoryRejected
	ErrorCategoryBusiness  = runtimepkg.ErrorCategoryBusiness
	ErrorCategoryPanic     = runtimepkg.ErrorCategoryPanic
	ErrorCategoryCancelled = runtimepkg.ErrorCategoryCancelled
)

func RegisterHandler[T any](svc *Service, cfg HandlerRegistration[T]) error {
	return runtimepkg.RegisterHandler(svc, cfg)
}

func RegisterMethod[O any, T any](svc *Service, cfg MethodRegistration[O, T]) error {
	return runtimepkg.RegisterMethod(svc, cfg)
}

// JSONDecoder decodes JSON payloads into a T.
func JSONDecoder[T any]() Decoder {
	return codec.JSON[T]()
}

// Bind adapts a typed handler function to an Invoker.
func Bind[T any](fn func(context.Context, T) error) Invoker {
	return dispatch.Bind(fn)
}

// BindMethod adapts a method expression bound to owner to an Invoker.
func BindMethod[O any, T any](owner *O, method func(*O, context.Context, T) error) Invoker {
	return dispatch.BindMethod(owner, method)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
