package runtime

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/eventbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventbus/internal/runtime/logging"
	"github.com/drblury/eventbus/internal/runtime/metadata"
)

// CorrelationIDKey is the metadata key carrying the correlation identifier.
const CorrelationIDKey = "correlation_id"

const tracerName = "github.com/drblury/eventbus"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Service constructor.
// Retries and dead-lettering are not middlewares: the retry policy runs them
// inside the poll loop so they see dispatch outcomes.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds watermill's Prometheus router metrics and serves
// /metrics when a metrics port is configured.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.registerer,
				metricsNamespace,
				s.Conf.PubSubSystem,
			)

			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", metricsHandler(s.registerer))
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// metricsHandler serves the registry the collectors were registered with.
func metricsHandler(registerer prometheus.Registerer) http.Handler {
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// CorrelationIDMiddleware ensures each processed record carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return correlationIDMiddleware, nil
		},
	}
}

// LogMessagesMiddleware logs the coordinates and metadata of every fetched record.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps record handling in an OpenTelemetry consumer span.
// The dispatch engine adds one span event per outcome.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(s.Conf.ConsumerGroup), nil
		},
	}
}

// RecovererMiddleware converts panics outside handlers into errors so the
// record is nacked instead of crashing the router.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(CorrelationIDKey) == "" {
			msg.Metadata.Set(CorrelationIDKey, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing record", loggingpkg.LogFields{
				"message_uuid":  msg.UUID,
				"payload_bytes": len(msg.Payload),
				"metadata":      msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(group string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			md := metadata.FromMessage(msg)
			attrs := []attribute.KeyValue{
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("messaging.destination.name", md[metadata.KeyTopic]),
				attribute.String("messaging.operation.type", "process"),
			}
			if group != "" {
				attrs = append(attrs, attribute.String("messaging.consumer.group.name", group))
			}
			if p := md[metadata.KeyPartition]; p != "" {
				attrs = append(attrs, attribute.String("messaging.destination.partition.id", p))
			}
			if o, err := strconv.ParseInt(md[metadata.KeyOffset], 10, 64); err == nil {
				attrs = append(attrs, attribute.Int64("messaging.kafka.offset", o))
			}

			ctx, span := otel.Tracer(tracerName).Start(
				msg.Context(),
				"eventbus.consume",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()
			msg.SetContext(ctx)

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}
