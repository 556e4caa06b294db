package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/eventbus/internal/runtime/config"
	"github.com/drblury/eventbus/internal/runtime/dispatch"
	"github.com/drblury/eventbus/internal/runtime/envelope"
	errspkg "github.com/drblury/eventbus/internal/runtime/errors"
	"github.com/drblury/eventbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventbus/internal/runtime/logging"
	"github.com/drblury/eventbus/internal/runtime/retry"
	"github.com/drblury/eventbus/transport"

	// Built-in transports register themselves with transport.DefaultRegistry.
	_ "github.com/drblury/eventbus/transport/channel"
	_ "github.com/drblury/eventbus/transport/io"
	_ "github.com/drblury/eventbus/transport/jetstream"
	_ "github.com/drblury/eventbus/transport/kafka"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to derive them from the configuration.
type ServiceDependencies struct {
	// Parser overrides the envelope format selected by Config.Envelope.
	Parser envelope.Parser
	// Policy overrides the retry policy built from the retry.* settings. The
	// dead-letter wrapper is still applied when a dead-letter topic is set.
	Policy retry.Policy
	// Publisher receives dead-lettered records. Defaults to the transport's
	// publisher.
	Publisher message.Publisher
	// Observer is notified of every dispatch outcome after the built-in stats.
	Observer dispatch.Observer
	// Hooks run around every record.
	Hooks JobHooks

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	// TransportRegistry resolves Config.PubSubSystem. Defaults to transport.DefaultRegistry.
	TransportRegistry *transport.Registry
	// Registerer receives the Prometheus collectors. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Service consumes the configured topics and dispatches every record to the
// handlers registered for its event type.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher    message.Publisher
	subscriber   message.Subscriber
	router       *message.Router
	capabilities transport.Capabilities

	engine *dispatch.Engine
	policy retry.Policy
	hooks  JobHooks

	registriesMu sync.RWMutex
	registries   map[string]*dispatch.Registry
	topics       []string
	started      bool

	stats      *statsRegistry
	metrics    *OutcomeMetrics
	dlqMetrics *DLQMetrics
	registerer prometheus.Registerer

	httpServers   map[int]*http.ServeMux
	httpListeners []*http.Server
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot. Register handlers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning the construction error instead of
// panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	cfg := conf.WithDefaults()
	if err := errspkg.NewConfigValidationError(cfg.Validate()); err != nil {
		return nil, err
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service",
		loggingpkg.LogFields{
			"pubsub_system":  cfg.PubSubSystem,
			"consumer_group": cfg.ConsumerGroup,
			"config":         cfg.String(),
		})

	registry := deps.TransportRegistry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	tr, err := registry.Build(ctx, &cfg, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", cfg.PubSubSystem, err)
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	s := &Service{
		Conf:         &cfg,
		Logger:       log,
		publisher:    tr.Publisher,
		subscriber:   tr.Subscriber,
		capabilities: registry.GetCapabilities(cfg.PubSubSystem),
		hooks:        deps.Hooks,
		registries:   make(map[string]*dispatch.Registry),
		stats:        newStatsRegistry(),
		dlqMetrics:   NewDLQMetrics(registerer),
		registerer:   registerer,
	}
	for _, topic := range cfg.Topics {
		s.registryFor(topic)
	}

	if err := s.initDispatch(deps); err != nil {
		s.closeTransport()
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		s.closeTransport()
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		s.closeTransport()
		return nil, err
	}

	return s, nil
}

func (s *Service) initDispatch(deps ServiceDependencies) error {
	parser := deps.Parser
	if parser == nil {
		var err error
		parser, err = envelope.New(s.Conf.Envelope, envelope.Options{
			TypeField:    s.Conf.EnvelopeTypeField,
			PayloadField: s.Conf.EnvelopePayloadField,
		})
		if err != nil {
			return err
		}
	}

	observers := []dispatch.Observer{s.stats}
	if s.Conf.MetricsEnabled {
		s.metrics = NewOutcomeMetrics(s.registerer)
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register dispatch metrics: %w", err)
		}
		if err := s.dlqMetrics.Register(); err != nil {
			return fmt.Errorf("register dead-letter metrics: %w", err)
		}
		observers = append(observers, s.metrics)
	}
	if deps.Observer != nil {
		observers = append(observers, deps.Observer)
	}

	s.engine = dispatch.NewEngine(parser, s.Logger,
		dispatch.WithObserver(fanOut(observers)),
		dispatch.WithConsumerGroup(s.Conf.ConsumerGroup),
	)

	policy := deps.Policy
	if policy == nil {
		policy = policyFromConfig(s.Conf, s.Logger)
	}
	if s.Conf.DeadLetterTopic != "" || s.Conf.DeadLetterSuffix != "" {
		pub := deps.Publisher
		if pub == nil {
			pub = s.publisher
		}
		dlCfg := retry.DeadLetterConfig{
			Topic:     s.Conf.DeadLetterTopic,
			Publisher: pub,
			Recorder:  s.dlqMetrics,
			Logger:    s.Logger,
		}
		if s.Conf.DeadLetterSuffix != "" {
			dlCfg.TopicFor = retry.SuffixTopic(s.Conf.DeadLetterSuffix)
		}
		wrapped, err := retry.DeadLetter(policy, dlCfg)
		if err != nil {
			return fmt.Errorf("dead-letter policy: %w", err)
		}
		policy = wrapped
	}
	s.policy = policy
	return nil
}

func policyFromConfig(conf *configpkg.Config, log loggingpkg.ServiceLogger) retry.Policy {
	if conf.RetryMaxRetries == 0 {
		return retry.NoRetry()
	}
	return retry.Backoff(retry.BackoffConfig{
		MaxRetries:      conf.RetryMaxRetries,
		InitialInterval: conf.RetryInitialInterval,
		MaxInterval:     conf.RetryMaxInterval,
		Multiplier:      conf.RetryMultiplier,
		MaxElapsedTime:  conf.RetryMaxElapsedTime,
	}, log)
}

// Start freezes the handler registries, subscribes to every known topic and
// runs the router until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.freeze(); err != nil {
		return err
	}
	s.StartWebUIServer()
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

func (s *Service) freeze() error {
	s.registriesMu.Lock()
	defer s.registriesMu.Unlock()

	if s.started {
		return errspkg.ErrServiceStarted
	}
	s.started = true

	if s.Conf.AckMode == configpkg.AckOnResolved && !s.capabilities.SupportsReliableDelivery() {
		s.Logger.Warn("Transport cannot redeliver; failed records will not be retried by the broker", loggingpkg.LogFields{
			"pubsub_system": s.Conf.PubSubSystem,
			"ack_mode":      s.Conf.AckMode,
		})
	}

	for _, topic := range s.topics {
		reg := s.registries[topic]
		reg.Freeze()
		if reg.Len() == 0 {
			s.Logger.Warn("Topic has no registered handlers; records will be skipped", loggingpkg.LogFields{
				"topic": topic,
			})
		}
		s.router.AddNoPublisherHandler(
			consumerName(s.Conf.ConsumerGroup, topic),
			topic,
			s.subscriber,
			s.consumeHandler(topic, reg),
		)
	}
	return nil
}

func consumerName(group, topic string) string {
	if group == "" {
		return "eventbus-" + topic
	}
	return group + "-" + topic
}

// Dispatch runs raw through the retry policy and the dispatch engine as if it
// had been consumed from topic, without touching the broker.
func (s *Service) Dispatch(ctx context.Context, topic string, raw []byte) dispatch.Outcomes {
	rec := dispatch.Record{
		Topic:     topic,
		UUID:      ids.CreateULID(),
		Partition: -1,
		Offset:    -1,
		Payload:   raw,
	}
	out, _ := s.process(dispatch.WithRecord(ctx, rec), s.tableFor(topic))
	return out
}

// Close stops the router and the HTTP servers, then releases the transport.
func (s *Service) Close() error {
	var errs []error
	if s.router != nil {
		if err := s.router.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.httpServersMu.Lock()
	servers := s.httpListeners
	s.httpListeners = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, s.closeTransport())
	return errors.Join(errs...)
}

func (s *Service) closeTransport() error {
	var errs []error
	if s.subscriber != nil {
		errs = append(errs, s.subscriber.Close())
	}
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	return errors.Join(errs...)
}

// Topics lists every topic the service consumes, in first-seen order.
func (s *Service) Topics() []string {
	s.registriesMu.RLock()
	defer s.registriesMu.RUnlock()
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// Registry returns the dispatch registry for topic, or nil when the topic is unknown.
func (s *Service) Registry(topic string) *dispatch.Registry {
	s.registriesMu.RLock()
	defer s.registriesMu.RUnlock()
	return s.registries[topic]
}

// Publisher exposes the transport publisher, mainly for producing test records.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}

// Capabilities describes the transport selected by the configuration.
func (s *Service) Capabilities() transport.Capabilities {
	return s.capabilities
}

// DLQMetrics exposes dead-letter bookkeeping.
func (s *Service) DLQMetrics() *DLQMetrics {
	return s.dlqMetrics
}

// registryFor returns the registry for topic, creating it on first use.
// Callers must hold registriesMu or be constructing the service.
func (s *Service) registryFor(topic string) *dispatch.Registry {
	if reg, ok := s.registries[topic]; ok {
		return reg
	}
	reg := dispatch.NewRegistry()
	s.registries[topic] = reg
	s.topics = append(s.topics, topic)
	return reg
}

func (s *Service) tableFor(topic string) dispatch.Table {
	if reg := s.Registry(topic); reg != nil {
		return reg
	}
	return dispatch.Registrations(nil)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.httpListeners = append(s.httpListeners, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

type fanOut []dispatch.Observer

func (f fanOut) Observe(ctx context.Context, outcome dispatch.Outcome, elapsed time.Duration) {
	for _, o := range f {
		o.Observe(ctx, outcome, elapsed)
	}
}
