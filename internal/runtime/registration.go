package runtime

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/eventbus/internal/runtime/codec"
	"github.com/drblury/eventbus/internal/runtime/dispatch"
	errspkg "github.com/drblury/eventbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventbus/internal/runtime/logging"
)

// HandlerRegistration wires a typed handler function.
//
// Topic defaults to the first configured topic. When T is a protobuf message,
// EventType defaults to its full name and Decoder to binary protobuf;
// otherwise EventType is required and Decoder defaults to JSON.
type HandlerRegistration[T any] struct {
	Name      string
	Topic     string
	EventType string
	Decoder   codec.Decoder
	Handler   func(ctx context.Context, event T) error
}

// MethodRegistration wires a method expression such as
// (*Billing).OnOrderPlaced bound to Owner. The defaults match
// HandlerRegistration.
type MethodRegistration[O any, T any] struct {
	Name      string
	Topic     string
	EventType string
	Decoder   codec.Decoder
	Owner     *O
	Method    func(owner *O, ctx context.Context, event T) error
}

// InvokerRegistration wires a prepared dispatch registration, for example one
// whose decoder is resolved lazily by name.
type InvokerRegistration struct {
	Topic        string
	Registration dispatch.Registration
}

// RegisterHandler attaches a typed handler to the service.
func RegisterHandler[T any](svc *Service, cfg HandlerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	eventType, decoder, err := resolveDefaults[T](cfg.EventType, cfg.Decoder)
	if err != nil {
		return err
	}
	return svc.register(cfg.Topic, dispatch.Registration{
		Name:      handlerName[T](cfg.Name),
		EventType: eventType,
		Decoder:   decoder,
		Invoker:   dispatch.Bind(cfg.Handler),
	})
}

// RegisterMethod attaches a method bound to an owner instance.
func RegisterMethod[O any, T any](svc *Service, cfg MethodRegistration[O, T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Method == nil {
		return errspkg.ErrHandlerRequired
	}
	eventType, decoder, err := resolveDefaults[T](cfg.EventType, cfg.Decoder)
	if err != nil {
		return err
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("%s.%s-Handler", reflect.TypeOf((*O)(nil)).Elem().String(), typeString[T]())
	}
	return svc.register(cfg.Topic, dispatch.Registration{
		Name:      name,
		Owner:     cfg.Owner,
		EventType: eventType,
		Decoder:   decoder,
		Invoker:   dispatch.BindMethod(cfg.Owner, cfg.Method),
	})
}

// RegisterInvoker attaches a prepared registration as is.
func RegisterInvoker(svc *Service, cfg InvokerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.register(cfg.Topic, cfg.Registration)
}

func (s *Service) register(topic string, reg dispatch.Registration) error {
	s.registriesMu.Lock()
	defer s.registriesMu.Unlock()

	if s.started {
		return errspkg.ErrServiceStarted
	}
	if topic == "" {
		if len(s.Conf.Topics) == 0 {
			return fmt.Errorf("%w: handler %q", errspkg.ErrTopicRequired, reg.Name)
		}
		topic = s.Conf.Topics[0]
	}

	if err := s.registryFor(topic).Register(reg); err != nil {
		return err
	}
	s.stats.track(topic, reg)

	s.Logger.Debug("Registered handler", loggingpkg.LogFields{
		"topic":      topic,
		"handler":    reg.Name,
		"event_type": reg.EventType,
		"codec":      codec.NameOf(reg.Decoder),
	})
	return nil
}

// resolveDefaults fills the event type and decoder for T.
func resolveDefaults[T any](eventType string, decoder codec.Decoder) (string, codec.Decoder, error) {
	var zero T
	if msg, ok := any(zero).(proto.Message); ok {
		prototype := msg.ProtoReflect().Type().New().Interface()
		if eventType == "" {
			eventType = string(prototype.ProtoReflect().Descriptor().FullName())
		}
		if decoder == nil {
			decoder = codec.Proto(prototype)
		}
		return eventType, decoder, nil
	}
	if eventType == "" {
		return "", nil, fmt.Errorf("%w: %s is not a protobuf message", errspkg.ErrEventTypeRequired, typeString[T]())
	}
	if decoder == nil {
		decoder = codec.JSON[T]()
	}
	return eventType, decoder, nil
}

func handlerName[T any](name string) string {
	if name != "" {
		return name
	}
	return typeString[T]() + "-Handler"
}

func typeString[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
