package dispatch

import (
	"fmt"
	"sync"

	"github.com/drblury/eventbus/internal/runtime/codec"
	errspkg "github.com/drblury/eventbus/internal/runtime/errors"
)

// Registration binds a handler to an event type together with the decoder
// that turns the payload into the handler's argument.
type Registration struct {
	Name      string
	Owner     any
	EventType string
	Decoder   codec.Decoder
	Invoker   Invoker
}

// Table answers which registrations want an event type, in registration order.
type Table interface {
	Match(eventType string) Registrations
}

// Registrations is a plain registration list. It satisfies Table with a
// linear filter.
type Registrations []Registration

func (rs Registrations) Match(eventType string) Registrations {
	var out Registrations
	for _, r := range rs {
		if r.EventType == eventType {
			out = append(out, r)
		}
	}
	return out
}

// Registry is the typed dispatch table for one topic. It is written during
// startup and frozen before the poll loop begins.
type Registry struct {
	mu     sync.RWMutex
	regs   Registrations
	byType map[string][]int
	names  map[string]struct{}
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[string][]int),
		names:  make(map[string]struct{}),
	}
}

// Register appends reg. Names are unique per registry.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if reg.EventType == "" {
		return fmt.Errorf("%w: handler %q", errspkg.ErrEventTypeRequired, reg.Name)
	}
	if reg.Invoker == nil {
		return fmt.Errorf("%w: handler %q", errspkg.ErrHandlerRequired, reg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot add %q", errspkg.ErrRegistryFrozen, reg.Name)
	}
	if _, dup := r.names[reg.Name]; dup {
		return fmt.Errorf("%w: %q", errspkg.ErrDuplicateHandler, reg.Name)
	}

	r.names[reg.Name] = struct{}{}
	r.regs = append(r.regs, reg)
	r.byType[reg.EventType] = append(r.byType[reg.EventType], len(r.regs)-1)
	return nil
}

func (r *Registry) Match(eventType string) Registrations {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.byType[eventType]
	if len(idx) == 0 {
		return nil
	}
	out := make(Registrations, len(idx))
	for i, j := range idx {
		out[i] = r.regs[j]
	}
	return out
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// EventTypes lists the registered event types in first-registration order.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.byType))
	types := make([]string, 0, len(r.byType))
	for _, reg := range r.regs {
		if _, ok := seen[reg.EventType]; ok {
			continue
		}
		seen[reg.EventType] = struct{}{}
		types = append(types, reg.EventType)
	}
	return types
}

// Registrations returns a copy of every registration in order.
func (r *Registry) Registrations() Registrations {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(Registrations, len(r.regs))
	copy(out, r.regs)
	return out
}
