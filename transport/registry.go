package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrUnknownTransport is returned by Build when no builder is registered
	// for the configured pubsub system.
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrNoSubscriber is returned by Build when a builder yields a transport
	// that cannot consume.
	ErrNoSubscriber = errors.New("transport has no subscriber")
)

type entry struct {
	build Builder
	caps  Capabilities
}

// Registry maps pubsub_system names to transport builders. Names are matched
// case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry holds the transports registered by the transport packages'
// init functions.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a builder with no declared capabilities. The consumer loop
// then treats the transport as unable to nack.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{})
}

// RegisterWithCapabilities adds a builder together with what the broker can
// do. An empty caps.Name defaults to the registered name. Registering a name
// twice replaces the earlier entry.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	key := normalizeName(name)
	if caps.Name == "" {
		caps.Name = key
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = entry{build: builder, caps: caps}
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalizeName(name)]
	return e, ok
}

// GetCapabilities returns what the named transport supports. Unknown names
// yield a zero value carrying only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if e, ok := r.lookup(name); ok {
		return e.caps
	}
	return Capabilities{Name: normalizeName(name)}
}

// Build creates the transport selected by cfg.GetPubSubSystem. A transport
// without a subscriber is rejected and its publisher, if any, is closed.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := normalizeName(cfg.GetPubSubSystem())
	e, ok := r.lookup(name)
	if !ok {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}

	t, err := e.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	if t.Subscriber == nil {
		if t.Publisher != nil {
			_ = t.Publisher.Close()
		}
		return Transport{}, fmt.Errorf("build %s transport: %w", name, ErrNoSubscriber)
	}
	return t, nil
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to
// DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
