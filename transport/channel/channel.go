// Package channel provides an in-memory transport built on watermill's
// gochannel. It is meant for tests and local development: records are
// stamped with a per-topic sequence on publish so logs and dead-letter
// metadata carry offsets like a real log would.
package channel

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/eventbus/internal/runtime/metadata"
	"github.com/drblury/eventbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultConfig keeps published records for subscribers that attach late.
// gochannel resends a nacked record to the same subscriber before moving on.
var DefaultConfig = gochannel.Config{
	OutputChannelBuffer: 64,
	Persistent:          true,
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(DefaultConfig, logger)
	return transport.Transport{
		Publisher:  NewSequencer(pub),
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Sequencer stamps the topic and a per-topic offset onto every published
// message before forwarding it.
type Sequencer struct {
	inner message.Publisher

	mu      sync.Mutex
	offsets map[string]int64
}

// NewSequencer wraps inner.
func NewSequencer(inner message.Publisher) *Sequencer {
	return &Sequencer{inner: inner, offsets: make(map[string]int64)}
}

func (s *Sequencer) Publish(topic string, messages ...*message.Message) error {
	s.mu.Lock()
	for _, msg := range messages {
		msg.Metadata.Set(metadata.KeyTopic, topic)
		msg.Metadata.Set(metadata.KeyOffset, strconv.FormatInt(s.offsets[topic], 10))
		s.offsets[topic]++
	}
	s.mu.Unlock()

	return s.inner.Publish(topic, messages...)
}

func (s *Sequencer) Close() error {
	return s.inner.Close()
}
