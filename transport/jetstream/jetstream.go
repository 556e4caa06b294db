// Package jetstream provides the NATS JetStream transport. Every topic maps
// to the subject <stream>.<topic>; each consumer group gets one durable pull
// consumer per topic with explicit acks, so a nacked record is redelivered
// before anything behind it.
package jetstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultStream is used when no stream name is configured.
	DefaultStream = "EVENTBUS"

	// DefaultAckWait is how long JetStream waits for an ack before
	// redelivering.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchBatch bounds the records pulled per fetch.
	DefaultFetchBatch = 10

	// DefaultFetchWait is the long-poll duration of one fetch.
	DefaultFetchWait = time.Second
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build creates a new JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	config := Config{
		URL:     cfg.GetNATSURL(),
		Stream:  cfg.GetNATSStream(),
		Durable: cfg.GetConsumerGroup(),
	}.withDefaults()
	if config.URL == "" {
		return transport.Transport{}, fmt.Errorf("jetstream: URL is required")
	}
	if config.Durable == "" {
		return transport.Transport{}, fmt.Errorf("jetstream: consumer group is required")
	}

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:       config.URL,
			Marshaler: &wmnats.NATSMarshaler{},
			JetStream: wmnats.JetStreamConfig{
				Disabled:   false,
				TrackMsgId: true,
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(config, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  &subjectPublisher{stream: config.Stream, inner: publisher},
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Stream is the JetStream stream holding every topic.
	Stream string

	// Durable prefixes the durable consumer names; it is the consumer group.
	Durable string

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// MaxDeliver caps delivery attempts; zero or negative is unlimited.
	MaxDeliver int

	FetchBatch int
	FetchWait  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = -1
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = DefaultFetchBatch
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	return c
}

// SubjectFor returns the subject a topic is stored under.
func SubjectFor(stream, topic string) string {
	return stream + "." + topic
}

// DurableName returns the durable consumer name for a group and topic.
// JetStream rejects '.', '*', '>' and whitespace in durable names.
func DurableName(group, topic string) string {
	return durableReplacer.Replace(group + "_" + topic)
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// subjectPublisher maps topics onto stream subjects before handing the
// messages to the watermill-nats publisher.
type subjectPublisher struct {
	stream string
	inner  message.Publisher
}

func (p *subjectPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.inner.Publish(SubjectFor(p.stream, topic), messages...)
}

func (p *subjectPublisher) Close() error {
	return p.inner.Close()
}
