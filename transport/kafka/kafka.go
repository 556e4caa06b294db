// Package kafka provides the Kafka transport. Records are consumed through a
// consumer group with explicit offset commits; a record is committed only
// when the poll loop acks it.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventbus/internal/runtime/metadata"
	"github.com/drblury/eventbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// Defaults used when the config leaves a value empty.
const (
	DefaultClientID       = "eventbus"
	DefaultSessionTimeout = 100 * time.Second
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("kafka: brokers are required")
	}

	saramaCfg, err := SubscriberSaramaConfig(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	keyFormat, err := ParseKeyFormat(cfg.GetKafkaKeyFormat())
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.NewWithPartitioningMarshaler(partitionKey),
			OverwriteSaramaConfig: publisherSaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           RecordUnmarshaler{KeyFormat: keyFormat},
			OverwriteSaramaConfig: saramaCfg,
			ConsumerGroup:         cfg.GetConsumerGroup(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// SubscriberSaramaConfig derives the consumer settings: auto commit off unless
// enabled, read_committed isolation, a 100s session timeout and the oldest
// initial offset unless configured otherwise.
func SubscriberSaramaConfig(cfg transport.Config) (*sarama.Config, error) {
	sc := kafka.DefaultSaramaSubscriberConfig()
	sc.ClientID = clientID(cfg)

	sc.Consumer.Offsets.AutoCommit.Enable = cfg.GetKafkaAutoCommit()

	switch cfg.GetKafkaIsolationLevel() {
	case "", "read_committed":
		sc.Consumer.IsolationLevel = sarama.ReadCommitted
	case "read_uncommitted":
		sc.Consumer.IsolationLevel = sarama.ReadUncommitted
	default:
		return nil, fmt.Errorf("kafka: unknown isolation level %q", cfg.GetKafkaIsolationLevel())
	}

	timeout := cfg.GetKafkaSessionTimeout()
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	sc.Consumer.Group.Session.Timeout = timeout
	if hb := timeout / 3; hb < sc.Consumer.Group.Heartbeat.Interval {
		sc.Consumer.Group.Heartbeat.Interval = hb
	}

	switch cfg.GetKafkaInitialOffset() {
	case "", "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "newest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("kafka: unknown initial offset %q", cfg.GetKafkaInitialOffset())
	}

	sc.Consumer.Return.Errors = true
	return sc, nil
}

func publisherSaramaConfig(cfg transport.Config) *sarama.Config {
	pc := kafka.DefaultSaramaSyncPublisherConfig()
	pc.ClientID = clientID(cfg) + "-dlq"
	return pc
}

func clientID(cfg transport.Config) string {
	if id := cfg.GetKafkaClientID(); id != "" {
		return id
	}
	return DefaultClientID
}

// partitionKey keeps a dead-lettered record on the key it was consumed with.
func partitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(metadata.KeyKey), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
