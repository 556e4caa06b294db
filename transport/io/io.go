// Package io provides a file-backed record log. Each line holds one stored
// record and its zero-based line number is the record offset, which makes
// captured traffic replayable through the same poll loop.
package io

import (
	"bufio"
	"context"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventbus/internal/runtime/ids"
	"github.com/drblury/eventbus/internal/runtime/jsoncodec"
	"github.com/drblury/eventbus/internal/runtime/metadata"
	"github.com/drblury/eventbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "records.jsonl"

// pollInterval is how long the subscriber waits at EOF before reading again.
const pollInterval = 50 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger), nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(filePath, true, logger), nil
}

func init() {
	Register()
}

// Register registers the I/O transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a new I/O transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// StoredRecord is one line of the record log.
type StoredRecord struct {
	UUID      string            `json:"uuid"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Partition *int32            `json:"partition,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   []byte            `json:"payload"`
}

// Publisher appends records to the log.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	now      func() time.Time
	mu       sync.Mutex
}

// NewPublisher returns a publisher appending to filePath.
func NewPublisher(filePath string, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{filePath: filePath, logger: logger, now: time.Now}
}

// Publish appends one line per message. The record key and partition are
// taken from metadata when present.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range messages {
		rec := StoredRecord{
			UUID:      msg.UUID,
			Topic:     topic,
			Key:       msg.Metadata.Get(metadata.KeyKey),
			Timestamp: p.now().UTC(),
			Metadata:  msg.Metadata,
			Payload:   msg.Payload,
		}
		if raw := msg.Metadata.Get(metadata.KeyPartition); raw != "" {
			if v, err := strconv.ParseInt(raw, 10, 32); err == nil {
				part := int32(v)
				rec.Partition = &part
			}
		}

		b, err := jsoncodec.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Subscriber reads records of one topic from the log.
type Subscriber struct {
	filePath string
	follow   bool
	logger   watermill.LoggerAdapter
}

// NewSubscriber returns a subscriber reading filePath. With follow set it
// keeps polling for appended lines; otherwise the output closes at EOF.
func NewSubscriber(filePath string, follow bool, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{filePath: filePath, follow: follow, logger: logger}
}

// Subscribe streams the records stored for topic, in file order.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.read(ctx, f, out, topic)
	}()

	return out, nil
}

func (s *Subscriber) read(ctx context.Context, f *os.File, out chan<- *message.Message, topic string) {
	fields := watermill.LogFields{"topic": topic, "file": s.filePath}
	reader := bufio.NewReader(f)

	var (
		line    int64
		pending []byte
	)
	for {
		if ctx.Err() != nil {
			return
		}

		chunk, err := reader.ReadBytes('\n')
		pending = append(pending, chunk...)
		if err == io.EOF {
			if !s.follow {
				if len(pending) > 0 {
					s.deliver(ctx, out, pending, line, topic)
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read record log", err, fields)
			return
		}

		record := pending
		pending = nil
		if !s.deliver(ctx, out, record, line, topic) {
			return
		}
		line++
	}
}

// deliver decodes one line and, when it belongs to topic, hands it out and
// waits for the ack decision. The log cannot redeliver, so a nack is logged
// and the reader moves on.
func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, line []byte, offset int64, topic string) bool {
	var rec StoredRecord
	if err := jsoncodec.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Failed to decode stored record", err, watermill.LogFields{"offset": offset})
		return true
	}
	if rec.Topic != topic {
		return true
	}

	msg := toMessage(rec, offset)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Info("Record nacked; the record log cannot redeliver", watermill.LogFields{
			"topic":        topic,
			"offset":       offset,
			"message_uuid": msg.UUID,
		})
	case <-ctx.Done():
		return false
	}
	return true
}

func toMessage(rec StoredRecord, offset int64) *message.Message {
	uuid := rec.UUID
	if uuid == "" {
		uuid = ids.CreateULID()
	}

	msg := message.NewMessage(uuid, rec.Payload)
	for k, v := range rec.Metadata {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(metadata.KeyTopic, rec.Topic)
	msg.Metadata.Set(metadata.KeyOffset, strconv.FormatInt(offset, 10))
	if rec.Key != "" {
		msg.Metadata.Set(metadata.KeyKey, rec.Key)
	}
	if rec.Partition != nil {
		msg.Metadata.Set(metadata.KeyPartition, strconv.FormatInt(int64(*rec.Partition), 10))
	}
	if !rec.Timestamp.IsZero() {
		msg.Metadata.Set(metadata.KeyTimestamp, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return msg
}

// Close closes the subscriber.
func (s *Subscriber) Close() error {
	return nil
}
