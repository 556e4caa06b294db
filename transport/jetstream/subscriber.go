package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/eventbus/internal/runtime/ids"
	"github.com/drblury/eventbus/internal/runtime/metadata"
)

// uuidHeader is where watermill marshalers store the message UUID.
const uuidHeader = "_watermill_message_uuid"

var errClosed = errors.New("jetstream: subscriber is closed")

// Subscriber pulls records from durable JetStream consumers.
type Subscriber struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subMu         sync.Mutex
	subscriptions []*nats.Subscription

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSubscriber connects to NATS and makes sure the stream exists.
func NewSubscriber(cfg Config, logger watermill.LoggerAdapter) (*Subscriber, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	s := &Subscriber{
		nc:      nc,
		js:      js,
		config:  cfg,
		logger:  logger,
		closing: make(chan struct{}),
	}

	if err := s.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      s.config.Stream,
		Subjects:  []string{s.config.Stream + ".>"},
		Retention: nats.LimitsPolicy,
	}

	_, err := s.js.AddStream(streamCfg)
	switch {
	case err == nil:
		s.logger.Info("JetStream stream created", watermill.LogFields{"stream": s.config.Stream})
	case errors.Is(err, nats.ErrStreamNameAlreadyInUse):
		s.logger.Debug("JetStream stream exists", watermill.LogFields{"stream": s.config.Stream})
	default:
		return fmt.Errorf("jetstream: ensure stream %s: %w", s.config.Stream, err)
	}
	return nil
}

// Subscribe creates (or updates) the durable consumer of the configured group
// for topic and starts pulling from it.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errClosed
	default:
	}

	subject := SubjectFor(s.config.Stream, topic)
	durable := DurableName(s.config.Durable, topic)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       s.config.AckWait,
		MaxDeliver:    s.config.MaxDeliver,
		MaxAckPending: s.config.FetchBatch,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := s.js.AddConsumer(s.config.Stream, consumerCfg); err != nil {
		if _, err := s.js.UpdateConsumer(s.config.Stream, consumerCfg); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %s: %w", durable, err)
		}
	}

	sub, err := s.js.PullSubscribe(subject, durable, nats.Bind(s.config.Stream, durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", subject, err)
	}

	s.subMu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	s.subMu.Unlock()

	output := make(chan *message.Message)
	s.wg.Add(1)
	go s.fetch(ctx, sub, output, topic)

	return output, nil
}

func (s *Subscriber) fetch(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer s.wg.Done()
	defer close(output)

	fields := watermill.LogFields{"topic": topic, "stream": s.config.Stream}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		default:
		}

		batch, err := sub.Fetch(s.config.FetchBatch, nats.MaxWait(s.config.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			s.logger.Error("JetStream fetch failed", err, fields)
			continue
		}

		if !s.deliverBatch(ctx, batch, output, topic) {
			return
		}
	}
}

// deliverBatch hands records to the router one at a time. A nacked record
// and everything after it in the batch are naked so the consumer redelivers
// them in order. It returns false when the subscriber should stop.
func (s *Subscriber) deliverBatch(ctx context.Context, batch []*nats.Msg, output chan<- *message.Message, topic string) bool {
	for i, natsMsg := range batch {
		msg := toMessage(natsMsg, topic)
		msgCtx, cancel := context.WithCancel(ctx)
		msg.SetContext(msgCtx)

		select {
		case output <- msg:
		case <-ctx.Done():
			cancel()
			return false
		case <-s.closing:
			cancel()
			return false
		}

		select {
		case <-msg.Acked():
			cancel()
			if err := natsMsg.Ack(); err != nil {
				s.logger.Error("JetStream ack failed", err, watermill.LogFields{"topic": topic, "message_uuid": msg.UUID})
			}
		case <-msg.Nacked():
			cancel()
			s.nakFrom(batch[i:], topic)
			return true
		case <-ctx.Done():
			cancel()
			return false
		case <-s.closing:
			cancel()
			return false
		}
	}
	return true
}

func (s *Subscriber) nakFrom(batch []*nats.Msg, topic string) {
	for _, m := range batch {
		if err := m.Nak(); err != nil {
			s.logger.Error("JetStream nak failed", err, watermill.LogFields{"topic": topic})
		}
	}
}

// toMessage copies headers into metadata and records the stream sequence as
// the offset.
func toMessage(natsMsg *nats.Msg, topic string) *message.Message {
	uuid := natsMsg.Header.Get(uuidHeader)
	if uuid == "" {
		uuid = natsMsg.Header.Get(nats.MsgIdHdr)
	}
	if uuid == "" {
		uuid = ids.CreateULID()
	}

	msg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == uuidHeader || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	msg.Metadata.Set(metadata.KeyTopic, topic)

	if md, err := natsMsg.Metadata(); err == nil {
		msg.Metadata.Set(metadata.KeyOffset, strconv.FormatUint(md.Sequence.Stream, 10))
		msg.Metadata.Set(metadata.KeyTimestamp, md.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return msg
}

// Close stops every fetch loop and closes the connection.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)

		s.subMu.Lock()
		for _, sub := range s.subscriptions {
			_ = sub.Unsubscribe()
		}
		s.subscriptions = nil
		s.subMu.Unlock()

		s.wg.Wait()
		s.nc.Close()
	})
	return nil
}
