// Package eventbus is the consuming half of an event bus built on Watermill.
// It polls topics on a partitioned log broker under a consumer group, reads
// the event type from each record's envelope and hands the payload to every
// handler registered for that type, decoded by the handler's own codec.
//
// Every (record, handler) pair ends in exactly one outcome: Skipped when no
// handler ran, Delivered, HandlerRejected when the handler could not take the
// record (a configuration anomaly that is never retried) or HandlerThrew when
// the handler returned an error. A business error reaches the retry policy and
// the logs unchanged, so callers can match it with errors.Is.
//
// A minimal setup fills Config, creates a Service, registers handlers and
// calls Start:
//
//	svc := eventbus.NewService(&eventbus.Config{
//		PubSubSystem:  "kafka",
//		KafkaBrokers:  []string{"localhost:9092"},
//		ConsumerGroup: "billing",
//		Topics:        []string{"orders"},
//	}, logger, ctx, eventbus.ServiceDependencies{})
//
//	err := eventbus.RegisterHandler(svc, eventbus.HandlerRegistration[*orderspb.OrderPlaced]{
//		Handler: billing.OnOrderPlaced,
//	})
//
// Protobuf handler types get their event type and decoder from the message
// descriptor. Other types need an explicit EventType and decode JSON unless a
// Decoder is given.
//
// # Transports
//
// Four transports are registered out of the box:
//   - kafka: consumer groups through watermill-kafka and sarama, read_committed,
//     offsets committed only for acked records
//   - jetstream: NATS JetStream with one durable consumer per group
//   - io: a file of captured records, for replays
//   - channel: in-memory Go channels for tests and local development
//
// # Retries and acks
//
// The retry policy wraps the dispatch of one record. NoRetry is the default;
// Backoff re-runs the dispatch while a handler failure is unresolved, and
// DeadLetter routes records that still fail to a dead-letter topic. With
// AckOnResolved a record whose failures survive the policy is nacked and
// redelivered; AckAlways commits it anyway.
//
// # Observability
//
// The default middleware chain adds correlation IDs, debug logging, an
// OpenTelemetry consumer span, Prometheus router metrics and panic recovery.
// JobHooks run around every record, and the optional web UI serves handler
// statistics and dead-letter counters as JSON.
package eventbus
