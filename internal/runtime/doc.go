/*
Package runtime hosts the consumer side of the event bus.

# Architecture Overview

A Service owns one Watermill router with one consumer handler per topic. Every
fetched record is turned into a dispatch.Record, handed to the retry policy,
and dispatched by the engine to every registration for the record's event
type. The final outcomes decide whether the record is acked.

# Package Structure

## Core Service (service.go, loop.go)

The Service struct wires together:
  - the transport built from Config.PubSubSystem
  - the envelope parser selected by Config.Envelope
  - the dispatch engine and one frozen registry per topic
  - the retry policy, wrapped in dead-lettering when a dead-letter topic is set
  - HTTP servers for metrics and the stats API

The poll loop body lives in loop.go. A record whose handler failures survive
the retry policy is nacked under AckOnResolved and committed under AckAlways.

## Handler Registration (registration.go)

RegisterHandler, RegisterMethod and RegisterInvoker add registrations before
Start. Protobuf handler types get their event type and decoder from the
message descriptor; anything else needs an explicit event type and decodes
JSON by default.

## Middleware (middleware.go)

The default chain adds correlation IDs, debug logging, an OpenTelemetry
consumer span, Watermill's Prometheus router metrics and panic recovery.

## Observability (stats.go, metrics.go, dlq_metrics.go, hooks.go, webui.go)

Outcome observers keep per-handler statistics in memory and export Prometheus
counters. Job hooks run around every record. The web UI serves the stats and
dead-letter counters as JSON.

# Subpackages

  - codec: payload decoders (JSON, protobuf, raw, lazy)
  - config: configuration struct, validation and koanf loader
  - dispatch: engine, registry, outcomes and invokers
  - envelope: wire formats that yield (event type, payload)
  - errors: sentinel errors
  - ids: ULID generation
  - jsoncodec: sonic-backed JSON helpers
  - logging: ServiceLogger and its adapters
  - metadata: record headers and well-known keys
  - retry: retry, backoff and dead-letter policies
*/
package runtime
