// Package envelope extracts the event type and payload bytes from a raw
// record. Parsers are pure and safe for concurrent use.
package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// Envelope is the parsed form of a record: a type discriminator and the
// still-encoded payload. Attributes carries optional per-format context such
// as CloudEvents ids; it is nil for the binary format.
type Envelope struct {
	EventType  string
	Payload    []byte
	Attributes map[string]string
}

// Parser turns raw record bytes into an Envelope.
type Parser interface {
	Parse(raw []byte) (Envelope, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(raw []byte) (Envelope, error)

func (f ParserFunc) Parse(raw []byte) (Envelope, error) {
	return f(raw)
}

var (
	ErrEmpty          = errors.New("envelope: empty record")
	ErrTruncated      = errors.New("envelope: truncated record")
	ErrMissingType    = errors.New("envelope: missing event type")
	ErrUnknownVersion = errors.New("envelope: unknown version")
	ErrBadMagic       = errors.New("envelope: bad magic byte")
	ErrTrailingBytes  = errors.New("envelope: trailing bytes")
	ErrMalformed      = errors.New("envelope: malformed record")
)

// ParseError describes why a record could not be parsed. It wraps one of the
// package sentinels so callers can match with errors.Is.
type ParseError struct {
	Format string
	Length int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s (format=%s, length=%d): %s", e.Err, e.Format, e.Length, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(format string, raw []byte, sentinel error, reason string, args ...any) error {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &ParseError{Format: format, Length: len(raw), Reason: reason, Err: sentinel}
}

// Format names accepted by New.
const (
	FormatBinary      = "binary"
	FormatJSON        = "json"
	FormatCloudEvents = "cloudevents"
	FormatAuto        = "auto"
)

// Options tunes the JSON-based parsers.
type Options struct {
	// TypeField names the JSON attribute holding the event type. Defaults to "type".
	TypeField string
	// PayloadField names the JSON attribute holding the payload. Defaults to "payload".
	PayloadField string
}

func (o Options) withDefaults() Options {
	if o.TypeField == "" {
		o.TypeField = "type"
	}
	if o.PayloadField == "" {
		o.PayloadField = "payload"
	}
	return o
}

// New resolves a parser by its configuration name. An empty name selects the
// binary format.
func New(name string, opts Options) (Parser, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FormatBinary:
		return Binary(), nil
	case FormatJSON:
		return JSON(opts), nil
	case FormatCloudEvents:
		return CloudEvents(), nil
	case FormatAuto:
		return Auto(opts), nil
	default:
		return nil, fmt.Errorf("envelope: unknown format %q", name)
	}
}

// Auto sniffs the first byte of each record: the binary magic selects the
// binary parser; a JSON object selects CloudEvents when it carries a
// specversion attribute and the plain JSON parser otherwise.
func Auto(opts Options) Parser {
	bin := Binary()
	js := JSON(opts)
	ce := CloudEvents()
	return ParserFunc(func(raw []byte) (Envelope, error) {
		if len(raw) == 0 {
			return Envelope{}, parseErr(FormatAuto, raw, ErrEmpty, "no bytes")
		}
		switch first := firstNonSpace(raw); first {
		case Magic:
			return bin.Parse(raw)
		case '{':
			if looksLikeCloudEvent(raw) {
				return ce.Parse(raw)
			}
			return js.Parse(raw)
		default:
			return Envelope{}, parseErr(FormatAuto, raw, ErrBadMagic, "unrecognised leading byte 0x%02x", first)
		}
	})
}

func firstNonSpace(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return b
		}
	}
	return 0
}
