package envelope

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const (
	// Magic marks the start of a binary envelope.
	Magic byte = 0xEB
	// Version1 is the only binary layout currently understood.
	Version1 byte = 1
	// MaxEventTypeLen caps the event type length in bytes.
	MaxEventTypeLen = 1024
)

// Binary returns the parser for the compact binary layout:
//
//	magic(0xEB) version(1) uvarint(len(type)) type uvarint(len(payload)) payload
//
// The record must end exactly after the payload.
func Binary() Parser {
	return ParserFunc(parseBinary)
}

func parseBinary(raw []byte) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, parseErr(FormatBinary, raw, ErrEmpty, "no bytes")
	}
	if raw[0] != Magic {
		return Envelope{}, parseErr(FormatBinary, raw, ErrBadMagic, "got 0x%02x", raw[0])
	}
	if len(raw) < 2 {
		return Envelope{}, parseErr(FormatBinary, raw, ErrTruncated, "missing version byte")
	}
	if raw[1] != Version1 {
		return Envelope{}, parseErr(FormatBinary, raw, ErrUnknownVersion, "version %d", raw[1])
	}

	pos := 2
	typeLen, err := readLength(raw, &pos, "event type length")
	if err != nil {
		return Envelope{}, err
	}
	if typeLen == 0 {
		return Envelope{}, parseErr(FormatBinary, raw, ErrMissingType, "zero-length event type")
	}
	if typeLen > MaxEventTypeLen {
		return Envelope{}, parseErr(FormatBinary, raw, ErrMalformed, "event type length %d exceeds %d", typeLen, MaxEventTypeLen)
	}
	if uint64(len(raw)-pos) < typeLen {
		return Envelope{}, parseErr(FormatBinary, raw, ErrTruncated, "event type needs %d bytes, %d left", typeLen, len(raw)-pos)
	}
	eventType := raw[pos : pos+int(typeLen)]
	pos += int(typeLen)
	if !utf8.Valid(eventType) {
		return Envelope{}, parseErr(FormatBinary, raw, ErrMalformed, "event type is not valid UTF-8")
	}

	payloadLen, err := readLength(raw, &pos, "payload length")
	if err != nil {
		return Envelope{}, err
	}
	remaining := uint64(len(raw) - pos)
	if remaining < payloadLen {
		return Envelope{}, parseErr(FormatBinary, raw, ErrTruncated, "payload needs %d bytes, %d left", payloadLen, remaining)
	}
	if remaining > payloadLen {
		return Envelope{}, parseErr(FormatBinary, raw, ErrTrailingBytes, "%d bytes after payload", remaining-payloadLen)
	}

	return Envelope{
		EventType: string(eventType),
		Payload:   raw[pos:],
	}, nil
}

func readLength(raw []byte, pos *int, what string) (uint64, error) {
	if *pos >= len(raw) {
		return 0, parseErr(FormatBinary, raw, ErrTruncated, "missing %s", what)
	}
	v, n := binary.Uvarint(raw[*pos:])
	switch {
	case n == 0:
		return 0, parseErr(FormatBinary, raw, ErrTruncated, "incomplete %s", what)
	case n < 0:
		return 0, parseErr(FormatBinary, raw, ErrMalformed, "%s overflows 64 bits", what)
	}
	*pos += n
	return v, nil
}

// Encode writes env in the binary layout. It is the inverse of Binary().Parse.
func Encode(env Envelope) ([]byte, error) {
	if env.EventType == "" {
		return nil, ErrMissingType
	}
	if len(env.EventType) > MaxEventTypeLen {
		return nil, fmt.Errorf("%w: event type length %d exceeds %d", ErrMalformed, len(env.EventType), MaxEventTypeLen)
	}
	if !utf8.ValidString(env.EventType) {
		return nil, fmt.Errorf("%w: event type is not valid UTF-8", ErrMalformed)
	}

	out := make([]byte, 0, 2+2*binary.MaxVarintLen64+len(env.EventType)+len(env.Payload))
	out = append(out, Magic, Version1)
	out = binary.AppendUvarint(out, uint64(len(env.EventType)))
	out = append(out, env.EventType...)
	out = binary.AppendUvarint(out, uint64(len(env.Payload)))
	out = append(out, env.Payload...)
	return out, nil
}

// MustEncode is Encode for fixtures; it panics on invalid input.
func MustEncode(eventType string, payload []byte) []byte {
	out, err := Encode(Envelope{EventType: eventType, Payload: payload})
	if err != nil {
		panic(err)
	}
	return out
}
