package envelope

import (
	"github.com/drblury/eventbus/internal/runtime/jsoncodec"
)

// JSON returns a parser for documents shaped like
// {"type": "OrderPlaced", "payload": {...}}. The payload bytes handed to the
// codec are the raw JSON of the payload attribute.
func JSON(opts Options) Parser {
	opts = opts.withDefaults()
	return ParserFunc(func(raw []byte) (Envelope, error) {
		doc, err := decodeObject(FormatJSON, raw)
		if err != nil {
			return Envelope{}, err
		}
		eventType, err := stringAttr(FormatJSON, raw, doc, opts.TypeField)
		if err != nil {
			return Envelope{}, err
		}
		if eventType == "" {
			return Envelope{}, parseErr(FormatJSON, raw, ErrMissingType, "attribute %q is missing or empty", opts.TypeField)
		}
		return Envelope{EventType: eventType, Payload: []byte(doc[opts.PayloadField])}, nil
	})
}

func decodeObject(format string, raw []byte) (map[string]jsoncodec.RawMessage, error) {
	if len(raw) == 0 {
		return nil, parseErr(format, raw, ErrEmpty, "no bytes")
	}
	if !jsoncodec.Valid(raw) {
		return nil, parseErr(format, raw, ErrMalformed, "invalid JSON document")
	}
	var doc map[string]jsoncodec.RawMessage
	if err := jsoncodec.Unmarshal(raw, &doc); err != nil {
		return nil, parseErr(format, raw, ErrMalformed, "top-level value is not an object: %v", err)
	}
	return doc, nil
}

func stringAttr(format string, raw []byte, doc map[string]jsoncodec.RawMessage, name string) (string, error) {
	value, ok := doc[name]
	if !ok || string(value) == "null" {
		return "", nil
	}
	var s string
	if err := jsoncodec.Unmarshal(value, &s); err != nil {
		return "", parseErr(format, raw, ErrMalformed, "attribute %q is not a string", name)
	}
	return s, nil
}
