package envelope

import (
	"encoding/base64"
	"strings"

	"github.com/drblury/eventbus/internal/runtime/jsoncodec"
)

// CloudEventsSpecVersion is the only structured-mode version accepted.
const CloudEventsSpecVersion = "1.0"

var cloudEventContextAttrs = []string{"id", "source", "subject", "time", "datacontenttype", "dataschema"}

// CloudEvents returns a parser for CloudEvents 1.0 structured-mode JSON. The
// type attribute becomes the event type; data (raw JSON) or data_base64
// (decoded) becomes the payload.
func CloudEvents() Parser {
	return ParserFunc(parseCloudEvent)
}

func parseCloudEvent(raw []byte) (Envelope, error) {
	doc, err := decodeObject(FormatCloudEvents, raw)
	if err != nil {
		return Envelope{}, err
	}

	version, err := stringAttr(FormatCloudEvents, raw, doc, "specversion")
	if err != nil {
		return Envelope{}, err
	}
	if version != CloudEventsSpecVersion {
		return Envelope{}, parseErr(FormatCloudEvents, raw, ErrUnknownVersion, "specversion %q", version)
	}

	eventType, err := stringAttr(FormatCloudEvents, raw, doc, "type")
	if err != nil {
		return Envelope{}, err
	}
	if eventType == "" {
		return Envelope{}, parseErr(FormatCloudEvents, raw, ErrMissingType, "attribute \"type\" is missing or empty")
	}

	attrs := make(map[string]string, len(cloudEventContextAttrs))
	for _, name := range cloudEventContextAttrs {
		if v, err := stringAttr(FormatCloudEvents, raw, doc, name); err == nil && v != "" {
			attrs[name] = v
		}
	}

	payload, err := cloudEventData(raw, doc, attrs["datacontenttype"])
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{EventType: eventType, Payload: payload, Attributes: attrs}, nil
}

func cloudEventData(raw []byte, doc map[string]jsoncodec.RawMessage, contentType string) ([]byte, error) {
	if _, ok := doc["data_base64"]; ok {
		if _, both := doc["data"]; both {
			return nil, parseErr(FormatCloudEvents, raw, ErrMalformed, "both data and data_base64 present")
		}
		encoded, err := stringAttr(FormatCloudEvents, raw, doc, "data_base64")
		if err != nil {
			return nil, err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, parseErr(FormatCloudEvents, raw, ErrMalformed, "data_base64: %v", err)
		}
		return decoded, nil
	}

	data, ok := doc["data"]
	if !ok {
		return nil, nil
	}
	// Non-JSON content types carry their data as a JSON string.
	if contentType != "" && !strings.Contains(contentType, "json") && len(data) > 0 && data[0] == '"' {
		var s string
		if err := jsoncodec.Unmarshal(data, &s); err != nil {
			return nil, parseErr(FormatCloudEvents, raw, ErrMalformed, "data: %v", err)
		}
		return []byte(s), nil
	}
	return []byte(data), nil
}

func looksLikeCloudEvent(raw []byte) bool {
	var head struct {
		SpecVersion *string `json:"specversion"`
	}
	if err := jsoncodec.Unmarshal(raw, &head); err != nil {
		return false
	}
	return head.SpecVersion != nil
}
