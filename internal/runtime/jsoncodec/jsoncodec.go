package jsoncodec

import (
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// RawMessage holds undecoded JSON; sonic honours it like encoding/json does.
type RawMessage = json.RawMessage

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
