// Package codec turns payload bytes into the typed values handlers accept.
// A decoder belongs to a registration, never to the record.
package codec

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"

	"github.com/drblury/eventbus/internal/runtime/jsoncodec"
)

// Decoder decodes payload bytes into a value.
type Decoder interface {
	Decode(data []byte) (any, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(data []byte) (any, error)

func (f DecoderFunc) Decode(data []byte) (any, error) {
	return f(data)
}

// Named is implemented by decoders that can describe themselves in logs.
type Named interface {
	Name() string
}

// NameOf returns the decoder's name when it has one.
func NameOf(d Decoder) string {
	if d == nil {
		return "<nil>"
	}
	if n, ok := d.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", d)
}

// DecodeError reports bytes that did not decode into the target type.
type DecodeError struct {
	Codec  string
	Target string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec %s: decode into %s: %v", e.Codec, e.Target, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InstantiationError reports a codec that could not be constructed, for
// example a protobuf type missing from the registry.
type InstantiationError struct {
	Ref string
	Err error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("codec %s unavailable: %v", e.Ref, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

type namedDecoder struct {
	name   string
	decode func([]byte) (any, error)
}

func (d namedDecoder) Decode(data []byte) (any, error) { return d.decode(data) }
func (d namedDecoder) Name() string                    { return d.name }

// JSON decodes JSON into a T. Pointer types get a freshly allocated value.
func JSON[T any]() Decoder {
	target := typeName[T]()
	return namedDecoder{
		name: "json:" + target,
		decode: func(data []byte) (any, error) {
			var v T
			rt := reflect.TypeOf(v)
			if rt != nil && rt.Kind() == reflect.Pointer {
				ptr := reflect.New(rt.Elem())
				if err := jsoncodec.Unmarshal(data, ptr.Interface()); err != nil {
					return nil, &DecodeError{Codec: "json", Target: target, Err: err}
				}
				return ptr.Interface(), nil
			}
			if err := jsoncodec.Unmarshal(data, &v); err != nil {
				return nil, &DecodeError{Codec: "json", Target: target, Err: err}
			}
			return v, nil
		},
	}
}

// Raw hands handlers a private copy of the payload bytes.
func Raw() Decoder {
	return namedDecoder{
		name: "raw",
		decode: func(data []byte) (any, error) {
			return bytes.Clone(data), nil
		},
	}
}

type lazyDecoder struct {
	ref   string
	build func() (Decoder, error)

	once    sync.Once
	decoder Decoder
	err     error
}

// Lazy defers building a decoder until the first record needs it. A failed
// build is remembered and reported as *InstantiationError on every call.
func Lazy(ref string, build func() (Decoder, error)) Decoder {
	return &lazyDecoder{ref: ref, build: build}
}

func (l *lazyDecoder) Decode(data []byte) (any, error) {
	l.once.Do(func() {
		if l.build == nil {
			l.err = &InstantiationError{Ref: l.ref, Err: fmt.Errorf("no builder")}
			return
		}
		d, err := l.build()
		switch {
		case err != nil:
			l.err = asInstantiationError(l.ref, err)
		case d == nil:
			l.err = &InstantiationError{Ref: l.ref, Err: fmt.Errorf("builder returned nil decoder")}
		default:
			l.decoder = d
		}
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.decoder.Decode(data)
}

func (l *lazyDecoder) Name() string {
	return "lazy:" + l.ref
}

func asInstantiationError(ref string, err error) error {
	if ie, ok := err.(*InstantiationError); ok {
		return ie
	}
	return &InstantiationError{Ref: ref, Err: err}
}

func typeName[T any]() string {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	return rt.String()
}
