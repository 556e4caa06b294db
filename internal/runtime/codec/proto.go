package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// ProtoFormat selects the wire format of protobuf payloads.
type ProtoFormat string

const (
	ProtoBinary     ProtoFormat = "binary"
	ProtoJSONFormat ProtoFormat = "json"
)

var protoJSONUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// Proto decodes binary protobuf into a fresh instance of the prototype's type.
func Proto(prototype proto.Message) Decoder {
	return protoDecoder(prototype, ProtoBinary)
}

// ProtoJSON decodes protojson into a fresh instance of the prototype's type.
func ProtoJSON(prototype proto.Message) Decoder {
	return protoDecoder(prototype, ProtoJSONFormat)
}

// ProtoByName resolves fullName from the global protobuf registry on first
// use. Unknown names surface as *InstantiationError.
func ProtoByName(fullName string, format ProtoFormat) Decoder {
	ref := "proto:" + fullName
	return Lazy(ref, func() (Decoder, error) {
		mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(fullName))
		if err != nil {
			return nil, &InstantiationError{Ref: ref, Err: err}
		}
		return protoDecoderFor(mt, format), nil
	})
}

func protoDecoder(prototype proto.Message, format ProtoFormat) Decoder {
	if prototype == nil {
		return Lazy("proto:<nil>", func() (Decoder, error) {
			return nil, fmt.Errorf("nil prototype")
		})
	}
	return protoDecoderFor(prototype.ProtoReflect().Type(), format)
}

func protoDecoderFor(mt protoreflect.MessageType, format ProtoFormat) Decoder {
	target := string(mt.Descriptor().FullName())
	codecName := "proto"
	unmarshal := proto.Unmarshal
	if format == ProtoJSONFormat {
		codecName = "protojson"
		unmarshal = protoJSONUnmarshal.Unmarshal
	}
	return namedDecoder{
		name: codecName + ":" + target,
		decode: func(data []byte) (any, error) {
			msg := mt.New().Interface()
			if err := unmarshal(data, msg); err != nil {
				return nil, &DecodeError{Codec: codecName, Target: target, Err: err}
			}
			return msg, nil
		},
	}
}
