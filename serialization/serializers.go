package serialization

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // регистрирует кодек "proto"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var ErrNotProtoMessage = errors.New("message does not implement proto.Message")

// CodecSerializer адаптер grpc кодека из реестра encoding.
type CodecSerializer struct {
	codec encoding.Codec
}

func NewCodecSerializer(name string) (CodecSerializer, error) {
	codec := encoding.GetCodec(name)
	if codec == nil {
		return CodecSerializer{}, fmt.Errorf("codec %q is not registered", name)
	}
	return CodecSerializer{codec}, nil
}

func (s CodecSerializer) Serialize(msg any) ([]byte, error) {
	b, err := s.codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%s marshaling: %w", s.codec.Name(), err)
	}
	return b, nil
}

func (s CodecSerializer) Deserialize(b []byte, msg any) error {
	err := s.codec.Unmarshal(b, msg)
	if err != nil {
		return fmt.Errorf("%s unmarshaling: %w", s.codec.Name(), err)
	}
	return nil
}

// ProtobufSerializer бинарный protobuf через зарегистрированный grpc кодек.
type ProtobufSerializer struct{}

func (ProtobufSerializer) codec() CodecSerializer {
	return CodecSerializer{encoding.GetCodec("proto")}
}

func (s ProtobufSerializer) Serialize(msg any) ([]byte, error) {
	return s.codec().Serialize(msg)
}

func (s ProtobufSerializer) Deserialize(b []byte, msg any) error {
	return s.codec().Deserialize(b, msg)
}

type JSONSerializer struct {
	MarshalOptions   protojson.MarshalOptions
	UnmarshalOptions protojson.UnmarshalOptions
}

func (s JSONSerializer) Serialize(msg any) ([]byte, error) {
	m, ok := msg.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("json marshaling %T: %w", msg, ErrNotProtoMessage)
	}
	b, err := s.MarshalOptions.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("json marshaling: %w", err)
	}
	return b, nil
}

func (s JSONSerializer) Deserialize(b []byte, msg any) error {
	m, ok := msg.(proto.Message)
	if !ok {
		return fmt.Errorf("json unmarshaling %T: %w", msg, ErrNotProtoMessage)
	}
	if err := s.UnmarshalOptions.Unmarshal(b, m); err != nil {
		return fmt.Errorf("json unmarshaling: %w", err)
	}
	return nil
}
