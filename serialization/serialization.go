// Package serialization describes how call arguments and responses are turned
// into bytes and which content-type suffix announces that on the wire.
package serialization

import (
	"strings"

	"github.com/ozontech/h2grpc/consts"
)

type Serializer interface {
	Serialize(msg any) ([]byte, error)
	Deserialize(b []byte, msg any) error
}

// Format пара имя + суффикс content-type + сериализатор.
type Format struct {
	name       string
	suffix     string
	serializer Serializer
}

func NewFormat(name, suffix string, serializer Serializer) Format {
	return Format{name: name, suffix: suffix, serializer: serializer}
}

var (
	Default  = NewFormat("default", "", ProtobufSerializer{})
	Protobuf = NewFormat("protobuf", "proto", ProtobufSerializer{})
	JSON     = NewFormat("json", "json", JSONSerializer{})
)

func (f Format) Name() string   { return f.name }
func (f Format) Suffix() string { return f.suffix }

func (f Format) Serializer() Serializer {
	if f.serializer == nil {
		return ProtobufSerializer{}
	}
	return f.serializer
}

func (f Format) IsDefault() bool { return f.Equal(Default) }

func (f Format) Equal(other Format) bool {
	return f.suffix == other.suffix && f.name == other.name
}

func (f Format) ContentType() string {
	if f.suffix == "" {
		return consts.DefaultContentType
	}
	return consts.ContentTypePrefix + f.suffix
}

func (f Format) String() string {
	if f.suffix == "" {
		return f.name
	}
	return f.name + "(+" + f.suffix + ")"
}

// FromContentType подбирает формат по content-type из метаданных.
// Известны только +json и +proto (или отсутствие суффикса), для остальных
// возвращается ok == false.
func FromContentType(contentType string) (f Format, ok bool) {
	switch contentType {
	case consts.DefaultContentType:
		return Protobuf, true
	case consts.ContentTypePrefix + JSON.suffix:
		return JSON, true
	case consts.ContentTypePrefix + Protobuf.suffix:
		return Protobuf, true
	}
	return Format{}, false
}

// ByName формат по имени или суффиксу, используется cli.
func ByName(name string) (Format, bool) {
	switch strings.ToLower(name) {
	case "", Default.name:
		return Default, true
	case Protobuf.name, Protobuf.suffix:
		return Protobuf, true
	case JSON.name, JSON.suffix:
		return JSON, true
	}
	return Format{}, false
}
