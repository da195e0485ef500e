// Package options holds channel wide and per call configuration.
// Both are immutable values: every With returns a modified copy.
package options

import (
	"crypto/tls"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/ozontech/h2grpc/serialization"
)

type deadline struct {
	d   time.Duration
	set bool
}

func (d deadline) get() (time.Duration, bool) { return d.d, d.set }

type ChannelOptions struct {
	deadline  deadline
	md        metadata.MD
	format    serialization.Format
	tlsConfig *tls.Config
}

func NewChannelOptions(opts ...ChannelOpt) ChannelOptions {
	return ChannelOptions{format: serialization.Default}.With(opts...)
}

func (o ChannelOptions) With(opts ...ChannelOpt) ChannelOptions {
	o.md = o.md.Copy()
	for _, opt := range opts {
		opt.applyChannel(&o)
	}
	return o
}

func (o ChannelOptions) Deadline() (time.Duration, bool) { return o.deadline.get() }

// Metadata копия метаданных канала
func (o ChannelOptions) Metadata() metadata.MD { return o.md.Copy() }

func (o ChannelOptions) SerializationFormat() serialization.Format {
	if o.format.Name() == "" {
		return serialization.Default
	}
	return o.format
}

func (o ChannelOptions) TLSConfig() *tls.Config { return o.tlsConfig }

type CallOptions struct {
	deadline deadline
	md       metadata.MD
}

func NewCallOptions(opts ...CallOpt) CallOptions {
	return CallOptions{}.With(opts...)
}

func (o CallOptions) With(opts ...CallOpt) CallOptions {
	o.md = o.md.Copy()
	for _, opt := range opts {
		opt.applyCall(&o)
	}
	return o
}

func (o CallOptions) Deadline() (time.Duration, bool) { return o.deadline.get() }
func (o CallOptions) Metadata() metadata.MD           { return o.md.Copy() }

// ResolveDeadline дедлайн вызова важнее дедлайна канала.
func ResolveDeadline(call CallOptions, channel ChannelOptions) (time.Duration, bool) {
	if d, ok := call.Deadline(); ok {
		return d, true
	}
	return channel.Deadline()
}

type ChannelOpt interface {
	applyChannel(*ChannelOptions)
}

type CallOpt interface {
	applyCall(*CallOptions)
}

// WithDeadline время на весь вызов, отсчитывается от открытия стрима.
type WithDeadline time.Duration

func (d WithDeadline) applyChannel(o *ChannelOptions) {
	o.deadline = deadline{time.Duration(d), true}
}

func (d WithDeadline) applyCall(o *CallOptions) {
	o.deadline = deadline{time.Duration(d), true}
}

// WithMetadata добавляет значения к уже заданным. Ключи приводятся к
// нижнему регистру.
type WithMetadata metadata.MD

func (md WithMetadata) applyChannel(o *ChannelOptions) {
	o.md = metadata.Join(o.md, normalize(metadata.MD(md)))
}

func (md WithMetadata) applyCall(o *CallOptions) {
	o.md = metadata.Join(o.md, normalize(metadata.MD(md)))
}

// WithMetadataPairs то же что WithMetadata(metadata.Pairs(kv...)).
func WithMetadataPairs(kv ...string) WithMetadata {
	return WithMetadata(metadata.Pairs(kv...))
}

type WithSerializationFormat struct{ serialization.Format }

func (f WithSerializationFormat) applyChannel(o *ChannelOptions) { o.format = f.Format }

type WithTLSConfig struct{ *tls.Config }

func (c WithTLSConfig) applyChannel(o *ChannelOptions) { o.tlsConfig = c.Config }

func normalize(md metadata.MD) metadata.MD {
	out := make(metadata.MD, len(md))
	for k, v := range md {
		out.Append(k, v...)
	}
	return out
}
