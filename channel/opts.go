package channel

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ozontech/h2grpc/eventloop"
	"github.com/ozontech/h2grpc/options"
	"github.com/ozontech/h2grpc/types"
)

type Opt interface {
	apply(*Channel)
}

type WithChannelOptions struct{ options.ChannelOptions }

func (o WithChannelOptions) apply(c *Channel) { c.opts = o.ChannelOptions }

type WithLogger struct{ *zap.Logger }

func (o WithLogger) apply(c *Channel) { c.log = o.Logger }

// WithLoop канал работает на чужом лупе и не запускает свой. Запускать луп
// должен вызывающий.
type WithLoop struct{ *eventloop.Loop }

func (o WithLoop) apply(c *Channel) { c.loop = o.Loop }

// WithClock часы для собственного лупа канала (таймеры дедлайнов).
type WithClock struct{ clock.Clock }

func (o WithClock) apply(c *Channel) { c.clock = o.Clock }

type WithSocketFactory types.SocketFactory

func (o WithSocketFactory) apply(c *Channel) { c.socketFactory = types.SocketFactory(o) }

type WithConnectionFactory types.ConnectionFactory

func (o WithConnectionFactory) apply(c *Channel) { c.connFactory = types.ConnectionFactory(o) }

type WithDialTimeout time.Duration

func (o WithDialTimeout) apply(c *Channel) { c.dialTimeout = time.Duration(o) }
