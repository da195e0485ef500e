// Package channel multiplexes gRPC calls over a single HTTP/2 connection.
//
// A Channel owns one socket and one HTTP/2 connection. Every call gets a
// handler that drives its stream. The socket is dialed from New; after a
// transport failure it is redialed lazily by the next call.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ozontech/h2grpc/consts"
	"github.com/ozontech/h2grpc/eventloop"
	"github.com/ozontech/h2grpc/http2conn"
	"github.com/ozontech/h2grpc/operation"
	"github.com/ozontech/h2grpc/options"
	"github.com/ozontech/h2grpc/serialization"
	"github.com/ozontech/h2grpc/transport"
	"github.com/ozontech/h2grpc/types"
)

const (
	networkErrorMessage  = "Network error occurred: %s"
	channelClosedMessage = "Channel is closed"
)

var ErrChannelClosed = errors.New("channel is closed")

type connState int

const (
	connStateConnecting connState = iota
	connStateConnected
	connStateError
)

func (s connState) String() string {
	switch s {
	case connStateConnecting:
		return "connecting"
	case connStateConnected:
		return "connected"
	case connStateError:
		return "error"
	}
	return "unknown"
}

type socketObserver struct {
	id uint64
	op weak.Pointer[operation.Context]
}

type Channel struct {
	opts        options.ChannelOptions
	endpoint    endpoint
	format      serialization.Format
	serializer  serialization.Serializer
	contentType string

	loop        *eventloop.Loop
	clock       clock.Clock
	stopLoop    func()
	closeOnce   sync.Once
	closeErr    error
	closing     atomic.Bool
	log         *zap.Logger
	dialTimeout time.Duration

	socketFactory types.SocketFactory
	connFactory   types.ConnectionFactory

	// поля ниже меняются только на лупе
	socket            types.Socket
	generation        uint64
	conn              types.Connection
	state             connState
	lastErr           error
	reconnect         func()
	insideSocketError bool
	closed            bool

	active    []*handler
	pending   []*handler
	observers []socketObserver
	observerN uint64
}

// New разбирает адрес и сразу начинает подключение. Поддерживаются схемы
// http, https и unix.
func New(target string, opts ...Opt) (*Channel, error) {
	c := &Channel{
		log:         zap.NewNop(),
		clock:       clock.New(),
		dialTimeout: consts.DialTimeout,
		connFactory: newHTTP2Connection,
	}
	for _, o := range opts {
		o.apply(c)
	}
	c.log = c.log.Named("channel").With(zap.String("target", target))

	ep, err := resolveEndpoint(target, c.opts.TLSConfig(), c.log)
	if err != nil {
		return nil, err
	}
	c.endpoint = ep
	c.format = resolveFormat(c.opts, c.log)
	c.serializer = c.format.Serializer()
	c.contentType = c.format.ContentType()

	if c.socketFactory == nil {
		c.socketFactory = transport.Factory(transport.WithDialTimeout(c.dialTimeout))
	}
	if c.loop == nil {
		c.loop = eventloop.New(eventloop.WithClock{Clock: c.clock}, eventloop.WithLogger{Logger: c.log})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = c.loop.Run(ctx)
			// операции, поставленные во время Close, должны получить статус
			c.loop.RunPending()
		}()
		c.stopLoop = func() {
			cancel()
			<-done
		}
	}

	c.reconnect = c.connect
	c.connect()
	return c, nil
}

func newHTTP2Connection(w types.Writer, poster types.Poster, log *zap.Logger) (types.Connection, error) {
	conn, err := http2conn.New(w, poster, log)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) Options() options.ChannelOptions      { return c.opts }
func (c *Channel) Format() serialization.Format         { return c.format }
func (c *Channel) Serializer() serialization.Serializer { return c.serializer }
func (c *Channel) ContentType() string                  { return c.contentType }
func (c *Channel) Authority() string                    { return c.endpoint.authority }
func (c *Channel) Scheme() string                       { return c.endpoint.scheme }

// Call унарный вызов.
func (c *Channel) Call(ctx context.Context, service, method string, req any, opts ...options.CallOpt) (*operation.Call, error) {
	op, err := c.newOperation(ctx, service, method, req, true, opts)
	if err != nil {
		return nil, err
	}
	call := operation.NewCall(op, c.loop, c.serializer)
	c.start(ctx, op, true)
	return call, nil
}

func (c *Channel) ServerStream(
	ctx context.Context, service, method string, req any, opts ...options.CallOpt,
) (*operation.ServerStream, error) {
	op, err := c.newOperation(ctx, service, method, req, true, opts)
	if err != nil {
		return nil, err
	}
	stream := operation.NewServerStream(op, c.loop, c.serializer)
	c.start(ctx, op, true)
	return stream, nil
}

func (c *Channel) ClientStream(
	ctx context.Context, service, method string, opts ...options.CallOpt,
) (*operation.ClientStream, error) {
	op, err := c.newOperation(ctx, service, method, nil, false, opts)
	if err != nil {
		return nil, err
	}
	stream := operation.NewClientStream(op, c.loop, c.serializer)
	c.start(ctx, op, false)
	return stream, nil
}

func (c *Channel) BidiStream(
	ctx context.Context, service, method string, opts ...options.CallOpt,
) (*operation.BidiStream, error) {
	op, err := c.newOperation(ctx, service, method, nil, false, opts)
	if err != nil {
		return nil, err
	}
	stream := operation.NewBidiStream(op, c.loop, c.serializer)
	c.start(ctx, op, false)
	return stream, nil
}

func (c *Channel) newOperation(
	ctx context.Context, service, method string, req any, hasArg bool, opts []options.CallOpt,
) (*operation.Context, error) {
	if c.closing.Load() {
		return nil, ErrChannelClosed
	}

	var arg []byte
	if hasArg {
		b, err := c.serializer.Serialize(req)
		if err != nil {
			return nil, fmt.Errorf("serializing request: %w", err)
		}
		arg = b
		if arg == nil {
			arg = []byte{}
		}
	}

	callOpts := options.NewCallOptions(opts...)
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		callOpts = options.NewCallOptions(options.WithMetadata(md)).With(opts...)
	}
	return operation.NewContext(service, method, arg, callOpts), nil
}

// start ставит операцию на луп. Отмена ctx завершает операцию статусом
// из ошибки контекста.
func (c *Channel) start(ctx context.Context, op *operation.Context, endStream bool) {
	stop := context.AfterFunc(ctx, func() {
		st := status.FromContextError(ctx.Err())
		c.loop.Post(func() { op.Abort(st) })
	})
	op.OnFinished(func(*status.Status) { stop() })
	c.loop.Post(func() { c.processOperation(op, endStream) })
}

// Close закрывает все вызовы со статусом Canceled, соединение и сокет.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		errCh := make(chan error, 1)
		c.loop.Post(func() { errCh <- c.shutdown() })
		c.closeErr = <-errCh
		if c.stopLoop != nil {
			c.stopLoop()
		}
	})
	return c.closeErr
}

func (c *Channel) shutdown() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.log.Debug("closing channel", zap.Int("active", len(c.active)), zap.Int("pending", len(c.pending)))

	for _, h := range c.takeHandlers() {
		h.deleted = true
		h.teardown()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.notifyObservers(status.New(codes.Canceled, channelClosedMessage))

	if c.socket == nil {
		return nil
	}
	if err := c.socket.Close(); err != nil {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

func (c *Channel) takeHandlers() []*handler {
	handlers := make([]*handler, 0, len(c.active)+len(c.pending))
	handlers = append(handlers, c.active...)
	handlers = append(handlers, c.pending...)
	c.active, c.pending = nil, nil
	return handlers
}

func (c *Channel) connect() {
	if c.closed {
		return
	}
	if c.socket != nil {
		if err := c.socket.Close(); err != nil {
			c.log.Debug("close previous socket", zap.Error(err))
		}
	}
	c.generation++
	c.state = connStateConnecting
	c.socket = c.socketFactory(c.endpoint.target, socketEvents{c, c.generation}, c.log)
	c.log.Debug("connecting", zap.Uint64("generation", c.generation))
	c.socket.Connect()
}

// processOperation создает обработчик для операции и отправляет запрос,
// если соединение уже есть. Ошибки до создания стрима приходят в операцию
// асинхронно.
func (c *Channel) processOperation(op *operation.Context, endStream bool) {
	if op.IsFinished() {
		return
	}
	if c.closed {
		c.failAsync(weak.Make(op), status.New(codes.Canceled, channelClosedMessage))
		return
	}
	if c.state == connStateConnected && !c.socket.IsWritable() {
		reason := "socket is not writable"
		if c.lastErr != nil {
			reason = c.lastErr.Error()
		}
		c.failAsync(weak.Make(op), status.Newf(codes.Unavailable, networkErrorMessage, reason))
		return
	}

	c.observeSocketErrors(op)

	h := newHandler(c, op, endStream)
	if c.conn != nil {
		c.sendInitialRequest(h)
	} else {
		c.pending = append(c.pending, h)
	}

	if c.state == connStateError {
		if c.insideSocketError {
			c.log.Warn("Inside socket error handler. Reconnect deferred to event loop.")
			c.loop.Post(c.reconnect)
		} else {
			c.reconnect()
		}
		c.state = connStateConnecting
	}
}

func (c *Channel) sendInitialRequest(h *handler) {
	if c.conn == nil {
		c.failAsync(h.op, status.New(codes.Unavailable, "Unable to establish an HTTP/2 connection"))
		c.deleteHandler(h)
		return
	}
	s, err := c.conn.CreateStream()
	if err != nil {
		c.failAsync(h.op, status.Newf(codes.Unavailable, "Unable to create an HTTP/2 stream (%s)", err))
		c.deleteHandler(h)
		return
	}

	c.active = append(c.active, h)
	h.attachStream(s)
	h.sendInitialRequest()
}

// deleteHandler убирает обработчик из списков сразу, а разбирает его на
// следующем шаге лупа, так как вызывается из его же колбэков.
func (c *Channel) deleteHandler(h *handler) {
	if h.deleted {
		return
	}
	h.deleted = true
	c.active = removeHandler(c.active, h)
	c.pending = removeHandler(c.pending, h)
	c.loop.Post(h.teardown)
}

func removeHandler(handlers []*handler, h *handler) []*handler {
	for i, candidate := range handlers {
		if candidate == h {
			return append(handlers[:i:i], handlers[i+1:]...)
		}
	}
	return handlers
}

// failAsync завершает операцию на следующем шаге лупа, чтобы вызывающий
// успел подписаться на finished.
func (c *Channel) failAsync(op weak.Pointer[operation.Context], st *status.Status) {
	c.loop.Post(func() {
		if op := op.Value(); op != nil {
			op.Finish(st)
		}
	})
}

func (c *Channel) observeSocketErrors(op *operation.Context) {
	c.observerN++
	id := c.observerN
	c.observers = append(c.observers, socketObserver{id: id, op: weak.Make(op)})
	op.OnFinished(func(*status.Status) { c.removeObserver(id) })
}

func (c *Channel) removeObserver(id uint64) {
	for i, o := range c.observers {
		if o.id == id {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return
		}
	}
}

func (c *Channel) notifyObservers(st *status.Status) {
	observers := c.observers
	c.observers = nil
	for _, o := range observers {
		if op := o.op.Value(); op != nil {
			op.Finish(st)
		}
	}
}

func (c *Channel) onConnected() {
	if c.closed {
		return
	}
	conn, err := c.connFactory(c.socket, c.loop, c.log)
	if err != nil {
		c.handleSocketError(fmt.Errorf("create http2 connection: %w", err))
		return
	}
	c.conn = conn
	c.state = connStateConnected
	c.lastErr = nil
	c.log.Debug("connected", zap.Int("pending", len(c.pending)))

	pending := c.pending
	c.pending = nil
	for _, h := range pending {
		if h.expired() {
			h.deleted = true
			h.teardown()
			continue
		}
		c.sendInitialRequest(h)
	}
}

func (c *Channel) onReadyRead(b []byte) {
	if c.conn == nil {
		return
	}
	if err := c.conn.HandleReadyRead(b); err != nil {
		c.handleSocketError(fmt.Errorf("http2 connection: %w", err))
	}
}

// handleSocketError разбирает все обработчики без уведомлений и переводит
// канал в состояние Error. Операции узнают об ошибке через своих
// наблюдателей со статусом Unavailable. Переподключение произойдет при
// следующем вызове.
func (c *Channel) handleSocketError(err error) {
	if c.insideSocketError {
		c.log.Error("socket error while handling socket error", zap.Error(err))
		return
	}
	c.insideSocketError = true
	defer func() { c.insideSocketError = false }()

	c.log.Warn("socket error", zap.Error(err), zap.Stringer("state", c.state))
	c.lastErr = err

	for _, h := range c.takeHandlers() {
		// стримы умерли вместе с соединением
		h.stream = nil
		h.deleted = true
		h.teardown()
	}
	c.conn = nil
	if c.socket != nil {
		if closeErr := c.socket.Close(); closeErr != nil {
			c.log.Debug("close socket", zap.Error(closeErr))
		}
	}
	c.state = connStateError

	c.notifyObservers(status.Newf(codes.Unavailable, networkErrorMessage, err.Error()))
}

// socketEvents переносит события сокета на луп. События сокетов прошлых
// поколений отбрасываются.
type socketEvents struct {
	c          *Channel
	generation uint64
}

func (e socketEvents) post(fn func()) {
	e.c.loop.Post(func() {
		if e.generation != e.c.generation {
			return
		}
		fn()
	})
}

func (e socketEvents) Connected() { e.post(e.c.onConnected) }

func (e socketEvents) ReadyRead(b []byte) {
	e.post(func() { e.c.onReadyRead(b) })
}

func (e socketEvents) ErrorOccurred(err error) {
	e.post(func() { e.c.handleSocketError(err) })
}
