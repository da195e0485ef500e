// Package operation is the contract between a channel and the caller of an
// RPC. Context carries the call description and the signals both sides use
// to talk to each other; Call, ServerStream, ClientStream and BidiStream are
// the handles returned to the user.
package operation

import (
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ozontech/h2grpc/options"
)

const CancelledByClientMessage = "Operation is cancelled by client"

// Context одна RPC. Сигналы вызываются на лупе канала.
type Context struct {
	service     string
	method      string
	argument    []byte
	callOptions options.CallOptions

	mu       sync.Mutex
	serverMD metadata.MD
	finished atomic.Bool

	messageReceived       signal[[]byte]
	finishedSignal        signal[*status.Status]
	serverMetadataChanged signal[metadata.MD]
	cancelRequested       signal[struct{}]
	writesDoneRequested   signal[struct{}]
	writeMessageRequested signal[[]byte]
}

func NewContext(service, method string, argument []byte, callOptions options.CallOptions) *Context {
	return &Context{
		service:     service,
		method:      method,
		argument:    argument,
		callOptions: callOptions,
		serverMD:    metadata.MD{},
	}
}

func (c *Context) Service() string                  { return c.service }
func (c *Context) Method() string                   { return c.method }
func (c *Context) Argument() []byte                 { return c.argument }
func (c *Context) CallOptions() options.CallOptions { return c.callOptions }

// IsFinished finished уже был отправлен
func (c *Context) IsFinished() bool { return c.finished.Load() }

func (c *Context) ServerMetadata() metadata.MD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverMD.Copy()
}

// SetServerMetadata заменяет метаданные сервера.
func (c *Context) SetServerMetadata(md metadata.MD) {
	c.mu.Lock()
	c.serverMD = md.Copy()
	c.mu.Unlock()

	c.serverMetadataChanged.emit(md)
}

// сторона канала

func (c *Context) ReceiveMessage(b []byte) { c.messageReceived.emit(b) }

// Finish отправляет финальный статус. Повторные вызовы игнорируются.
func (c *Context) Finish(st *status.Status) bool {
	if st == nil {
		st = status.New(codes.OK, "")
	}
	if c.finished.Swap(true) {
		return false
	}
	c.finishedSignal.emit(st)
	return true
}

func (c *Context) OnCancelRequested(fn func()) func() {
	return c.cancelRequested.connect(func(struct{}) { fn() })
}

func (c *Context) OnWritesDoneRequested(fn func()) func() {
	return c.writesDoneRequested.connect(func(struct{}) { fn() })
}

func (c *Context) OnWriteMessageRequested(fn func([]byte)) func() {
	return c.writeMessageRequested.connect(fn)
}

// сторона пользователя

func (c *Context) OnMessageReceived(fn func([]byte)) func() {
	return c.messageReceived.connect(fn)
}

func (c *Context) OnFinished(fn func(*status.Status)) func() {
	return c.finishedSignal.connect(fn)
}

func (c *Context) OnServerMetadata(fn func(metadata.MD)) func() {
	return c.serverMetadataChanged.connect(fn)
}

// RequestCancel просит канал сбросить стрим и завершает операцию со
// статусом Canceled.
func (c *Context) RequestCancel() {
	c.Abort(status.New(codes.Canceled, CancelledByClientMessage))
}

// Abort как RequestCancel, но с заданным статусом (например, из ошибки
// контекста вызова).
func (c *Context) Abort(st *status.Status) {
	if c.IsFinished() {
		return
	}
	c.cancelRequested.emit(struct{}{})
	c.Finish(st)
}

func (c *Context) RequestWritesDone() {
	if c.IsFinished() {
		return
	}
	c.writesDoneRequested.emit(struct{}{})
}

func (c *Context) RequestWriteMessage(b []byte) {
	if c.IsFinished() {
		return
	}
	c.writeMessageRequested.emit(b)
}
