package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ozontech/h2grpc/serialization"
	"github.com/ozontech/h2grpc/types"
)

var ErrNoResponse = errors.New("no response message received")

// handle общая часть пользовательских операций. Копит входящие сообщения,
// пока пользователь их не заберет.
type handle struct {
	ctx        *Context
	poster     types.Poster
	serializer serialization.Serializer

	mu       sync.Mutex
	messages [][]byte
	st       *status.Status
	notify   chan struct{}
	done     chan struct{}
}

func newHandle(ctx *Context, poster types.Poster, serializer serialization.Serializer) *handle {
	h := &handle{
		ctx:        ctx,
		poster:     poster,
		serializer: serializer,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	ctx.OnMessageReceived(h.onMessage)
	ctx.OnFinished(h.onFinished)
	return h
}

func (h *handle) onMessage(b []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, b)
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *handle) onFinished(st *status.Status) {
	h.mu.Lock()
	h.st = st
	h.mu.Unlock()
	close(h.done)
}

// Context контекст операции, который видит канал.
func (h *handle) Context() *Context { return h.ctx }

func (h *handle) Method() string { return "/" + h.ctx.Service() + "/" + h.ctx.Method() }

// Done закрывается, когда операция завершена.
func (h *handle) Done() <-chan struct{} { return h.done }

// Status nil пока операция не завершена.
func (h *handle) Status() *status.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st
}

// Metadata заголовки и трейлеры, полученные от сервера.
func (h *handle) Metadata() metadata.MD { return h.ctx.ServerMetadata() }

// Cancel отменяет операцию. Операция завершится со статусом Canceled.
func (h *handle) Cancel() { h.poster.Post(h.ctx.RequestCancel) }

func (h *handle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// recvRaw ждет следующее сообщение. После завершения операции отдает
// оставшиеся сообщения, затем io.EOF для OK или ошибку статуса.
func (h *handle) recvRaw(ctx context.Context) ([]byte, error) {
	for {
		h.mu.Lock()
		if len(h.messages) != 0 {
			b := h.messages[0]
			h.messages[0] = nil
			h.messages = h.messages[1:]
			h.mu.Unlock()
			return b, nil
		}
		st := h.st
		h.mu.Unlock()

		if st != nil {
			if st.Code() == codes.OK {
				return nil, io.EOF
			}
			return nil, st.Err()
		}

		select {
		case <-h.notify:
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *handle) recvMsg(ctx context.Context, msg any) error {
	b, err := h.recvRaw(ctx)
	if err != nil {
		return err
	}
	if err := h.serializer.Deserialize(b, msg); err != nil {
		return fmt.Errorf("deserializing response: %w", err)
	}
	return nil
}

// wait ждет завершения и возвращает ошибку статуса.
func (h *handle) wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Status().Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) sendMsg(msg any) error {
	if h.isDone() {
		return io.EOF
	}
	b, err := h.serializer.Serialize(msg)
	if err != nil {
		return fmt.Errorf("serializing request: %w", err)
	}
	h.poster.Post(func() { h.ctx.RequestWriteMessage(b) })
	return nil
}

func (h *handle) closeSend() {
	h.poster.Post(h.ctx.RequestWritesDone)
}

// lastMessage ответ унарной операции (последнее полученное сообщение)
func (h *handle) lastMessage() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) == 0 {
		return nil, false
	}
	return h.messages[len(h.messages)-1], true
}

// Call унарный вызов.
type Call struct{ *handle }

func NewCall(ctx *Context, poster types.Poster, serializer serialization.Serializer) *Call {
	return &Call{newHandle(ctx, poster, serializer)}
}

// Wait ждет завершения вызова и десериализует ответ в resp. resp может
// быть nil, если ответ не нужен.
func (c *Call) Wait(ctx context.Context, resp any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	b, ok := c.lastMessage()
	if !ok {
		return status.Error(codes.Internal, ErrNoResponse.Error())
	}
	if err := c.serializer.Deserialize(b, resp); err != nil {
		return fmt.Errorf("deserializing response: %w", err)
	}
	return nil
}

// Response сырой ответ, доступен после завершения.
func (c *Call) Response() ([]byte, bool) { return c.lastMessage() }

type ServerStream struct{ *handle }

func NewServerStream(ctx *Context, poster types.Poster, serializer serialization.Serializer) *ServerStream {
	return &ServerStream{newHandle(ctx, poster, serializer)}
}

// RecvMsg возвращает io.EOF, когда сервер закончил стрим со статусом OK.
func (s *ServerStream) RecvMsg(ctx context.Context, msg any) error { return s.recvMsg(ctx, msg) }

func (s *ServerStream) RecvRaw(ctx context.Context) ([]byte, error) { return s.recvRaw(ctx) }

type ClientStream struct{ *handle }

func NewClientStream(ctx *Context, poster types.Poster, serializer serialization.Serializer) *ClientStream {
	return &ClientStream{newHandle(ctx, poster, serializer)}
}

// SendMsg ставит сообщение в очередь на отправку. После завершения
// операции возвращает io.EOF.
func (s *ClientStream) SendMsg(msg any) error { return s.sendMsg(msg) }

// CloseSend сообщает серверу, что сообщений больше не будет.
func (s *ClientStream) CloseSend() { s.closeSend() }

// CloseAndRecv закрывает отправку и ждет единственный ответ сервера.
func (s *ClientStream) CloseAndRecv(ctx context.Context, resp any) error {
	s.closeSend()
	return (&Call{s.handle}).Wait(ctx, resp)
}

type BidiStream struct{ *handle }

func NewBidiStream(ctx *Context, poster types.Poster, serializer serialization.Serializer) *BidiStream {
	return &BidiStream{newHandle(ctx, poster, serializer)}
}

func (s *BidiStream) SendMsg(msg any) error                       { return s.sendMsg(msg) }
func (s *BidiStream) CloseSend()                                  { s.closeSend() }
func (s *BidiStream) RecvMsg(ctx context.Context, msg any) error  { return s.recvMsg(ctx, msg) }
func (s *BidiStream) RecvRaw(ctx context.Context) ([]byte, error) { return s.recvRaw(ctx) }
