package channel

import (
	"io"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ozontech/h2grpc/eventloop"
	"github.com/ozontech/h2grpc/framing"
	"github.com/ozontech/h2grpc/operation"
	"github.com/ozontech/h2grpc/options"
	"github.com/ozontech/h2grpc/types"
)

type fakeSocket struct {
	target   types.Target
	events   types.SocketEvents
	connects int
	writable bool
	closed   bool
}

func (s *fakeSocket) Connect()             { s.connects++ }
func (s *fakeSocket) IsWritable() bool     { return s.writable && !s.closed }
func (s *fakeSocket) Write(b []byte) error { return nil }
func (s *fakeSocket) Close() error         { s.closed = true; return nil }

type dataCall struct {
	b         []byte
	endStream bool
}

type fakeStream struct {
	id       uint32
	poster   types.Poster
	state    types.StreamState
	handlers types.StreamHandlers

	failHeaders bool
	holdUpload  bool
	uploading   bool
	released    bool

	headers []hpack.HeaderField
	data    []dataCall
	rst     []http2.ErrCode
}

func (s *fakeStream) ID() uint32                         { return s.id }
func (s *fakeStream) State() types.StreamState           { return s.state }
func (s *fakeStream) SetHandlers(h types.StreamHandlers) { s.handlers = h }
func (s *fakeStream) IsUploadingData() bool              { return s.uploading }

func (s *fakeStream) SendHeaders(headers []hpack.HeaderField, endStream bool) bool {
	if s.failHeaders || s.state != types.StreamStateIdle {
		return false
	}
	s.headers = headers
	s.state = types.StreamStateOpen
	if endStream {
		s.state = types.StreamStateHalfClosedLocal
	}
	return true
}

func (s *fakeStream) SendData(r io.Reader, endStream bool) {
	b, _ := io.ReadAll(r)
	s.data = append(s.data, dataCall{b, endStream})
	if endStream {
		s.state = types.StreamStateHalfClosedLocal
	}
	s.uploading = true
	if !s.holdUpload {
		s.finishUpload()
	}
}

func (s *fakeStream) finishUpload() {
	s.uploading = false
	s.poster.Post(func() {
		if h := s.handlers.UploadFinished; h != nil {
			h()
		}
	})
}

func (s *fakeStream) SendRSTStream(code http2.ErrCode) bool {
	if s.state == types.StreamStateIdle || s.state == types.StreamStateClosed {
		return false
	}
	s.rst = append(s.rst, code)
	s.state = types.StreamStateClosed
	return true
}

func (s *fakeStream) Release() {
	s.released = true
	s.handlers = types.StreamHandlers{}
}

// ответы сервера

func (s *fakeStream) respondHeaders(endStream bool, kv ...string) {
	var fields []hpack.HeaderField
	for i := 0; i < len(kv); i += 2 {
		fields = append(fields, hpack.HeaderField{Name: kv[i], Value: kv[i+1]})
	}
	if h := s.handlers.HeadersReceived; h != nil {
		h(fields, endStream)
	}
}

func (s *fakeStream) respondData(b []byte, endStream bool) {
	if h := s.handlers.DataReceived; h != nil {
		h(b, endStream)
	}
}

func (s *fakeStream) respondError(code http2.ErrCode) {
	if h := s.handlers.ErrorOccurred; h != nil {
		h(code, "stream reset by server ("+code.String()+")")
	}
}

type fakeConn struct {
	poster    types.Poster
	nextID    uint32
	streams   []*fakeStream
	createErr error
	readErr   error
	read      [][]byte
	closed    bool
}

func (c *fakeConn) CreateStream() (types.Stream, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.nextID += 2
	s := &fakeStream{id: c.nextID - 1, poster: c.poster}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeConn) HandleReadyRead(b []byte) error {
	c.read = append(c.read, b)
	return c.readErr
}

func (c *fakeConn) Close() { c.closed = true }

type harness struct {
	t       *testing.T
	loop    *eventloop.Loop
	clock   *clock.Mock
	logs    *observer.ObservedLogs
	ch      *Channel
	sockets []*fakeSocket
	conns   []*fakeConn
}

func newHarness(t *testing.T, target string, opts ...options.ChannelOpt) *harness {
	t.Helper()

	h := &harness{t: t, clock: clock.NewMock()}
	h.loop = eventloop.New(eventloop.WithClock{Clock: h.clock})
	core, logs := observer.New(zap.DebugLevel)
	h.logs = logs

	ch, err := New(target,
		WithLoop{h.loop},
		WithLogger{zap.New(core)},
		WithChannelOptions{options.NewChannelOptions(opts...)},
		WithSocketFactory(h.newSocket),
		WithConnectionFactory(h.newConn),
	)
	require.NoError(t, err)
	h.ch = ch
	return h
}

func (h *harness) newSocket(target types.Target, events types.SocketEvents, _ *zap.Logger) types.Socket {
	s := &fakeSocket{target: target, events: events}
	h.sockets = append(h.sockets, s)
	return s
}

func (h *harness) newConn(_ types.Writer, poster types.Poster, _ *zap.Logger) (types.Connection, error) {
	c := &fakeConn{poster: poster}
	h.conns = append(h.conns, c)
	return c, nil
}

func (h *harness) socket() *fakeSocket { return h.sockets[len(h.sockets)-1] }
func (h *harness) conn() *fakeConn     { return h.conns[len(h.conns)-1] }
func (h *harness) run()                { h.loop.RunPending() }

// connect имитирует успешное подключение последнего сокета.
func (h *harness) connect() *fakeConn {
	h.t.Helper()
	s := h.socket()
	s.writable = true
	s.events.Connected()
	h.run()
	require.NotEmpty(h.t, h.conns)
	return h.conn()
}

func (h *harness) socketError(err error) {
	s := h.socket()
	s.writable = false
	s.events.ErrorOccurred(err)
	h.run()
}

func (h *harness) process(op *operation.Context, endStream bool) {
	h.ch.processOperation(op, endStream)
	h.run()
}

func (h *harness) warnings() []string {
	var msgs []string
	for _, e := range h.logs.FilterLevelExact(zap.WarnLevel).All() {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

type opRecorder struct {
	messages []string
	statuses []*status.Status
	md       metadata.MD
	cancels  int
}

func record(op *operation.Context) *opRecorder {
	r := &opRecorder{}
	op.OnMessageReceived(func(b []byte) { r.messages = append(r.messages, string(b)) })
	op.OnFinished(func(st *status.Status) { r.statuses = append(r.statuses, st) })
	op.OnServerMetadata(func(md metadata.MD) { r.md = md })
	op.OnCancelRequested(func() { r.cancels++ })
	return r
}

func newOp(arg string, opts ...options.CallOpt) *operation.Context {
	return operation.NewContext("helloworld.Greeter", "SayHello", []byte(arg), options.NewCallOptions(opts...))
}

func frame(t *testing.T, payload string) []byte {
	t.Helper()
	b, err := framing.Encode([]byte(payload))
	require.NoError(t, err)
	return b
}
