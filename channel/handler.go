package channel

import (
	"bytes"
	"encoding/base64"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"weak"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ozontech/h2grpc/consts"
	"github.com/ozontech/h2grpc/eventloop"
	"github.com/ozontech/h2grpc/framing"
	"github.com/ozontech/h2grpc/operation"
	"github.com/ozontech/h2grpc/options"
	"github.com/ozontech/h2grpc/types"
)

type handlerState int

const (
	stateActive handlerState = iota
	stateCancelled
	stateFinished
)

func (s handlerState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateCancelled:
		return "cancelled"
	case stateFinished:
		return "finished"
	}
	return "unknown"
}

// заголовки, которые нельзя переопределить метаданными
var reservedHeaders = map[string]struct{}{
	consts.HeaderAuthority:   {},
	consts.HeaderMethod:      {},
	consts.HeaderPath:        {},
	consts.HeaderScheme:      {},
	consts.HeaderContentType: {},
}

// handler ведет одну RPC поверх одного http2 стрима. Все методы вызываются
// с лупа канала.
type handler struct {
	ch  *Channel
	op  weak.Pointer[operation.Context]
	log *zap.Logger

	state                handlerState
	endStreamAtFirstData bool
	stream               types.Stream
	headers              []hpack.HeaderField
	queue                [][]byte
	reassembler          *framing.Reassembler
	timer                *eventloop.Timer

	detached   bool
	errorFired bool
	deleted    bool
}

func newHandler(ch *Channel, op *operation.Context, endStream bool) *handler {
	h := &handler{
		ch:                   ch,
		op:                   weak.Make(op),
		log:                  ch.log.Named("handler").With(zap.String("method", "/"+op.Service()+"/"+op.Method())),
		endStreamAtFirstData: endStream,
		reassembler:          framing.NewReassembler(),
	}

	// операция держит слоты, обработчик держит операцию только через weak
	op.OnCancelRequested(func() {
		if !h.detached {
			h.cancel()
		}
	})
	if !endStream {
		op.OnWritesDoneRequested(func() {
			if !h.detached {
				h.writesDone()
			}
		})
		op.OnWriteMessageRequested(func(b []byte) {
			if !h.detached {
				h.writeMessage(b)
			}
		})
	}
	op.OnFinished(func(*status.Status) {
		if !h.detached {
			h.operationFinished()
		}
	})

	h.prepareInitialRequest(op)
	// у стримов клиента первого сообщения может не быть
	if endStream || op.Argument() != nil {
		h.writeMessage(op.Argument())
	}
	return h
}

func (h *handler) expired() bool { return h.op.Value() == nil }

func (h *handler) prepareInitialRequest(op *operation.Context) {
	ch := h.ch
	h.headers = []hpack.HeaderField{
		{Name: consts.HeaderAuthority, Value: ch.endpoint.authority},
		{Name: consts.HeaderMethod, Value: consts.MethodPOST},
		{Name: consts.HeaderPath, Value: "/" + op.Service() + "/" + op.Method()},
		{Name: consts.HeaderScheme, Value: ch.endpoint.scheme},
		{Name: consts.HeaderContentType, Value: ch.contentType},
		{Name: consts.HeaderServiceName, Value: op.Service()},
		{Name: consts.HeaderGRPCAcceptEncoding, Value: consts.GRPCAcceptEncodingList},
		{Name: consts.HeaderAcceptEncoding, Value: consts.AcceptEncodingList},
		{Name: consts.HeaderTE, Value: consts.TETrailers},
	}

	// метаданные вызова заменяют метаданные канала с тем же ключом
	md := ch.opts.Metadata()
	for k, v := range op.CallOptions().Metadata() {
		md[strings.ToLower(k)] = v
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := reservedHeaders[k]; ok {
			continue
		}
		for _, v := range md.Get(k) {
			h.headers = append(h.headers, hpack.HeaderField{Name: k, Value: encodeHeaderValue(k, v)})
		}
	}
}

// attachStream привязывает стрим и запускает таймер дедлайна. Дедлайн
// отсчитывается от этого момента, а не от создания операции.
func (h *handler) attachStream(s types.Stream) {
	h.stream = s
	s.SetHandlers(types.StreamHandlers{
		HeadersReceived: h.headersReceived,
		DataReceived:    h.dataReceived,
		ErrorOccurred:   h.errorOccurred,
		UploadFinished:  h.processQueue,
	})

	op := h.op.Value()
	if op == nil {
		return
	}
	if d, ok := options.ResolveDeadline(op.CallOptions(), h.ch.opts); ok {
		h.timer = h.ch.loop.AfterFunc(d, h.deadlineTimeout)
	}
}

func (h *handler) sendInitialRequest() {
	if len(h.headers) == 0 || h.stream == nil {
		return
	}
	if !h.stream.SendHeaders(h.headers, false) {
		h.ch.failAsync(h.op, status.New(codes.Unavailable, "Unable to send initial headers to an HTTP/2 stream"))
		h.ch.deleteHandler(h)
		return
	}
	h.headers = nil
	h.processQueue()
}

func (h *handler) headersReceived(fields []hpack.HeaderField, endStream bool) {
	op := h.op.Value()
	if op == nil {
		if endStream {
			h.ch.deleteHandler(h)
		}
		return
	}

	md := op.ServerMetadata()
	code, msg := codes.OK, ""
	for _, f := range fields {
		md.Append(f.Name, decodeHeaderValue(f.Name, f.Value))
		switch f.Name {
		case consts.HeaderGRPCStatus:
			code = parseStatusCode(f.Value)
		case consts.HeaderGRPCMessage:
			msg = decodeGRPCMessage(f.Value)
		}
	}
	op.SetServerMetadata(md)

	if endStream {
		if h.state != stateCancelled {
			op.Finish(status.New(code, msg))
		}
		h.ch.deleteHandler(h)
	}
}

func (h *handler) dataReceived(b []byte, endStream bool) {
	if h.state == stateCancelled {
		return
	}
	op := h.op.Value()
	if op == nil {
		if endStream {
			h.ch.deleteHandler(h)
		}
		return
	}

	h.reassembler.Append(b)
	for {
		msg, ok := h.reassembler.Next()
		if !ok {
			break
		}
		op.ReceiveMessage(msg)
	}

	if endStream {
		if h.reassembler.Buffered() != 0 {
			h.log.Warn("stream ended with an incomplete message", zap.Int("buffered", h.reassembler.Buffered()))
		}
		h.state = stateFinished
		op.Finish(status.New(codes.OK, ""))
		h.ch.deleteHandler(h)
	}
}

func (h *handler) errorOccurred(code http2.ErrCode, msg string) {
	if h.errorFired {
		return
	}
	h.errorFired = true

	if op := h.op.Value(); op != nil {
		op.Finish(status.New(codeFromHTTP2(code), msg))
	}
	h.ch.deleteHandler(h)
}

func (h *handler) deadlineTimeout() {
	op := h.op.Value()
	if op == nil {
		h.log.Warn("Operation expired on deadline timeout")
		return
	}
	if h.cancel() {
		op.Finish(status.New(codes.DeadlineExceeded, "Deadline Exceeded"))
	} else {
		h.log.Warn("Cancellation failed on deadline timeout.")
	}
}

// cancel сбрасывает стрим с кодом CANCEL. Ответ сервера после этого
// игнорируется.
func (h *handler) cancel() bool {
	if h.state != stateActive || h.stream == nil {
		return false
	}
	h.state = stateCancelled
	h.timer.Stop()
	return h.stream.SendRSTStream(http2.ErrCodeCancel)
}

// writesDone закрывает отправку со стороны клиента, ответы продолжают
// приходить.
func (h *handler) writesDone() {
	if h.state != stateActive {
		return
	}
	h.state = stateFinished
	if h.stream != nil && h.stream.State().SendClosed() {
		return
	}
	h.queue = append(h.queue, []byte{})
	h.processQueue()
}

func (h *handler) writeMessage(b []byte) {
	if h.state != stateActive || (h.stream != nil && h.stream.State().SendClosed()) {
		h.log.Debug("Attempt sending data to the ended stream")
		return
	}
	framed, err := framing.Encode(b)
	if err != nil {
		h.ch.failAsync(h.op, status.New(codes.ResourceExhausted, err.Error()))
		return
	}
	h.queue = append(h.queue, framed)
	h.processQueue()
}

// processQueue отправляет следующее сообщение из очереди. Следующее уйдет
// по UploadFinished.
func (h *handler) processQueue() {
	if h.stream == nil || h.stream.IsUploadingData() || len(h.queue) == 0 {
		return
	}
	item := h.queue[0]
	h.queue[0] = nil
	h.queue = h.queue[1:]

	h.stream.SendData(bytes.NewReader(item), len(item) == 0 || h.endStreamAtFirstData)
}

func (h *handler) operationFinished() {
	h.timer.Stop()
	h.ch.deleteHandler(h)
}

// teardown отвязывает обработчик от операции и стрима.
func (h *handler) teardown() {
	h.detached = true
	h.timer.Stop()
	if h.stream != nil {
		h.stream.Release()
		h.stream = nil
	}
	h.queue = nil
	h.reassembler.Reset()
}

func parseStatusCode(v string) codes.Code {
	c, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return codes.Unknown
	}
	return codes.Code(c)
}

// grpc-message передается percent-encoded
func decodeGRPCMessage(v string) string {
	if !strings.Contains(v, "%") {
		return v
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return v
	}
	return decoded
}

const binHeaderSuffix = "-bin"

func encodeHeaderValue(key, v string) string {
	if !strings.HasSuffix(key, binHeaderSuffix) {
		return v
	}
	return base64.RawStdEncoding.EncodeToString([]byte(v))
}

func decodeHeaderValue(key, v string) string {
	if !strings.HasSuffix(key, binHeaderSuffix) {
		return v
	}
	enc := base64.RawStdEncoding
	if len(v)%4 == 0 {
		enc = base64.StdEncoding
	}
	b, err := enc.DecodeString(v)
	if err != nil {
		return v
	}
	return string(b)
}
