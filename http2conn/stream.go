package http2conn

import (
	"io"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/h2grpc/http2conn/flowcontrol"
	"github.com/ozontech/h2grpc/types"
)

type upload struct {
	data      []byte
	endStream bool
}

// Stream клиентский http2 стрим. Все методы вызываются с лупа.
type Stream struct {
	id       uint32
	conn     *Connection
	state    types.StreamState
	handlers types.StreamHandlers

	fc     *flowcontrol.FlowControl
	recv   *flowcontrol.RecvWindow
	upload *upload
}

func (s *Stream) ID() uint32                         { return s.id }
func (s *Stream) State() types.StreamState           { return s.state }
func (s *Stream) SetHandlers(h types.StreamHandlers) { s.handlers = h }
func (s *Stream) IsUploadingData() bool              { return s.upload != nil }

// SendHeaders отправляет HEADERS (+ CONTINUATION, если блок не влезает в
// один фрейм). Можно вызвать только один раз.
func (s *Stream) SendHeaders(headers []hpack.HeaderField, endStream bool) bool {
	c := s.conn
	if c.closed || s.state != types.StreamStateIdle {
		return false
	}
	if size := headerListSize(headers); size > uint64(c.peer.maxHeaderListSize) {
		c.log.Warn("header list is too large",
			zap.Uint32("stream-id", s.id),
			zap.Uint64("size", size),
			zap.Uint32("limit", c.peer.maxHeaderListSize),
		)
		return false
	}

	block := c.hpackEnc.Encode(headers)
	maxFrameSize := int(c.peer.maxFrameSize)
	first := true
	for first || len(block) != 0 {
		n := min(len(block), maxFrameSize)
		frag := block[:n]
		block = block[n:]
		endHeaders := len(block) == 0

		var err error
		if first {
			err = c.writeFramer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      s.id,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = c.writeFramer.WriteContinuation(s.id, endHeaders, frag)
		}
		if err != nil {
			c.log.Error("write headers", zap.Uint32("stream-id", s.id), zap.Error(err))
			return false
		}
	}

	s.state = types.StreamStateOpen
	if endStream {
		s.state = types.StreamStateHalfClosedLocal
	}
	if err := c.flush(); err != nil {
		c.log.Debug("flush headers", zap.Uint32("stream-id", s.id), zap.Error(err))
		return false
	}
	return true
}

// SendData вычитывает r и отправляет его DATA фреймами с учетом окон.
// Когда все отправлено, на лупе вызывается UploadFinished.
func (s *Stream) SendData(r io.Reader, endStream bool) {
	c := s.conn
	if c.closed || s.upload != nil || s.state == types.StreamStateIdle || s.state.SendClosed() {
		c.log.Debug("data is not allowed", zap.Uint32("stream-id", s.id), zap.Stringer("state", s.state))
		return
	}

	data, err := io.ReadAll(r)
	if err != nil {
		c.log.Error("read data source", zap.Uint32("stream-id", s.id), zap.Error(err))
		return
	}
	s.upload = &upload{data: data, endStream: endStream}
	c.pump(s)
}

func (s *Stream) SendRSTStream(code http2.ErrCode) bool {
	c := s.conn
	if c.closed || s.state == types.StreamStateIdle || s.state == types.StreamStateClosed {
		return false
	}
	s.state = types.StreamStateClosed
	s.upload = nil
	c.streams.Delete(s.id)

	if err := c.writeFramer.WriteRSTStream(s.id, code); err != nil {
		return false
	}
	if err := c.flush(); err != nil {
		c.log.Debug("flush rst stream", zap.Uint32("stream-id", s.id), zap.Error(err))
		return false
	}
	return true
}

// Release отвязывает стрим от владельца. Незакрытый стрим сбрасывается с
// кодом CANCEL.
func (s *Stream) Release() {
	s.handlers = types.StreamHandlers{}
	switch s.state {
	case types.StreamStateIdle:
		s.state = types.StreamStateClosed
		s.conn.streams.Delete(s.id)
	case types.StreamStateClosed:
	default:
		s.SendRSTStream(http2.ErrCodeCancel)
	}
}

func (s *Stream) localClosed() {
	switch s.state {
	case types.StreamStateOpen:
		s.state = types.StreamStateHalfClosedLocal
	case types.StreamStateHalfClosedRemote:
		s.closed()
	}
}

func (s *Stream) remoteClosed() {
	switch s.state {
	case types.StreamStateOpen:
		s.state = types.StreamStateHalfClosedRemote
	case types.StreamStateHalfClosedLocal:
		s.closed()
	}
}

func (s *Stream) closed() {
	s.state = types.StreamStateClosed
	s.upload = nil
	s.conn.streams.Delete(s.id)
}

func (s *Stream) uploadFinished() {
	if h := s.handlers.UploadFinished; h != nil {
		h()
	}
}

func (s *Stream) emitError(code http2.ErrCode, msg string) {
	if h := s.handlers.ErrorOccurred; h != nil {
		h(code, msg)
	}
}

// headerListSize размер по правилам SETTINGS_MAX_HEADER_LIST_SIZE
func headerListSize(headers []hpack.HeaderField) uint64 {
	var size uint64
	for _, h := range headers {
		size += uint64(h.Size())
	}
	return size
}
