// Package http2conn is the client side of an HTTP/2 connection that runs
// entirely on the channel event loop: bytes read from the socket are fed in
// through HandleReadyRead and everything written goes to a types.Writer.
package http2conn

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/h2grpc/consts"
	"github.com/ozontech/h2grpc/http2conn/flowcontrol"
	"github.com/ozontech/h2grpc/http2conn/store"
	"github.com/ozontech/h2grpc/types"
	hpackwrapper "github.com/ozontech/h2grpc/utils/hpack_wrapper"
)

var clientPreface = []byte(http2.ClientPreface)

const windowUpdateMinValue = consts.DefaultInitialWindowSize / 4 // initial window size / 4

type frameProcessor func(http2.Frame) error

type peerSettings struct {
	maxConcurrentStreams uint32
	initialWindowSize    uint32
	maxFrameSize         uint32
	maxHeaderListSize    uint32
}

type Connection struct {
	w      types.Writer
	poster types.Poster
	log    *zap.Logger

	wbuf        bytes.Buffer
	writeFramer *http2.Framer
	hpackEnc    *hpackwrapper.Wrapper

	rd         *bytes.Reader
	readFramer *http2.Framer
	hpackDec   *hpack.Decoder
	splitter   Splitter
	processors map[http2.FrameType]frameProcessor

	// header block, собираемый из HEADERS + CONTINUATION
	headerBlock     []byte
	headerStreamID  uint32
	headerEndStream bool

	streams      store.StreamsMapUnlocked[*Stream]
	nextStreamID uint32
	peer         peerSettings
	fcConn       *flowcontrol.FlowControl // для соединения (по спеке игнорирует SETTINGS_INITIAL_WINDOW_SIZE)
	recvConn     *flowcontrol.RecvWindow

	goAway bool
	closed bool
}

// New пишет preface и SETTINGS клиента.
func New(w types.Writer, poster types.Poster, log *zap.Logger) (*Connection, error) {
	c := &Connection{
		w:      w,
		poster: poster,
		log:    log.Named("http2"),

		hpackEnc: hpackwrapper.NewWrapper(),
		rd:       bytes.NewReader(nil),
		hpackDec: hpack.NewDecoder(consts.DefaultHeaderTableSize, nil),

		streams:      store.NewStreamsMapUnlocked[*Stream](16),
		nextStreamID: 1,
		peer: peerSettings{
			maxConcurrentStreams: consts.DefaultMaxConcurrentStreams,
			initialWindowSize:    consts.DefaultInitialWindowSize,
			maxFrameSize:         consts.DefaultMaxFrameSize,
			maxHeaderListSize:    consts.DefaultMaxHeaderListSize,
		},
		fcConn:   flowcontrol.NewFlowControl(consts.DefaultInitialWindowSize),
		recvConn: flowcontrol.NewRecvWindow(windowUpdateMinValue),
	}
	c.writeFramer = http2.NewFramer(&c.wbuf, nil)
	c.readFramer = http2.NewFramer(nil, c.rd)
	c.readFramer.SetMaxReadFrameSize(consts.DefaultMaxFrameSize)
	c.processors = map[http2.FrameType]frameProcessor{
		http2.FrameData:         c.processData,
		http2.FrameHeaders:      c.processHeaders,
		http2.FrameContinuation: c.processContinuation,
		http2.FrameRSTStream:    c.processRSTStream,
		http2.FrameSettings:     c.processSettings,
		http2.FramePing:         c.processPing,
		http2.FrameGoAway:       c.processGoAway,
		http2.FrameWindowUpdate: c.processWindowUpdate,
		http2.FramePushPromise:  c.processPushPromise,
	}

	c.wbuf.Write(clientPreface)
	err := c.writeFramer.WriteSettings(http2.Setting{ID: http2.SettingEnablePush, Val: 0})
	if err != nil {
		return nil, fmt.Errorf("write settings frame: %w", err)
	}
	if err = c.flush(); err != nil {
		return nil, fmt.Errorf("write http2 preface: %w", err)
	}
	return c, nil
}

func (c *Connection) flush() error {
	if c.wbuf.Len() == 0 {
		return nil
	}
	b := bytes.Clone(c.wbuf.Bytes())
	c.wbuf.Reset()
	return c.w.Write(b)
}

// CreateStream резервирует id для нового стрима. Фреймы не отправляются до
// SendHeaders.
func (c *Connection) CreateStream() (types.Stream, error) {
	switch {
	case c.closed:
		return nil, ErrConnectionClosed
	case c.goAway:
		return nil, ErrGoAwayReceived
	case c.nextStreamID > consts.MaxStreamID:
		return nil, ErrStreamIDsExhausted
	case uint32(c.streams.Len()) >= c.peer.maxConcurrentStreams:
		return nil, ErrMaxConcurrentStreamsReached
	}

	s := &Stream{
		id:    c.nextStreamID,
		conn:  c,
		state: types.StreamStateIdle,
		fc:    flowcontrol.NewFlowControl(c.peer.initialWindowSize),
		recv:  flowcontrol.NewRecvWindow(windowUpdateMinValue),
	}
	c.nextStreamID += 2
	c.streams.Set(s.id, s)
	return s, nil
}

// HandleReadyRead разбирает байты из сокета. Ошибка означает, что
// соединение сломано и его нужно закрыть.
func (c *Connection) HandleReadyRead(b []byte) error {
	if c.closed {
		return ErrConnectionClosed
	}

	c.splitter.Fill(b)
	for {
		header, frame, status := c.splitter.Next()
		if status == StatusPayloadIncomplete && header.Length() > consts.DefaultMaxFrameSize {
			return c.fail(http2.ConnectionError(http2.ErrCodeFrameSize))
		}
		if status != StatusFrameDone {
			break
		}

		if err := c.processFrame(frame); err != nil {
			return c.fail(err)
		}
		if c.closed {
			// соединение закрыли из колбэка стрима
			return nil
		}
	}
	return c.flush()
}

func (c *Connection) processFrame(frame []byte) error {
	c.rd.Reset(frame)
	f, err := c.readFramer.ReadFrame()
	if err != nil {
		var se http2.StreamError
		if errors.As(err, &se) {
			c.resetStream(se.StreamID, se.Code, "stream error: "+se.Error())
			return nil
		}
		if errors.Is(err, http2.ErrFrameTooLarge) {
			return http2.ConnectionError(http2.ErrCodeFrameSize)
		}
		return fmt.Errorf("reading frame: %w", err)
	}

	p := c.processors[f.Header().Type]
	if p == nil {
		return nil
	}
	return p(f)
}

// fail отправляет GOAWAY с кодом ошибки и закрывает соединение.
func (c *Connection) fail(err error) error {
	code := http2.ErrCodeProtocol
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		code = http2.ErrCode(ce)
	}
	var goAwayErr GoAwayError
	if !errors.As(err, &goAwayErr) {
		c.log.Error("connection error", zap.Error(err))
		_ = c.writeFramer.WriteGoAway(0, code, nil)
		_ = c.flush()
	}
	c.shutdown()
	return err
}

// Close отправляет GOAWAY(NO_ERROR) и закрывает все стримы без уведомлений.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	_ = c.writeFramer.WriteGoAway(0, http2.ErrCodeNo, nil)
	if err := c.flush(); err != nil {
		c.log.Debug("write goaway", zap.Error(err))
	}
	c.shutdown()
}

func (c *Connection) shutdown() {
	c.closed = true
	c.streams.Each(func(s *Stream) {
		s.state = types.StreamStateClosed
		s.upload = nil
		s.handlers = types.StreamHandlers{}
		c.streams.Delete(s.id)
	})
}

// resumeUploads продолжает отправку DATA после увеличения окон
func (c *Connection) resumeUploads() {
	c.streams.Each(func(s *Stream) {
		if s.upload != nil {
			c.pump(s)
		}
	})
}

func (c *Connection) resetStream(id uint32, code http2.ErrCode, msg string) {
	_ = c.writeFramer.WriteRSTStream(id, code)
	s, ok := c.streams.GetAndDelete(id)
	if !ok {
		return
	}
	s.state = types.StreamStateClosed
	s.upload = nil
	s.emitError(code, msg)
}

func (c *Connection) processData(f http2.Frame) error {
	df := f.(*http2.DataFrame)
	length := df.Header().Length
	if incr := c.recvConn.Received(length); incr > 0 {
		_ = c.writeFramer.WriteWindowUpdate(0, incr)
	}

	s, ok := c.streams.Get(df.StreamID)
	if !ok || s.state == types.StreamStateHalfClosedRemote {
		return nil
	}

	endStream := df.StreamEnded()
	if !endStream {
		if incr := s.recv.Received(length); incr > 0 {
			_ = c.writeFramer.WriteWindowUpdate(s.id, incr)
		}
	} else {
		s.remoteClosed()
	}

	if h := s.handlers.DataReceived; h != nil {
		h(bytes.Clone(df.Data()), endStream)
	}
	return nil
}

func (c *Connection) processHeaders(f http2.Frame) error {
	hf := f.(*http2.HeadersFrame)
	c.headerBlock = append(c.headerBlock[:0], hf.HeaderBlockFragment()...)
	c.headerStreamID = hf.StreamID
	c.headerEndStream = hf.StreamEnded()
	if !hf.HeadersEnded() {
		return nil
	}
	return c.headersComplete()
}

func (c *Connection) processContinuation(f http2.Frame) error {
	cf := f.(*http2.ContinuationFrame)
	c.headerBlock = append(c.headerBlock, cf.HeaderBlockFragment()...)
	if !cf.HeadersEnded() {
		return nil
	}
	return c.headersComplete()
}

func (c *Connection) headersComplete() error {
	// декодируем даже для неизвестных стримов, чтобы не сломать состояние hpack
	fields, err := c.hpackDec.DecodeFull(c.headerBlock)
	c.headerBlock = c.headerBlock[:0]
	if err != nil {
		c.log.Error("hpack decoding", zap.Error(err))
		return http2.ConnectionError(http2.ErrCodeCompression)
	}

	s, ok := c.streams.Get(c.headerStreamID)
	if !ok {
		return nil
	}
	endStream := c.headerEndStream
	if endStream {
		s.remoteClosed()
	}
	if h := s.handlers.HeadersReceived; h != nil {
		h(fields, endStream)
	}
	return nil
}

func (c *Connection) processRSTStream(f http2.Frame) error {
	rf := f.(*http2.RSTStreamFrame)
	s, ok := c.streams.GetAndDelete(rf.StreamID)
	if !ok {
		return nil
	}
	s.state = types.StreamStateClosed
	s.upload = nil
	s.emitError(rf.ErrCode, "stream reset by server ("+rf.ErrCode.String()+")")
	return nil
}

func (c *Connection) processSettings(f http2.Frame) error {
	sf := f.(*http2.SettingsFrame)
	if sf.IsAck() {
		return nil
	}

	var logFields []zap.Field
	err := sf.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		logFields = append(logFields, zap.Uint32("setting_"+s.ID.String(), s.Val))
		switch s.ID {
		case http2.SettingHeaderTableSize:
			c.hpackEnc.SetMaxDynamicTableSizeLimit(s.Val)
		case http2.SettingMaxConcurrentStreams:
			c.peer.maxConcurrentStreams = s.Val
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - int64(c.peer.initialWindowSize)
			var adjustErr error
			c.streams.Each(func(st *Stream) {
				if err := st.fc.Adjust(delta); err != nil {
					adjustErr = err
				}
			})
			if adjustErr != nil {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
			c.peer.initialWindowSize = s.Val
		case http2.SettingMaxFrameSize:
			c.peer.maxFrameSize = s.Val
		case http2.SettingMaxHeaderListSize:
			c.peer.maxHeaderListSize = s.Val
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Debug("got settings", logFields...)

	if err = c.writeFramer.WriteSettingsAck(); err != nil {
		return fmt.Errorf("write settings ack: %w", err)
	}
	c.resumeUploads()
	return nil
}

func (c *Connection) processPing(f http2.Frame) error {
	pf := f.(*http2.PingFrame)
	if pf.IsAck() {
		return nil
	}
	return c.writeFramer.WritePing(true, pf.Data)
}

func (c *Connection) processGoAway(f http2.Frame) error {
	gf := f.(*http2.GoAwayFrame)
	c.goAway = true
	c.log.Info(
		"got goaway",
		zap.Stringer("code", gf.ErrCode),
		zap.Uint32("last_stream_id", gf.LastStreamID),
		zap.ByteString("debug_data", gf.DebugData()),
	)

	var refused []*Stream
	c.streams.Each(func(s *Stream) {
		if s.id > gf.LastStreamID {
			refused = append(refused, s)
		}
	})
	for _, s := range refused {
		c.streams.Delete(s.id)
		s.state = types.StreamStateClosed
		s.upload = nil
		s.emitError(http2.ErrCodeRefusedStream, "stream refused by GOAWAY")
	}

	if gf.ErrCode != http2.ErrCodeNo {
		return GoAwayError{
			Code:         gf.ErrCode,
			LastStreamID: gf.LastStreamID,
			DebugData:    bytes.Clone(gf.DebugData()),
		}
	}
	return nil
}

func (c *Connection) processWindowUpdate(f http2.Frame) error {
	wf := f.(*http2.WindowUpdateFrame)
	if wf.StreamID == 0 {
		if err := c.fcConn.Add(wf.Increment); err != nil {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
	} else {
		s, ok := c.streams.Get(wf.StreamID)
		if !ok {
			return nil
		}
		if err := s.fc.Add(wf.Increment); err != nil {
			c.resetStream(s.id, http2.ErrCodeFlowControl, "stream flow control window overflow")
			return nil
		}
	}
	c.resumeUploads()
	return nil
}

func (c *Connection) processPushPromise(http2.Frame) error {
	// push выключен в SETTINGS
	return http2.ConnectionError(http2.ErrCodeProtocol)
}

// pump отправляет DATA фреймы, пока позволяют окна.
func (c *Connection) pump(s *Stream) {
	u := s.upload
	for {
		n := min(len(u.data), int(c.peer.maxFrameSize), c.fcConn.Available(), s.fc.Available())
		if n == 0 && len(u.data) != 0 {
			break
		}

		chunk := u.data[:n]
		u.data = u.data[n:]
		last := len(u.data) == 0
		if err := c.writeFramer.WriteData(s.id, last && u.endStream, chunk); err != nil {
			c.log.Error("write data frame", zap.Uint32("stream-id", s.id), zap.Error(err))
			s.upload = nil
			return
		}
		c.fcConn.Consume(n)
		s.fc.Consume(n)

		if last {
			s.upload = nil
			if u.endStream {
				s.localClosed()
			}
			c.poster.Post(s.uploadFinished)
			break
		}
	}

	if err := c.flush(); err != nil {
		c.log.Debug("flush data", zap.Uint32("stream-id", s.id), zap.Error(err))
	}
}
