package types

import (
	"io"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

type Writer interface {
	Write(b []byte) error
}

// Connection http2 соединение поверх сокета.
type Connection interface {
	CreateStream() (Stream, error)  // открыть новый клиентский стрим
	HandleReadyRead(b []byte) error // обработать прочитанные из сокета байты
	Close()                         // закрыть все стримы, больше ничего не писать
}

type ConnectionFactory func(w Writer, poster Poster, log *zap.Logger) (Connection, error)

type StreamState int

const (
	StreamStateIdle StreamState = iota
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "idle"
	case StreamStateOpen:
		return "open"
	case StreamStateHalfClosedLocal:
		return "half-closed (local)"
	case StreamStateHalfClosedRemote:
		return "half-closed (remote)"
	case StreamStateClosed:
		return "closed"
	}
	return "unknown"
}

// SendClosed со стороны клиента в стрим больше нельзя писать
func (s StreamState) SendClosed() bool {
	return s == StreamStateHalfClosedLocal || s == StreamStateClosed
}

type Stream interface {
	ID() uint32
	State() StreamState
	SetHandlers(StreamHandlers)
	SendHeaders(headers []hpack.HeaderField, endStream bool) bool
	SendData(r io.Reader, endStream bool) // отправка идет асинхронно, по окончании вызывается UploadFinished
	SendRSTStream(code http2.ErrCode) bool
	IsUploadingData() bool
	Release() // отвязать колбэки, незакрытый стрим сбрасывается
}

// StreamHandlers колбэки стрима, вызываются на лупе.
type StreamHandlers struct {
	HeadersReceived func(headers []hpack.HeaderField, endStream bool)
	DataReceived    func(data []byte, endStream bool)
	ErrorOccurred   func(code http2.ErrCode, msg string)
	UploadFinished  func()
}
