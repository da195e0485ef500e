package http2conn

import (
	"errors"

	"golang.org/x/net/http2"
)

var (
	ErrConnectionClosed            = errors.New("connection is closed")
	ErrGoAwayReceived              = errors.New("GOAWAY received")
	ErrStreamIDsExhausted          = errors.New("stream ids exhausted")
	ErrMaxConcurrentStreamsReached = errors.New("max concurrent streams reached")
)

type GoAwayError struct {
	Code         http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

func (e GoAwayError) Error() string {
	return "go away (" + e.Code.String() + "): " + string(e.DebugData)
}
