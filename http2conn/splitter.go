package http2conn

import (
	"github.com/ozontech/h2grpc/frameheader"
)

// Splitter режет поток байт из сокета на целые http2 фреймы.
type Splitter struct {
	buf []byte
	off int
}

type Status int

const (
	StatusFrameDone Status = iota
	StatusHeaderIncomplete
	StatusPayloadIncomplete
)

func (s *Splitter) Fill(b []byte) {
	if s.off != 0 {
		n := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:n]
		s.off = 0
	}
	s.buf = append(s.buf, b...)
}

// Next возвращает следующий фрейм целиком (заголовок + payload). Слайс
// валиден до следующего Fill.
func (s *Splitter) Next() (frameheader.FrameHeader, []byte, Status) {
	rest := s.buf[s.off:]
	if len(rest) < frameheader.Len {
		return nil, nil, StatusHeaderIncomplete
	}

	header := frameheader.FrameHeader(rest[:frameheader.Len])
	size := header.FrameSize()
	if len(rest) < size {
		return header, nil, StatusPayloadIncomplete
	}

	s.off += size
	return header, rest[:size], StatusFrameDone
}

// Buffered байты неполного фрейма
func (s *Splitter) Buffered() int { return len(s.buf) - s.off }
