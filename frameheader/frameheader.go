package frameheader

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/net/http2"
)

// Len длина заголовка http2 фрейма
const Len = 9

// FrameHeader view над первыми 9 байтами http2 фрейма.
type FrameHeader []byte

func NewFrameHeader() FrameHeader { return make([]byte, Len) }

func (f FrameHeader) Fill(
	length int,
	t http2.FrameType,
	flags http2.Flags,
	streamID uint32,
) {
	_ = f[8]
	f[0] = byte(length >> 16)
	f[1] = byte(length >> 8)
	f[2] = byte(length)
	f[3] = byte(t)
	f[4] = byte(flags)
	binary.BigEndian.PutUint32(f[5:], streamID&(1<<31-1))
}

func (f FrameHeader) Length() int {
	_ = f[2]
	return (int(f[0])<<16 | int(f[1])<<8 | int(f[2]))
}

// FrameSize длина фрейма вместе с заголовком
func (f FrameHeader) FrameSize() int { return Len + f.Length() }

func (f FrameHeader) Type() http2.FrameType { return http2.FrameType(f[3]) }
func (f FrameHeader) Flags() http2.Flags    { return http2.Flags(f[4]) }

// StreamID reserved бит игнорируется
func (f FrameHeader) StreamID() uint32 { return binary.BigEndian.Uint32(f[5:]) & (1<<31 - 1) }

func (f FrameHeader) EndStream() bool {
	switch f.Type() {
	case http2.FrameData:
		return f.Flags().Has(http2.FlagDataEndStream)
	case http2.FrameHeaders:
		return f.Flags().Has(http2.FlagHeadersEndStream)
	}
	return false
}

func (f FrameHeader) String() string {
	return f.Type().String() +
		"/ length=" + strconv.FormatUint(uint64(f.Length()), 10) +
		"/ streamID = " + strconv.FormatUint(uint64(f.StreamID()), 10) +
		"/ flags = " + fmt.Sprintf("%o", f.Flags())
}
