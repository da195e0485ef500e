// Package framing implements the gRPC length-prefixed message framing:
// one compression flag byte (always zero) followed by a 4 byte big endian
// payload length and the payload itself.
package framing

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/ozontech/h2grpc/consts"
)

var ErrMessageTooLarge = errors.New("message exceeds 4GiB gRPC length limit")

// Encode prepends the 5 byte gRPC prefix to payload.
func Encode(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrMessageTooLarge
	}
	b := make([]byte, consts.GRPCPrefixSize+len(payload))
	binary.BigEndian.PutUint32(b[1:consts.GRPCPrefixSize], uint32(len(payload)))
	copy(b[consts.GRPCPrefixSize:], payload)
	return b, nil
}

// Reassembler accumulates inbound DATA payloads and splits them into
// complete gRPC messages.
type Reassembler struct {
	expectedSize int
	container    []byte
}

func NewReassembler() *Reassembler { return &Reassembler{} }

// Append adds bytes read from the stream.
func (r *Reassembler) Append(b []byte) {
	r.container = append(r.container, b...)
	r.updateExpectedSize()
}

// ExpectedSize is the full size (prefix included) of the message being
// assembled, or 0 while the prefix itself is incomplete.
func (r *Reassembler) ExpectedSize() int { return r.expectedSize }

// Buffered number of bytes waiting for the rest of a message.
func (r *Reassembler) Buffered() int { return len(r.container) }

// Next pops the next complete message payload. The returned slice is owned
// by the caller.
func (r *Reassembler) Next() ([]byte, bool) {
	if r.expectedSize == 0 || len(r.container) < r.expectedSize {
		return nil, false
	}

	msg := make([]byte, r.expectedSize-consts.GRPCPrefixSize)
	copy(msg, r.container[consts.GRPCPrefixSize:r.expectedSize])

	rest := copy(r.container, r.container[r.expectedSize:])
	r.container = r.container[:rest]
	r.expectedSize = 0
	r.updateExpectedSize()
	return msg, true
}

// Reset drops everything buffered.
func (r *Reassembler) Reset() {
	r.container = r.container[:0]
	r.expectedSize = 0
}

func (r *Reassembler) updateExpectedSize() {
	if r.expectedSize != 0 || len(r.container) < consts.GRPCPrefixSize {
		return
	}
	r.expectedSize = int(binary.BigEndian.Uint32(r.container[1:consts.GRPCPrefixSize])) + consts.GRPCPrefixSize
}
