package framing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	b, err := Encode([]byte("resp"))
	a.NoError(err)
	a.Equal([]byte{0, 0, 0, 0, 4, 'r', 'e', 's', 'p'}, b)

	b, err = Encode(nil)
	a.NoError(err)
	a.Equal([]byte{0, 0, 0, 0, 0}, b)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte("hello world"),
		bytes.Repeat([]byte{0xff}, 70_000),
	}
	for _, p := range payloads {
		a := assert.New(t)
		framed, err := Encode(p)
		require.NoError(t, err)

		r := NewReassembler()
		r.Append(framed)
		a.Equal(len(p)+5, r.ExpectedSize())

		msg, ok := r.Next()
		a.True(ok)
		a.Equal(len(p), len(msg))
		a.True(bytes.Equal(p, msg))
		a.Equal(0, r.Buffered())
		a.Equal(0, r.ExpectedSize())

		_, ok = r.Next()
		a.False(ok)
	}
}

func TestMultiMessage(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	frameA, _ := Encode([]byte("A"))
	frameB, _ := Encode([]byte("BB"))
	frameC, _ := Encode([]byte("CCC"))

	chunk := append(append(append([]byte{}, frameA...), frameB...), frameC[:3]...)

	r := NewReassembler()
	r.Append(chunk)

	var got [][]byte
	for {
		msg, ok := r.Next()
		if !ok {
			break
		}
		got = append(got, msg)
	}
	a.Equal([][]byte{[]byte("A"), []byte("BB")}, got)
	a.Equal(3, r.Buffered())
	a.Equal(0, r.ExpectedSize(), "prefix of C is incomplete")

	r.Append(frameC[3:5])
	a.Equal(len(frameC), r.ExpectedSize())
	_, ok := r.Next()
	a.False(ok)

	r.Append(frameC[5:])
	msg, ok := r.Next()
	a.True(ok)
	a.Equal([]byte("CCC"), msg)
}

func TestByteByByte(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	framed, _ := Encode([]byte("payload"))
	r := NewReassembler()
	for i, b := range framed {
		_, ok := r.Next()
		a.False(ok, "byte %d", i)
		r.Append([]byte{b})
	}
	msg, ok := r.Next()
	a.True(ok)
	a.Equal([]byte("payload"), msg)
}
