package frameheader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/net/http2"
)

func TestFrameHeader(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	f := NewFrameHeader()
	f.Fill(70000, http2.FrameData, http2.FlagDataEndStream|http2.FlagDataPadded, 1<<31|7)

	a.Equal(70000, f.Length())
	a.Equal(70000+Len, f.FrameSize())
	a.Equal(http2.FrameData, f.Type())
	a.Equal(uint32(7), f.StreamID())
	a.True(f.EndStream())
	a.True(f.Flags().Has(http2.FlagDataPadded))

	f.Fill(0, http2.FrameHeaders, http2.FlagHeadersEndHeaders, 3)
	a.False(f.EndStream())
	f.Fill(0, http2.FrameRSTStream, http2.FlagDataEndStream, 3)
	a.False(f.EndStream())
}
