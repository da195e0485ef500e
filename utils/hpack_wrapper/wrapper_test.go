package hpackwrapper

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestEncode(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/svc/Method"},
		{Name: "x-custom", Value: "value"},
	}

	w := NewWrapper(WithMaxDynamicTableSize(1024))
	dec := hpack.NewDecoder(4096, nil)

	for i := 0; i < 2; i++ {
		block := bytes.Clone(w.Encode(fields))
		got, err := dec.DecodeFull(block)
		require.NoError(t, err)
		a.Equal(fields, got)
	}
}
