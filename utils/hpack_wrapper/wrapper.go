package hpackwrapper

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// Wrapper hpack энкодер, собирающий header block во внутренний буфер.
type Wrapper struct {
	buf bytes.Buffer
	enc *hpack.Encoder
}

func NewWrapper(opts ...Opt) *Wrapper {
	wrapper := &Wrapper{}
	wrapper.enc = hpack.NewEncoder(&wrapper.buf)
	for _, o := range opts {
		o.apply(wrapper)
	}

	return wrapper
}

func (ww *Wrapper) WriteField(k, v string) {
	//nolint:errcheck // всегда пишем в буфер, это безопасно
	ww.enc.WriteField(hpack.HeaderField{
		Name:  k,
		Value: v,
	})
}

// Encode кодирует список заголовков. Результат валиден до следующего вызова.
func (ww *Wrapper) Encode(fields []hpack.HeaderField) []byte {
	ww.buf.Reset()
	for _, f := range fields {
		ww.WriteField(f.Name, f.Value)
	}
	return ww.buf.Bytes()
}

// SetMaxDynamicTableSizeLimit применяет SETTINGS_HEADER_TABLE_SIZE сервера
func (ww *Wrapper) SetMaxDynamicTableSizeLimit(v uint32) {
	ww.enc.SetMaxDynamicTableSizeLimit(v)
}

type Opt interface {
	apply(*Wrapper)
}

type WithMaxDynamicTableSize uint32

func (s WithMaxDynamicTableSize) apply(w *Wrapper) {
	w.enc.SetMaxDynamicTableSize(uint32(s))
}
