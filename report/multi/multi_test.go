package multi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ozontech/h2grpc/report"
)

type recorder struct {
	closed          chan struct{}
	tags            []string
	reqSize, respSz int
	codes           []codes.Code
}

func newRecorder() *recorder { return &recorder{closed: make(chan struct{})} }

func (r *recorder) Run() error   { <-r.closed; return nil }
func (r *recorder) Close() error { close(r.closed); return nil }

func (r *recorder) Acquire(tag string) report.CallState {
	r.tags = append(r.tags, tag)
	return r
}

func (r *recorder) SetRequestSize(n int)  { r.reqSize = n }
func (r *recorder) AddResponseSize(n int) { r.respSz += n }
func (r *recorder) End(st *status.Status) { r.codes = append(r.codes, st.Code()) }

func TestMulti(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r1, r2 := newRecorder(), newRecorder()
	m := New(r1, r2)
	done := make(chan error)
	go func() { done <- m.Run() }()

	s := m.Acquire("/svc/Method")
	s.SetRequestSize(10)
	s.AddResponseSize(3)
	s.AddResponseSize(4)
	s.End(status.New(codes.Aborted, ""))

	a.NoError(m.Close())
	a.NoError(<-done)

	for _, r := range []*recorder{r1, r2} {
		a.Equal([]string{"/svc/Method"}, r.tags)
		a.Equal(10, r.reqSize)
		a.Equal(7, r.respSz)
		a.Equal([]codes.Code{codes.Aborted}, r.codes)
	}
}
