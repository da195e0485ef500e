package multi

import (
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/status"

	"github.com/ozontech/h2grpc/report"
)

// Multi раздает события всем вложенным репортерам.
type Multi struct {
	nested []report.Reporter
}

func New(nested ...report.Reporter) *Multi {
	return &Multi{nested}
}

func (m *Multi) Run() error {
	g := new(errgroup.Group)
	for _, r := range m.nested {
		g.Go(r.Run)
	}
	return g.Wait()
}

func (m *Multi) Close() error {
	g := new(errgroup.Group)
	for _, r := range m.nested {
		g.Go(r.Close)
	}
	return g.Wait()
}

func (m *Multi) Acquire(tag string) report.CallState {
	ms := make(multiState, len(m.nested))
	for i, r := range m.nested {
		ms[i] = r.Acquire(tag)
	}
	return ms
}

type multiState []report.CallState

func (s multiState) SetRequestSize(n int) {
	for _, s := range s {
		s.SetRequestSize(n)
	}
}

func (s multiState) AddResponseSize(n int) {
	for _, s := range s {
		s.AddResponseSize(n)
	}
}

func (s multiState) End(st *status.Status) {
	for _, s := range s {
		s.End(st)
	}
}
