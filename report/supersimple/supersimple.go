// Package supersimple печатает раз в секунду сводку по повторным вызовам:
// сколько завершилось, с какими кодами, сколько байт передано в обе стороны.
package supersimple

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ozontech/h2grpc/report"
)

type Reporter struct {
	out     io.Writer
	clock   clock.Clock
	closeCh chan struct{}
	timeout time.Duration

	start time.Time
	ok    atomic.Uint32
	nook  atomic.Uint32
	req   atomic.Uint32
	size  atomic.Uint64

	mu    sync.Mutex
	codes map[codes.Code]uint32

	lastOk   uint32
	lastNook uint32
	lastReq  uint32
	lastSize uint64
	lastTime time.Time
}

// New timeout порог, после которого успешный ответ считается неуспешным;
// 0 без порога.
func New(out io.Writer, clk clock.Clock, timeout time.Duration) *Reporter {
	now := clk.Now()
	return &Reporter{
		out:      out,
		clock:    clk,
		closeCh:  make(chan struct{}),
		timeout:  timeout,
		start:    now,
		codes:    make(map[codes.Code]uint32),
		lastTime: now,
	}
}

func (a *Reporter) Run() error {
	t := a.clock.Ticker(time.Second)
	defer t.Stop()
	defer a.total()
	for {
		select {
		case now := <-t.C:
			a.report(now)
		case <-a.closeCh:
			return nil
		}
	}
}

func (a *Reporter) Close() error {
	close(a.closeCh)
	return nil
}

func (a *Reporter) Acquire(string) report.CallState {
	a.req.Add(1)
	return &callState{reporter: a, begin: a.clock.Now()}
}

func (a *Reporter) accept(st *status.Status, took time.Duration) {
	code := st.Code()
	if code == codes.OK && (a.timeout == 0 || took <= a.timeout) {
		a.ok.Add(1)
	} else {
		a.nook.Add(1)
	}

	a.mu.Lock()
	a.codes[code]++
	a.mu.Unlock()
}

func (a *Reporter) write(ok, nook, req uint32, size uint64, d time.Duration) {
	total := ok + nook
	miliSeconds := d.Milliseconds()
	if miliSeconds > 0 {
		fmt.Fprintf(a.out,
			"total=%d ok=%d nook=%d req=%d size=%s req/s=%.2f resp/s=%.2f\n",
			total, ok, nook, req,
			humanize.Bytes(size*1000/uint64(miliSeconds)),
			float64(req)*1000/float64(miliSeconds), float64(total)*1000/float64(miliSeconds),
		)
	} else {
		fmt.Fprintf(a.out, "total=%d ok=%d nook=%d req=%d\n", total, ok, nook, req)
	}
}

func (a *Reporter) total() {
	fmt.Fprintln(a.out, "total")
	a.write(a.ok.Load(), a.nook.Load(), a.req.Load(), a.size.Load(), a.clock.Since(a.start))

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.codes) == 0 {
		return
	}
	parts := make([]string, 0, len(a.codes))
	for code, n := range a.codes {
		parts = append(parts, fmt.Sprintf("%s=%d", code, n))
	}
	sort.Strings(parts)
	fmt.Fprintf(a.out, "codes %s\n", strings.Join(parts, " "))
}

func (a *Reporter) report(now time.Time) {
	ok, nook, req, size, period := a.ok.Load(), a.nook.Load(), a.req.Load(), a.size.Load(), now.Sub(a.lastTime)
	a.write(ok-a.lastOk, nook-a.lastNook, req-a.lastReq, size-a.lastSize, period)
	a.lastOk, a.lastNook, a.lastTime, a.lastReq, a.lastSize = ok, nook, now, req, size
}

type callState struct {
	reporter *Reporter
	begin    time.Time
}

func (s *callState) SetRequestSize(size int)  { s.reporter.size.Add(uint64(size)) }
func (s *callState) AddResponseSize(size int) { s.reporter.size.Add(uint64(size)) }

func (s *callState) End(st *status.Status) {
	s.reporter.accept(st, s.reporter.clock.Since(s.begin))
}
