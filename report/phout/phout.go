// Package phout пишет результаты вызовов в формате phout (yandex-tank),
// одна строка на вызов.
package phout

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ozontech/h2grpc/report"
)

// errnoNetwork для вызовов, упавших на уровне соединения
const errnoNetwork = 999

type Reporter struct {
	clock   clock.Clock
	w       *bufio.Writer
	ch      chan *callState
	timeout time.Duration
}

// New timeout порог, после которого вызов пишется как grpc_4; 0 без порога.
func New(w io.Writer, clk clock.Clock, timeout time.Duration) *Reporter {
	return &Reporter{
		clock:   clk,
		w:       bufio.NewWriter(w),
		ch:      make(chan *callState, 256),
		timeout: timeout,
	}
}

func (r *Reporter) Run() error {
	line := make([]byte, 0, 128)
	for s := range r.ch {
		line = s.appendResult(line[:0])
		if _, err := r.w.Write(line); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return r.w.Flush()
}

func (r *Reporter) Close() error {
	close(r.ch)
	return nil
}

func (r *Reporter) Acquire(tag string) report.CallState {
	return &callState{reporter: r, tag: tag, startTime: r.clock.Now()}
}

type callState struct {
	reporter *Reporter
	tag      string

	reqSize   int
	respSize  int
	code      codes.Code
	startTime time.Time
	endTime   time.Time
}

func (s *callState) SetRequestSize(size int)  { s.reqSize = size }
func (s *callState) AddResponseSize(size int) { s.respSize += size }

func (s *callState) End(st *status.Status) {
	s.endTime = s.reporter.clock.Now()
	s.code = st.Code()
	s.reporter.ch <- s
}

const tabChar = '\t'

func (s *callState) appendResult(b []byte) []byte {
	b = strconv.AppendInt(b, s.startTime.Unix(), 10)
	b = append(b, '.')
	b = strconv.AppendInt(b, int64(s.startTime.Nanosecond()/1e6), 10)
	b = append(b, tabChar)
	b = append(b, s.tag...)
	b = append(b, tabChar)

	// keyRTTMicro
	rtt := s.endTime.Sub(s.startTime)
	b = strconv.AppendInt(b, rtt.Microseconds(), 10)
	b = append(b, tabChar)

	// keyConnectMicro, keySendMicro, keyLatencyMicro, keyReceiveMicro,
	// keyIntervalEventMicro
	b = append(b, "0\t0\t0\t0\t0\t"...)

	// keyRequestBytes
	b = strconv.AppendInt(b, int64(s.reqSize), 10)
	b = append(b, tabChar)
	// keyResponseBytes
	b = strconv.AppendInt(b, int64(s.respSize), 10)
	b = append(b, tabChar)

	// keyErrno
	if s.code == codes.Unavailable {
		b = strconv.AppendInt(b, errnoNetwork, 10)
	} else {
		b = append(b, '0')
	}
	b = append(b, tabChar)

	// keyProtoCode
	code := s.code
	if s.reporter.timeout != 0 && rtt > s.reporter.timeout {
		code = codes.DeadlineExceeded
	}
	b = append(b, "grpc_"...)
	b = strconv.AppendInt(b, int64(code), 10)
	return append(b, '\n')
}
