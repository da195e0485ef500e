package phout

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestPhout(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	const timeout = 11 * time.Second

	b := new(bytes.Buffer)
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 123*int64(time.Millisecond)))
	r := New(b, mock, timeout)
	errChan := make(chan error)
	go func() {
		errChan <- r.Run()
	}()

	var expected string
	line := func(tag string, rtt time.Duration, req, resp, errno int, code string) {
		start := mock.Now().Add(-rtt)
		expected += fmt.Sprintf(
			"%d.%d\t%s\t%d\t0\t0\t0\t0\t0\t%d\t%d\t%d\t%s\n",
			start.Unix(), start.Nanosecond()/1e6, tag, rtt.Microseconds(), req, resp, errno, code,
		)
	}

	{
		state := r.Acquire("/svc/Ok")
		state.SetRequestSize(111)
		state.AddResponseSize(20)
		state.AddResponseSize(22)
		mock.Add(1500 * time.Microsecond)
		state.End(status.New(codes.OK, ""))
		line("/svc/Ok", 1500*time.Microsecond, 111, 42, 0, "grpc_0")
	}

	{
		state := r.Acquire("/svc/Down")
		state.SetRequestSize(222)
		mock.Add(time.Millisecond)
		state.End(status.New(codes.Unavailable, "Network error occurred: EOF"))
		line("/svc/Down", time.Millisecond, 222, 0, errnoNetwork, "grpc_14")
	}

	{
		state := r.Acquire("")
		mock.Add(timeout + time.Microsecond)
		state.End(status.New(codes.OK, ""))
		line("", timeout+time.Microsecond, 0, 0, 0, "grpc_4")
	}

	a.NoError(r.Close())
	a.NoError(<-errChan)
	a.Equal(expected, b.String())
}
