package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/h2grpc/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	connected chan struct{}
	data      chan []byte
	errs      chan error
}

func newRecorder() *recorder {
	return &recorder{
		connected: make(chan struct{}, 1),
		data:      make(chan []byte, 16),
		errs:      make(chan error, 1),
	}
}

func (r *recorder) Connected()              { r.connected <- struct{}{} }
func (r *recorder) ReadyRead(b []byte)      { r.data <- b }
func (r *recorder) ErrorOccurred(err error) { r.errs <- err }

func (r *recorder) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-r.connected:
	case err := <-r.errs:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect timeout")
	}
}

func (r *recorder) readN(t *testing.T, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		select {
		case b := <-r.data:
			got = append(got, b...)
		case <-time.After(5 * time.Second):
			t.Fatalf("read timeout, got %q", got)
		}
	}
	return got
}

func listen(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	return ln, accepted
}

func TestEcho(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	ln, accepted := listen(t)
	r := newRecorder()
	s := NewSocket(types.Target{Network: "tcp", Address: ln.Addr().String()}, r, zaptest.NewLogger(t))

	a.False(s.IsWritable())
	a.ErrorIs(s.Write([]byte("early")), ErrNotConnected)

	s.Connect()
	r.waitConnected(t)
	a.True(s.IsWritable())

	server := <-accepted
	require.NotNil(t, server)
	defer server.Close()

	require.NoError(t, s.Write([]byte("ping ")))
	require.NoError(t, s.Write([]byte("pong")))
	buf := make([]byte, len("ping pong"))
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	a.Equal("ping pong", string(buf))

	_, err = server.Write([]byte("reply"))
	require.NoError(t, err)
	a.Equal("reply", string(r.readN(t, len("reply"))))

	a.NoError(s.Close())
	a.False(s.IsWritable())
	a.ErrorIs(s.Write([]byte("late")), ErrClosed)
	a.NoError(s.Close())
	a.Empty(r.errs)
}

func TestRemoteClose(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	ln, accepted := listen(t)
	r := newRecorder()
	s := NewSocket(types.Target{Network: "tcp", Address: ln.Addr().String()}, r, zaptest.NewLogger(t))
	s.Connect()
	r.waitConnected(t)

	server := <-accepted
	require.NotNil(t, server)
	require.NoError(t, server.Close())

	select {
	case err := <-r.errs:
		a.ErrorIs(err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("error was not reported")
	}
	a.NoError(s.Close())
}

type failingDialer struct{ err error }

func (d failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, d.err
}

func TestDialError(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	dialErr := errors.New("connection refused")
	r := newRecorder()
	s := NewSocket(
		types.Target{Network: "tcp", Address: "127.0.0.1:1"},
		r, zaptest.NewLogger(t),
		WithDialer{failingDialer{dialErr}},
	)
	s.Connect()

	select {
	case err := <-r.errs:
		a.ErrorIs(err, dialErr)
		a.Contains(err.Error(), "127.0.0.1:1")
	case <-time.After(5 * time.Second):
		t.Fatal("error was not reported")
	}
	a.False(s.IsWritable())
	a.NoError(s.Close())
}

func TestCloseIdle(t *testing.T) {
	t.Parallel()

	s := NewSocket(types.Target{Network: "tcp", Address: "127.0.0.1:1"}, newRecorder(), zaptest.NewLogger(t))
	assert.NoError(t, s.Close())
	s.Connect()
	assert.False(t, s.IsWritable())
}

func TestFactory(t *testing.T) {
	t.Parallel()

	f := Factory(WithDialTimeout(time.Second))
	s := f(types.Target{Network: "unix", Address: "/nonexistent"}, newRecorder(), zaptest.NewLogger(t))
	sock, ok := s.(*Socket)
	require.True(t, ok)
	assert.Equal(t, time.Second, sock.dialTimeout)
	assert.NoError(t, s.Close())
}
