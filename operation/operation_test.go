package operation

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ozontech/h2grpc/options"
	"github.com/ozontech/h2grpc/serialization"
)

type syncPoster struct{}

func (syncPoster) Post(fn func()) { fn() }

func newTestContext() *Context {
	return NewContext("svc", "Method", []byte("arg"), options.NewCallOptions())
}

func TestSignalOrder(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var s signal[int]
	var got []int
	s.connect(func(v int) { got = append(got, v) })
	disconnect := s.connect(func(v int) { got = append(got, v*10) })
	s.connect(func(v int) { got = append(got, v*100) })

	s.emit(1)
	disconnect()
	s.emit(2)
	a.Equal([]int{1, 10, 100, 2, 200}, got)
}

func TestFinishOnce(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := newTestContext()
	var statuses []*status.Status
	c.OnFinished(func(st *status.Status) { statuses = append(statuses, st) })

	a.False(c.IsFinished())
	a.True(c.Finish(nil))
	a.False(c.Finish(status.New(codes.Internal, "late")))
	a.True(c.IsFinished())
	require.Len(t, statuses, 1)
	a.Equal(codes.OK, statuses[0].Code())
}

func TestRequestCancel(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := newTestContext()
	var events []string
	c.OnCancelRequested(func() { events = append(events, "cancel") })
	c.OnFinished(func(st *status.Status) {
		events = append(events, st.Code().String()+": "+st.Message())
	})

	c.RequestCancel()
	c.RequestCancel()
	c.RequestWritesDone()
	c.RequestWriteMessage([]byte("x"))
	a.Equal([]string{"cancel", "Canceled: " + CancelledByClientMessage}, events)
}

func TestServerMetadata(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := newTestContext()
	var got metadata.MD
	c.OnServerMetadata(func(md metadata.MD) { got = md })
	c.SetServerMetadata(metadata.Pairs("k", "v"))

	a.Equal(metadata.Pairs("k", "v"), got)
	md := c.ServerMetadata()
	md.Set("k", "changed")
	a.Equal([]string{"v"}, c.ServerMetadata().Get("k"))
}

func TestCall(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := newTestContext()
	call := NewCall(c, syncPoster{}, serialization.Protobuf.Serializer())

	resp, err := proto.Marshal(wrapperspb.String("resp"))
	require.NoError(t, err)
	c.ReceiveMessage(resp)
	a.Nil(call.Status())
	c.Finish(nil)

	got := new(wrapperspb.StringValue)
	a.NoError(call.Wait(context.Background(), got))
	a.Equal("resp", got.GetValue())
	a.Equal(codes.OK, call.Status().Code())
	a.Equal("/svc/Method", call.Method())

	raw, ok := call.Response()
	a.True(ok)
	a.Equal(resp, raw)
}

func TestCallErrors(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := newTestContext()
	call := NewCall(c, syncPoster{}, serialization.Protobuf.Serializer())
	c.Finish(nil)
	err := call.Wait(context.Background(), new(wrapperspb.StringValue))
	a.Equal(codes.Internal, status.Code(err))
	a.NoError(call.Wait(context.Background(), nil))

	c = newTestContext()
	call = NewCall(c, syncPoster{}, serialization.Protobuf.Serializer())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	a.ErrorIs(call.Wait(ctx, nil), context.DeadlineExceeded)

	call.Cancel()
	err = call.Wait(context.Background(), nil)
	a.Equal(codes.Canceled, status.Code(err))
	a.Equal(CancelledByClientMessage, status.Convert(err).Message())
}

func TestServerStream(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := newTestContext()
	s := NewServerStream(c, syncPoster{}, serialization.Protobuf.Serializer())

	go func() {
		for _, v := range []string{"a", "b"} {
			b, _ := proto.Marshal(wrapperspb.String(v))
			c.ReceiveMessage(b)
		}
		c.Finish(nil)
	}()

	var got []string
	for {
		msg := new(wrapperspb.StringValue)
		err := s.RecvMsg(context.Background(), msg)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, msg.GetValue())
	}
	a.Equal([]string{"a", "b"}, got)

	c = newTestContext()
	s = NewServerStream(c, syncPoster{}, serialization.Protobuf.Serializer())
	c.Finish(status.New(codes.Unavailable, "down"))
	_, err := s.RecvRaw(context.Background())
	a.Equal(codes.Unavailable, status.Code(err))
}

func TestClientStream(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := newTestContext()
	var written [][]byte
	writesDone := 0
	c.OnWriteMessageRequested(func(b []byte) { written = append(written, b) })
	c.OnWritesDoneRequested(func() {
		writesDone++
		b, _ := proto.Marshal(wrapperspb.Int32(2))
		c.ReceiveMessage(b)
		c.Finish(nil)
	})

	s := NewClientStream(c, syncPoster{}, serialization.Protobuf.Serializer())
	a.NoError(s.SendMsg(wrapperspb.Int32(1)))
	a.NoError(s.SendMsg(wrapperspb.Int32(1)))

	resp := new(wrapperspb.Int32Value)
	a.NoError(s.CloseAndRecv(context.Background(), resp))
	a.Equal(int32(2), resp.GetValue())
	a.Len(written, 2)
	a.Equal(1, writesDone)

	a.ErrorIs(s.SendMsg(wrapperspb.Int32(1)), io.EOF)
	a.Len(written, 2)
}

func TestBidiStream(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := newTestContext()
	c.OnWriteMessageRequested(func(b []byte) { c.ReceiveMessage(b) })
	c.OnWritesDoneRequested(func() { c.Finish(nil) })

	s := NewBidiStream(c, syncPoster{}, serialization.JSON.Serializer())
	a.NoError(s.SendMsg(wrapperspb.String("echo")))

	msg := new(wrapperspb.StringValue)
	a.NoError(s.RecvMsg(context.Background(), msg))
	a.Equal("echo", msg.GetValue())

	s.CloseSend()
	_, err := s.RecvRaw(context.Background())
	a.ErrorIs(err, io.EOF)
	<-s.Done()
}
