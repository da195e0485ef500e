package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPostOrder(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	l := New(WithLogger{zaptest.NewLogger(t)})
	var order []int
	l.Post(func() {
		order = append(order, 1)
		l.Post(func() { order = append(order, 3) })
	})
	l.Post(func() { order = append(order, 2) })

	a.Equal(3, l.RunPending())
	a.Equal([]int{1, 2, 3}, order)
	a.Equal(0, l.RunPending())
}

func TestAfterFunc(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mock := clock.NewMock()
	l := New(WithClock{mock})

	fired := 0
	l.AfterFunc(10*time.Millisecond, func() { fired++ })
	stopped := l.AfterFunc(10*time.Millisecond, func() { fired += 100 })
	a.True(stopped.Stop())
	a.False(stopped.Stop())

	mock.Add(5 * time.Millisecond)
	l.RunPending()
	a.Equal(0, fired)

	mock.Add(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		l.RunPending()
		return fired == 1
	}, time.Second, time.Millisecond)
}

func TestStopAfterFire(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mock := clock.NewMock()
	l := New(WithClock{mock})

	fired := false
	timer := l.AfterFunc(time.Second, func() { fired = true })
	mock.Add(time.Second)

	// задача могла уже попасть в очередь, Stop все равно должен ее отменить
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.queue) == 1
	}, time.Second, time.Millisecond)
	a.True(timer.Stop())
	l.RunPending()
	a.False(fired)

	var nilTimer *Timer
	a.False(nilTimer.Stop())
}

func TestRun(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ran := make(chan struct{})
	l.Post(func() { close(ran) })
	<-ran

	a.ErrorIs(l.Run(ctx), ErrAlreadyRunning)

	cancel()
	a.NoError(<-done)
}
