package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstant(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	_, err := NewConstant(0)
	a.ErrorIs(err, ErrZeroRate)

	s, err := NewConstant(4)
	require.NoError(t, err)
	for n, want := range map[int64]time.Duration{1: 0, 2: 250 * time.Millisecond, 5: time.Second} {
		at, ok := s.Next(n)
		a.True(ok)
		a.Equal(want, at)
	}
}

func TestCountLimiter(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	s := NewCountLimiter(Unlimited{}, 2)
	_, ok := s.Next(2)
	a.True(ok)
	_, ok = s.Next(3)
	a.False(ok)
}

func TestLine(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	_, err := NewLine(0, 0, time.Second)
	a.ErrorIs(err, ErrZeroRate)

	// от 0 до 20 rps за 2 секунды: за это время 20 вызовов
	s, err := NewLine(0, 20, 2*time.Second)
	require.NoError(t, err)
	at, ok := s.Next(1)
	a.True(ok)
	a.Equal(time.Duration(0), at)
	at, ok = s.Next(21)
	a.True(ok)
	a.InDelta(float64(2*time.Second), float64(at), float64(time.Millisecond))

	// одинаковый темп вырождается в Constant
	s, err = NewLine(10, 10, time.Second)
	require.NoError(t, err)
	at, _ = s.Next(3)
	a.Equal(200*time.Millisecond, at)

	// темп падает с 10 до 0 за секунду: больше 5 вызовов не будет
	s, err = NewLine(10, 0, time.Second)
	require.NoError(t, err)
	at, ok = s.Next(6)
	a.True(ok)
	a.InDelta(float64(time.Second), float64(at), float64(time.Millisecond))
	_, ok = s.Next(7)
	a.False(ok)
}

func TestRunCount(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var calls []int64
	n := Run(context.Background(), clock.New(), NewCountLimiter(Unlimited{}, 3), 0, func(n int64) {
		calls = append(calls, n)
	})
	a.Equal(int64(3), n)
	a.Equal([]int64{1, 2, 3}, calls)
}

func TestRunPaced(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mock := clock.NewMock()
	s, err := NewConstant(10)
	require.NoError(t, err)

	var calls atomic.Int64
	done := make(chan int64)
	go func() {
		done <- Run(context.Background(), mock, s, 300*time.Millisecond, func(int64) { calls.Add(1) })
	}()

	a.Eventually(func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	a.Eventually(func() bool {
		mock.Add(10 * time.Millisecond)
		select {
		case n := <-done:
			a.Equal(int64(3), n)
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	a.Equal(int64(3), calls.Load())
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := NewConstant(1)
	require.NoError(t, err)

	n := Run(ctx, clock.New(), s, 0, func(int64) {})
	assert.LessOrEqual(t, n, int64(1))
}
