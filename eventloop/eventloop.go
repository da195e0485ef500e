// Package eventloop is the single goroutine scheduler every channel, handler
// and connection callback runs on.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Loop выполняет задачи строго по одной в порядке постановки (FIFO).
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	running atomic.Bool
	clock   clock.Clock
	log     *zap.Logger
}

func New(opts ...Opt) *Loop {
	l := &Loop{
		queue: make([]func(), 0, 16),
		wake:  make(chan struct{}, 1),
		clock: clock.New(),
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o.apply(l)
	}
	return l
}

func (l *Loop) Clock() clock.Clock { return l.clock }

// Post ставит fn в конец очереди. fn будет выполнена после того, как
// текущая задача отработает, и после всех задач, поставленных раньше.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunPending выполняет задачи, пока очередь не опустеет, включая задачи,
// поставленные во время выполнения. Возвращает количество выполненных задач.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
		n++
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		l.log.Error("task panicked", zap.Any("panic", r))
		panic(r)
	}()
	fn()
}

// Run обрабатывает очередь до отмены ctx.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)
	defer l.log.Debug("event loop done")

	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// Timer таймер, колбэк которого выполняется на лупе.
type Timer struct {
	stopped atomic.Bool
	timer   *clock.Timer
}

// Stop гарантирует, что колбэк не будет выполнен, даже если таймер уже
// сработал, но задача еще лежит в очереди. Возвращает false если колбэк уже
// выполнен или таймер уже остановлен.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	if t.stopped.Swap(true) {
		return false
	}
	t.timer.Stop()
	return true
}

// AfterFunc выполняет fn на лупе через d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return t
}

type Opt interface {
	apply(*Loop)
}

type WithClock struct{ clock.Clock }

func (o WithClock) apply(l *Loop) { l.clock = o.Clock }

type WithLogger struct{ *zap.Logger }

func (o WithLogger) apply(l *Loop) { l.log = o.Logger.Named("loop") }
