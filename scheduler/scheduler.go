// Package scheduler задает темп повторных вызовов в cli.
package scheduler

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrZeroRate = errors.New("rate must be positive")

// Scheduler возвращает момент (от начала) для n-го вызова, начиная с 1.
type Scheduler interface {
	Next(n int64) (at time.Duration, ok bool)
}

type CountLimiter struct {
	s     Scheduler
	limit int64
}

func NewCountLimiter(s Scheduler, limit int64) CountLimiter {
	return CountLimiter{s, limit}
}

func (cl CountLimiter) Next(n int64) (time.Duration, bool) {
	if n > cl.limit {
		return 0, false
	}
	return cl.s.Next(n)
}

// Constant равномерно rate вызовов в секунду.
type Constant struct {
	interval time.Duration
}

func NewConstant(rate uint64) (Constant, error) {
	if rate == 0 {
		return Constant{}, ErrZeroRate
	}
	return Constant{time.Second / time.Duration(rate)}, nil
}

func (c Constant) Next(n int64) (time.Duration, bool) {
	return time.Duration(n-1) * c.interval, true
}

type Unlimited struct{}

func (Unlimited) Next(int64) (time.Duration, bool) { return 0, true }

// Line темп линейно растет от from до to вызовов в секунду за d.
// Момент n-го вызова находится из площади под прямой a*t + b.
type Line struct {
	b, twoA, bSquare, secDivA float64
	constant                  Constant
	linear                    bool
}

func NewLine(from, to float64, d time.Duration) (Line, error) {
	if from <= 0 && to <= 0 {
		return Line{}, ErrZeroRate
	}
	a := (to - from) / d.Seconds()
	if a == 0 {
		c, err := NewConstant(uint64(from))
		return Line{constant: c}, err
	}
	return Line{
		b:       from,
		twoA:    2 * a,
		bSquare: from * from,
		secDivA: float64(time.Second) / a,
		linear:  true,
	}, nil
}

func (l Line) Next(n int64) (time.Duration, bool) {
	if !l.linear {
		return l.constant.Next(n)
	}
	disc := l.twoA*float64(n-1) + l.bSquare
	if disc < 0 {
		// темп падает до нуля раньше, чем закончатся вызовы
		return 0, false
	}
	return time.Duration((math.Sqrt(disc) - l.b) * l.secDivA), true
}

// Run вызывает fn в моменты, которые отдает s, пока s не откажет, не выйдет
// limit (0 без ограничения) или не отменится ctx. Возвращает число вызовов.
func Run(ctx context.Context, clk clock.Clock, s Scheduler, limit time.Duration, fn func(n int64)) int64 {
	begin := clk.Now()
	var n int64
	for {
		at, ok := s.Next(n + 1)
		if !ok || (limit > 0 && at >= limit) {
			return n
		}

		if wait := at - clk.Since(begin); wait > 0 {
			t := clk.Timer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return n
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return n
		}

		n++
		fn(n)
	}
}
