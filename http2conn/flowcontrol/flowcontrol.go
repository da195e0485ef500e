package flowcontrol

import (
	"errors"
	"math"
)

var ErrWindowOverflow = errors.New("flow control window exceeds 2^31-1")

// FlowControl окно на отправку. Все вызовы идут с лупа, поэтому без локов.
// Окно может стать отрицательным после уменьшения SETTINGS_INITIAL_WINDOW_SIZE.
type FlowControl struct {
	n int64
}

func NewFlowControl(n uint32) *FlowControl {
	return &FlowControl{n: int64(n)}
}

// Available сколько байт можно отправить прямо сейчас
func (fc *FlowControl) Available() int {
	if fc.n < 0 {
		return 0
	}
	return int(fc.n)
}

// Consume уменьшает окно после отправки DATA фрейма
func (fc *FlowControl) Consume(n int) { fc.n -= int64(n) }

// Add увеличение размера окна (WINDOW_UPDATE)
func (fc *FlowControl) Add(n uint32) error {
	if fc.n+int64(n) > math.MaxInt32 {
		return ErrWindowOverflow
	}
	fc.n += int64(n)
	return nil
}

// Adjust изменение начального размера окна через SETTINGS
func (fc *FlowControl) Adjust(delta int64) error {
	if fc.n+delta > math.MaxInt32 {
		return ErrWindowOverflow
	}
	fc.n += delta
	return nil
}

// RecvWindow учет полученных байт, для которых еще не отправили WINDOW_UPDATE.
type RecvWindow struct {
	unacked   uint32
	threshold uint32
}

func NewRecvWindow(threshold uint32) *RecvWindow {
	return &RecvWindow{threshold: threshold}
}

// Received возвращает инкремент, который нужно отправить, или 0.
func (w *RecvWindow) Received(n uint32) uint32 {
	w.unacked += n
	if w.unacked < w.threshold {
		return 0
	}
	incr := w.unacked
	w.unacked = 0
	return incr
}
