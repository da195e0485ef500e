package operation

import "sync"

type slot[T any] struct {
	id int
	fn func(T)
}

// signal список подписчиков, вызываемых в порядке подписки.
type signal[T any] struct {
	mu    sync.Mutex
	seq   int
	slots []slot[T]
}

func (s *signal[T]) connect(fn func(T)) (disconnect func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := s.seq
	s.slots = append(s.slots, slot[T]{id, fn})
	return func() { s.disconnect(id) }
}

func (s *signal[T]) disconnect(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sl := range s.slots {
		if sl.id == id {
			s.slots = append(s.slots[:i:i], s.slots[i+1:]...)
			return
		}
	}
}

func (s *signal[T]) emit(v T) {
	s.mu.Lock()
	slots := s.slots
	s.mu.Unlock()

	for _, sl := range slots {
		fn := sl.fn
		fn(v)
	}
}
