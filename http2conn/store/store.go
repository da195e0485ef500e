package store

import "sort"

// StreamsMapUnlocked хранилище стримов по id. Используется только с лупа.
type StreamsMapUnlocked[S any] map[uint32]S

func NewStreamsMapUnlocked[S any](size int) StreamsMapUnlocked[S] {
	return make(map[uint32]S, size)
}

// Each итерируется по стримам в порядке возрастания id. fn может удалять
// стримы из хранилища.
func (m StreamsMapUnlocked[S]) Each(fn func(S)) {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if s, ok := m[id]; ok {
			fn(s)
		}
	}
}

func (m StreamsMapUnlocked[S]) Set(id uint32, stream S) { m[id] = stream }

func (m StreamsMapUnlocked[S]) Get(id uint32) (S, bool) {
	s, ok := m[id]
	return s, ok
}

func (m StreamsMapUnlocked[S]) GetAndDelete(id uint32) (S, bool) {
	stream, ok := m.Get(id)
	if ok {
		m.Delete(id)
	}
	return stream, ok
}

func (m StreamsMapUnlocked[S]) Delete(id uint32) { delete(m, id) }
func (m StreamsMapUnlocked[S]) Len() int         { return len(m) }
