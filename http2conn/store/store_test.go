package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamsMapUnlocked(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	m := NewStreamsMapUnlocked[string](4)
	m.Set(5, "five")
	m.Set(1, "one")
	m.Set(3, "three")
	a.Equal(3, m.Len())

	var order []string
	m.Each(func(s string) {
		order = append(order, s)
		m.Delete(3)
	})
	a.Equal([]string{"one", "five"}, order)

	s, ok := m.GetAndDelete(5)
	a.True(ok)
	a.Equal("five", s)
	_, ok = m.Get(5)
	a.False(ok)
	_, ok = m.GetAndDelete(5)
	a.False(ok)
	a.Equal(1, m.Len())
}
