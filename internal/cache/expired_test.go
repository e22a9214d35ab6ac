package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiredSet(t *testing.T) {
	t.Run("Should report marked and seeded ids", func(t *testing.T) {
		s := NewExpiredSet(10, "minutes_old")
		s.Mark("minutes_a")

		assert.True(t, s.IsExpired("minutes_old"))
		assert.True(t, s.IsExpired("minutes_a"))
		assert.False(t, s.IsExpired("minutes_b"))
		assert.Equal(t, 2, s.Len())
	})

	t.Run("Should ignore empty ids", func(t *testing.T) {
		s := NewExpiredSet(10)
		s.Mark("")
		assert.Equal(t, 0, s.Len())
	})

	t.Run("Should evict least recently used at capacity", func(t *testing.T) {
		s := NewExpiredSet(2)
		s.Mark("a")
		s.Mark("b")
		s.IsExpired("a") // touch a so b is oldest
		s.Mark("c")

		assert.True(t, s.IsExpired("a"))
		assert.False(t, s.IsExpired("b"))
		assert.True(t, s.IsExpired("c"))
		assert.Equal(t, 2, s.Len())
	})

	t.Run("Should forget ids", func(t *testing.T) {
		s := NewExpiredSet(5)
		s.Mark("a")
		s.Forget("a")
		s.Forget("missing")
		assert.False(t, s.IsExpired("a"))
	})

	t.Run("Should prune entries older than cutoff", func(t *testing.T) {
		s := NewExpiredSet(5)
		base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		current := base
		s.now = func() time.Time { return current }

		s.Mark("old")
		current = base.Add(2 * time.Hour)
		s.Mark("new")

		removed := s.PruneOlderThan(base.Add(time.Hour))

		assert.Equal(t, 1, removed)
		assert.False(t, s.IsExpired("old"))
		assert.True(t, s.IsExpired("new"))
	})

	t.Run("Should clear all ids", func(t *testing.T) {
		s := NewExpiredSet(5, "a", "b")
		s.Clear()
		assert.Equal(t, 0, s.Len())
		assert.False(t, s.IsExpired("a"))
	})
}
