// Package cache holds the set of job identifiers the backend has confirmed
// it no longer knows about.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// ExpiredSet is a thread-safe, LRU-bounded set of identifiers confirmed
// expired. Pollers consult it before issuing a request so a known-dead id
// costs nothing.
type ExpiredSet struct {
	capacity int
	index    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
	now      func() time.Time
}

type expiredEntry struct {
	id       string
	markedAt time.Time
}

// NewExpiredSet creates a set holding at most capacity identifiers.
// Seed ids are marked immediately.
func NewExpiredSet(capacity int, seed ...string) *ExpiredSet {
	if capacity <= 0 {
		capacity = 1
	}
	s := &ExpiredSet{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
	for _, id := range seed {
		s.Mark(id)
	}
	return s
}

// IsExpired reports whether id is known to be expired
func (s *ExpiredSet) IsExpired(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.index[id]; exists {
		s.lru.MoveToFront(elem)
		return true
	}
	return false
}

// Mark records id as expired, evicting the least recently used id at capacity
func (s *ExpiredSet) Mark(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.index[id]; exists {
		s.lru.MoveToFront(elem)
		elem.Value.(*expiredEntry).markedAt = s.now()
		return
	}

	if s.lru.Len() >= s.capacity {
		if oldest := s.lru.Back(); oldest != nil {
			s.lru.Remove(oldest)
			delete(s.index, oldest.Value.(*expiredEntry).id)
		}
	}

	s.index[id] = s.lru.PushFront(&expiredEntry{id: id, markedAt: s.now()})
}

// Forget removes id, e.g. after the backend acknowledges a fresh job under it
func (s *ExpiredSet) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.index[id]; exists {
		s.lru.Remove(elem)
		delete(s.index, id)
	}
}

// PruneOlderThan drops entries marked before cutoff and returns how many went
func (s *ExpiredSet) PruneOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for elem := s.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*expiredEntry)
		if entry.markedAt.Before(cutoff) {
			s.lru.Remove(elem)
			delete(s.index, entry.id)
			removed++
		}
		elem = prev
	}
	return removed
}

// Len returns the current number of ids in the set
func (s *ExpiredSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Clear removes all ids
func (s *ExpiredSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string]*list.Element)
	s.lru = list.New()
}
