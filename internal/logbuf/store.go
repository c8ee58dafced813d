package logbuf

import (
	"sync"
	"time"
)

// DefaultSize is the number of lines retained per task.
const DefaultSize = 100

// Store keeps one Ring per task name.
type Store struct {
	mu    sync.Mutex
	size  int
	rings map[string]*Ring
}

// NewStore creates a store retaining size lines per task.
func NewStore(size int) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	return &Store{size: size, rings: make(map[string]*Ring)}
}

// Ring returns the ring for task, creating it on first use.
func (s *Store) Ring(task string) *Ring {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[task]
	if !ok {
		r = New(s.size)
		s.rings[task] = r
	}
	return r
}

// Remove forgets the buffered lines of task.
func (s *Store) Remove(task string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, task)
}

// Since returns the lines captured for task after t.
func (s *Store) Since(task string, t time.Time) []string {
	s.mu.Lock()
	r, ok := s.rings[task]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Since(t)
}
