// Package timeline provides a bounded, insertion-ordered window of values.
// Pushing onto a full timeline evicts the oldest entry.
package timeline

import "sync"

// Timeline is a thread-safe ring of at most Cap() values, oldest first.
type Timeline[T any] struct {
	mu    sync.Mutex
	items []T
	size  int
	pos   int
	full  bool
}

// New creates a timeline holding at most n values. n below 1 is treated as 1.
func New[T any](n int) *Timeline[T] {
	if n < 1 {
		n = 1
	}
	return &Timeline[T]{
		items: make([]T, n),
		size:  n,
	}
}

// Push appends v, dropping the oldest value when the timeline is full.
func (t *Timeline[T]) Push(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items[t.pos] = v
	t.pos = (t.pos + 1) % t.size
	if t.pos == 0 {
		t.full = true
	}
}

// Len returns the number of stored values.
func (t *Timeline[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lenLocked()
}

func (t *Timeline[T]) lenLocked() int {
	if t.full {
		return t.size
	}
	return t.pos
}

// Cap returns the maximum number of values retained.
func (t *Timeline[T]) Cap() int { return t.size }

// Full reports whether Len() == Cap().
func (t *Timeline[T]) Full() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.full
}

// Items returns the stored values, oldest first.
func (t *Timeline[T]) Items() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]T, t.pos)
		copy(out, t.items[:t.pos])
		return out
	}

	out := make([]T, t.size)
	copy(out, t.items[t.pos:])
	copy(out[t.size-t.pos:], t.items[:t.pos])
	return out
}

// First returns the oldest value. ok is false when the timeline is empty.
func (t *Timeline[T]) First() (v T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.full:
		return t.items[t.pos], true
	case t.pos > 0:
		return t.items[0], true
	}
	return v, false
}

// Last returns the newest value. ok is false when the timeline is empty.
func (t *Timeline[T]) Last() (v T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lenLocked() == 0 {
		return v, false
	}
	return t.items[(t.pos-1+t.size)%t.size], true
}

// Count returns how many stored values satisfy fn.
func (t *Timeline[T]) Count(fn func(T) bool) int {
	n := 0
	for _, v := range t.Items() {
		if fn(v) {
			n++
		}
	}
	return n
}

// Clear drops every stored value.
func (t *Timeline[T]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	for i := range t.items {
		t.items[i] = zero
	}
	t.pos = 0
	t.full = false
}
