package util

import "sync"

// RingBuffer keeps the most recent items pushed into it, up to a fixed
// capacity; older items are overwritten in place. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu   sync.Mutex
	buf  []T
	next int // write position
	full bool
}

// NewRingBuffer creates a ring buffer holding at most capacity items.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push stores item, evicting the oldest entry once the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.buf[r.next] = item
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of the stored items, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]T(nil), r.buf[:r.next]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Len returns the number of items stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
