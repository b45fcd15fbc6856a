// Package projection is the read-only observability surface: in-memory
// rings for recent provider calls and log lines, plus the HTTP API that
// serves them alongside store-backed state views. Nothing here mutates
// pipeline state, and no handler ever sees credential material.
package projection

import "sync"

// ring is a fixed-size buffer that keeps the most recent values.
type ring[T any] struct {
	mu    sync.Mutex
	slots []T
	next  int
	full  bool
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 200
	}
	return &ring[T]{slots: make([]T, capacity)}
}

func (r *ring[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[r.next] = v
	r.next = (r.next + 1) % len(r.slots)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the buffered values, newest first.
func (r *ring[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.slots)
	}
	out := make([]T, 0, size)
	for i := 1; i <= size; i++ {
		out = append(out, r.slots[(r.next-i+len(r.slots))%len(r.slots)])
	}
	return out
}
