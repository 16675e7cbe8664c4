// Package ring provides the fixed-capacity buffers behind call history,
// breaker failure history and event history.
package ring

// Buffer keeps the most recent Cap() values, evicting the oldest first.
// It is not safe for concurrent use; owners guard it with their own lock.
type Buffer[T any] struct {
	buf    []T
	next   int
	filled int
}

// New returns a buffer holding at most size values. A size below one is
// treated as one.
func New[T any](size int) *Buffer[T] {
	if size < 1 {
		size = 1
	}
	return &Buffer[T]{buf: make([]T, size)}
}

// Push appends v and reports whether an older value was evicted.
func (r *Buffer[T]) Push(v T) bool {
	evicted := r.filled == len(r.buf)
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if !evicted {
		r.filled++
	}
	return evicted
}

// Items returns the retained values oldest first.
func (r *Buffer[T]) Items() []T {
	out := make([]T, 0, r.filled)
	start := r.next - r.filled
	if start < 0 {
		start += len(r.buf)
	}
	for i := range r.filled {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *Buffer[T]) Len() int { return r.filled }

func (r *Buffer[T]) Cap() int { return len(r.buf) }

// Clear drops every value but keeps the capacity.
func (r *Buffer[T]) Clear() {
	clear(r.buf)
	r.next, r.filled = 0, 0
}
