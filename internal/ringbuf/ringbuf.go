// Package ringbuf provides a fixed-capacity circular buffer.
package ringbuf

import "sync"

// RingBuffer is a fixed-capacity circular buffer. Once full, each write
// evicts the oldest element. Reads are always in insertion order.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	buf      []T
	capacity int
	pos      int // next write position
	full     bool
}

// New creates a ring buffer with the given capacity. Capacities below one
// are raised to one.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Write adds an element, evicting the oldest when at capacity.
// It reports whether an element was evicted.
func (rb *RingBuffer[T]) Write(v T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	evicted := rb.full
	rb.buf[rb.pos] = v
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
	return evicted
}

// ReadAll returns all elements in chronological order.
func (rb *RingBuffer[T]) ReadAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]T, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]T, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// Len returns the number of stored elements.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// Cap returns the buffer capacity.
func (rb *RingBuffer[T]) Cap() int {
	return rb.capacity
}

// Clear drops all elements.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for i := range rb.buf {
		rb.buf[i] = zero
	}
	rb.pos = 0
	rb.full = false
}
