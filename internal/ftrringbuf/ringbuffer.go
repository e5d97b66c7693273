// Package ftrringbuf provides a fixed-size buffer of recent values.
package ftrringbuf

import "sync"

// RingBuffer is a fixed-size collection of recent items.
type RingBuffer[T any] struct {
	mtx sync.Mutex
	buf []T // fully allocated at construction
	cur int // index for next write, walk backwards to read
	len int // count of actual values
}

// NewRingBuffer returns an empty ring buffer with the given capacity.
func NewRingBuffer[T any](cap int) *RingBuffer[T] {
	if cap < 0 {
		cap = 0
	}
	return &RingBuffer[T]{buf: make([]T, cap)}
}

// Add the value to the ring buffer. If the buffer was full, the oldest value
// is overwritten and returned along with true.
func (rb *RingBuffer[T]) Add(val T) (dropped T, ok bool) {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()

	if len(rb.buf) == 0 {
		return dropped, false
	}

	if rb.len >= len(rb.buf) {
		dropped, ok = rb.buf[rb.cur], true
	} else {
		rb.len++
	}

	rb.buf[rb.cur] = val
	rb.cur = (rb.cur + 1) % len(rb.buf)

	return dropped, ok
}

// Len returns the number of values in the buffer.
func (rb *RingBuffer[T]) Len() int {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()
	return rb.len
}

// Recent returns up to n values, most recent first. If n is negative, every
// value is returned.
func (rb *RingBuffer[T]) Recent(n int) []T {
	rb.mtx.Lock()
	defer rb.mtx.Unlock()

	if n < 0 || n > rb.len {
		n = rb.len
	}

	res := make([]T, 0, n)
	for i := 0; i < n; i++ {
		idx := rb.cur - 1 - i
		if idx < 0 {
			idx += len(rb.buf)
		}
		res = append(res, rb.buf[idx])
	}
	return res
}
