package ftrringbuf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func assertEqual[T any](t *testing.T, have, want T) {
	t.Helper()
	if !cmp.Equal(have, want) {
		t.Fatal(cmp.Diff(want, have))
	}
}

func TestRingBuffer(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer[int](3)

	assertEqual(t, rb.Recent(-1), []int{})
	assertEqual(t, rb.Len(), 0)

	rb.Add(1)
	assertEqual(t, rb.Recent(-1), []int{1})
	assertEqual(t, rb.Recent(0), []int{})
	assertEqual(t, rb.Recent(5), []int{1})

	rb.Add(2)
	rb.Add(3)
	assertEqual(t, rb.Recent(-1), []int{3, 2, 1})
	assertEqual(t, rb.Recent(2), []int{3, 2})

	dropped, ok := rb.Add(4)
	assertEqual(t, ok, true)
	assertEqual(t, dropped, 1)
	assertEqual(t, rb.Recent(-1), []int{4, 3, 2})
	assertEqual(t, rb.Len(), 3)

	rb.Add(5)
	rb.Add(6)
	rb.Add(7)
	assertEqual(t, rb.Recent(-1), []int{7, 6, 5})
}

func TestRingBufferZeroCapacity(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer[string](0)
	_, ok := rb.Add("x")
	assertEqual(t, ok, false)
	assertEqual(t, rb.Recent(-1), []string{})
}
