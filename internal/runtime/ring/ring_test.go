package ring

import (
	"slices"
	"testing"
)

func TestBufferEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	r := New[int](3)
	for i := 1; i <= 3; i++ {
		if r.Push(i) {
			t.Fatalf("unexpected eviction at %d", i)
		}
	}
	if !r.Push(4) {
		t.Fatal("expected eviction once full")
	}
	if got := r.Items(); !slices.Equal(got, []int{2, 3, 4}) {
		t.Fatalf("unexpected items %v", got)
	}
	if r.Len() != 3 || r.Cap() != 3 {
		t.Fatalf("unexpected len/cap %d/%d", r.Len(), r.Cap())
	}
}

func TestBufferClearAndMinimumSize(t *testing.T) {
	t.Parallel()

	r := New[string](0)
	r.Push("a")
	r.Push("b")
	if got := r.Items(); !slices.Equal(got, []string{"b"}) {
		t.Fatalf("unexpected items %v", got)
	}
	r.Clear()
	if r.Len() != 0 || len(r.Items()) != 0 {
		t.Fatal("expected empty buffer after Clear")
	}
	r.Push("c")
	if got := r.Items(); !slices.Equal(got, []string{"c"}) {
		t.Fatalf("unexpected items after reuse %v", got)
	}
}
