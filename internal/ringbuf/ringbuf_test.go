package ringbuf

import (
	"fmt"
	"testing"
)

func line(id int) string {
	return fmt.Sprintf("line-%d", id)
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := New[string](10)
	if got := rb.ReadAll(); len(got) != 0 {
		t.Errorf("expected empty buffer, got %d elements", len(got))
	}
	if rb.Len() != 0 {
		t.Errorf("expected len 0, got %d", rb.Len())
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := New[string](10)
	for i := 0; i < 5; i++ {
		if rb.Write(line(i)) {
			t.Fatalf("write %d: unexpected eviction", i)
		}
	}

	got := rb.ReadAll()
	if len(got) != 5 {
		t.Fatalf("expected 5 elements, got %d", len(got))
	}
	for i, v := range got {
		if v != line(i) {
			t.Errorf("element %d: expected %s, got %s", i, line(i), v)
		}
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := New[string](5)
	evictions := 0
	for i := 0; i < 8; i++ {
		if rb.Write(line(i)) {
			evictions++
		}
	}
	if evictions != 3 {
		t.Errorf("expected 3 evictions, got %d", evictions)
	}

	got := rb.ReadAll()
	if len(got) != 5 {
		t.Fatalf("expected 5 elements, got %d", len(got))
	}
	// Should have 3,4,5,6,7 (oldest dropped).
	for i, v := range got {
		if v != line(i+3) {
			t.Errorf("element %d: expected %s, got %s", i, line(i+3), v)
		}
	}
}

func TestRingBuffer_ExactCapacity(t *testing.T) {
	rb := New[string](3)
	for i := 0; i < 3; i++ {
		rb.Write(line(i))
	}

	got := rb.ReadAll()
	if len(got) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(got))
	}
	for i, v := range got {
		if v != line(i) {
			t.Errorf("element %d: expected %s, got %s", i, line(i), v)
		}
	}
}

func TestRingBuffer_NeverExceedsCapacity(t *testing.T) {
	for capacity := 1; capacity <= 7; capacity++ {
		rb := New[int](capacity)
		for n := 0; n < 40; n++ {
			rb.Write(n)
			got := rb.ReadAll()
			if len(got) > capacity {
				t.Fatalf("cap %d: buffer holds %d elements", capacity, len(got))
			}
			// Most recent elements, in order.
			first := n - len(got) + 1
			for i, v := range got {
				if v != first+i {
					t.Fatalf("cap %d after %d writes: element %d = %d, want %d", capacity, n+1, i, v, first+i)
				}
			}
		}
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := New[string](3)
	for i := 0; i < 5; i++ {
		rb.Write(line(i))
	}
	rb.Clear()

	if rb.Len() != 0 {
		t.Fatalf("expected empty buffer after clear, got %d", rb.Len())
	}
	rb.Write("fresh")
	got := rb.ReadAll()
	if len(got) != 1 || got[0] != "fresh" {
		t.Errorf("expected [fresh], got %v", got)
	}
}

func TestRingBuffer_ZeroCapacity(t *testing.T) {
	rb := New[string](0)
	if rb.Cap() != 1 {
		t.Fatalf("expected capacity raised to 1, got %d", rb.Cap())
	}
	rb.Write("a")
	rb.Write("b")
	if got := rb.ReadAll(); len(got) != 1 || got[0] != "b" {
		t.Errorf("expected [b], got %v", got)
	}
}
