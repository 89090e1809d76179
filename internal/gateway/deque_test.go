package gateway

import "testing"

func TestDequeFIFO(t *testing.T) {
	t.Parallel()
	var d Deque[int]
	for i := 0; i < 100; i++ {
		d.PushBack(i)
	}
	for i := 0; i < 100; i++ {
		v, ok := d.PopFront()
		if !ok || v != i {
			t.Fatalf("PopFront() = %d, %v; want %d, true", v, ok, i)
		}
	}
	if _, ok := d.PopFront(); ok {
		t.Error("PopFront() on empty deque returned ok")
	}
}

func TestDequeFrontIsLIFO(t *testing.T) {
	t.Parallel()
	var d Deque[int]
	d.PushFront(1)
	d.PushFront(2)
	d.PushFront(3)
	for _, want := range []int{3, 2, 1} {
		if v, _ := d.PopFront(); v != want {
			t.Errorf("PopFront() = %d, want %d", v, want)
		}
	}
}

func TestDequeFrontPrecedesBack(t *testing.T) {
	t.Parallel()
	var d Deque[int]
	d.PushBack(10)
	d.PushBack(11)
	d.PushFront(1)
	d.PushFront(2)
	d.PushBack(12)

	var got []int
	for {
		v, ok := d.PopFront()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []int{2, 1, 10, 11, 12}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
}

func TestDequeGrowAndShrink(t *testing.T) {
	t.Parallel()
	var d Deque[int]
	const n = 1024
	for i := 0; i < n; i++ {
		d.PushBack(i)
	}
	if len(d.ring) != n {
		t.Fatalf("ring capacity = %d, want %d", len(d.ring), n)
	}
	for i := 0; i < n; i++ {
		if v, _ := d.PopFront(); v != i {
			t.Fatalf("PopFront() = %d, want %d", v, i)
		}
	}
	if len(d.ring) > minRingSize {
		t.Errorf("ring capacity after drain = %d, want <= %d", len(d.ring), minRingSize)
	}
	if d.Len() != 0 {
		t.Errorf("Len() = %d, want 0", d.Len())
	}
}

func TestDequeClear(t *testing.T) {
	t.Parallel()
	var d Deque[int]
	d.PushBack(1)
	d.PushFront(2)
	d.Clear()
	if d.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", d.Len())
	}
	d.Clear() // idempotent
	d.PushBack(7)
	if v, ok := d.PopFront(); !ok || v != 7 {
		t.Errorf("PopFront() after Clear = %d, %v; want 7, true", v, ok)
	}
}
