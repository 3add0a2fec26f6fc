package dispatch

import (
	"sync"
	"testing"
)

func TestDrainOneEmptyQueue(t *testing.T) {
	q := NewQueue(nil, nil)
	if q.DrainOne() {
		t.Error("DrainOne on empty queue returned true")
	}
}

func TestFIFOOrder(t *testing.T) {
	q := NewQueue(nil, nil)

	var got []int
	for i := 0; i < 3; i++ {
		i := i
		q.Enqueue("test", func() { got = append(got, i) })
	}

	for q.DrainOne() {
	}

	want := []int{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("executed %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("execution order %v, want %v", got, want)
			break
		}
	}
}

func TestDrainOneExecutesAtMostOne(t *testing.T) {
	q := NewQueue(nil, nil)

	count := 0
	q.Enqueue("a", func() { count++ })
	q.Enqueue("b", func() { count++ })

	if !q.DrainOne() {
		t.Fatal("DrainOne returned false with pending items")
	}
	if count != 1 {
		t.Errorf("executed %d items in one drain, want 1", count)
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
}

func TestEnqueueFromManyGoroutines(t *testing.T) {
	q := NewQueue(nil, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue("concurrent", func() {})
		}()
	}
	wg.Wait()

	if q.Len() != n {
		t.Fatalf("queue length = %d, want %d", q.Len(), n)
	}

	drained := 0
	for q.DrainOne() {
		drained++
	}
	if drained != n {
		t.Errorf("drained %d items, want %d", drained, n)
	}
}

func TestEnqueueAssignsIDs(t *testing.T) {
	q := NewQueue(nil, nil)

	a := q.Enqueue("a", func() {})
	b := q.Enqueue("b", func() {})
	if a == "" || b == "" {
		t.Fatal("Enqueue returned empty ID")
	}
	if a == b {
		t.Error("work item IDs collide")
	}
}
