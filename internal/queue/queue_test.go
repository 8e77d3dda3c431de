package queue

import (
	"sync"
	"testing"
)

func TestQueue_PushAndDrainAll_PreservesOrder(t *testing.T) {
	q := New()
	q.Push(AddRoute{IP: "10.0.0.1", Age: 1, Host: "a"})
	q.Push(AddRoute{IP: "10.0.0.2", Age: 2, Host: "b"})
	q.Push(AddRoute{IP: "10.0.0.3", Age: 3, Host: "c"})

	drained := q.DrainAll()
	if len(drained) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(drained))
	}
	if drained[0].IP != "10.0.0.1" || drained[2].IP != "10.0.0.3" {
		t.Errorf("expected FIFO order, got %+v", drained)
	}
}

func TestQueue_DrainAll_EmptyReturnsNil(t *testing.T) {
	q := New()
	if got := q.DrainAll(); got != nil {
		t.Errorf("expected nil for an empty queue, got %+v", got)
	}
}

func TestQueue_DrainAll_OnlyTakesWhatWasPresent(t *testing.T) {
	q := New()
	q.Push(AddRoute{IP: "10.0.0.1"})
	first := q.DrainAll()
	q.Push(AddRoute{IP: "10.0.0.2"})

	if len(first) != 1 || first[0].IP != "10.0.0.1" {
		t.Fatalf("unexpected first drain: %+v", first)
	}
	if q.Len() != 1 {
		t.Errorf("expected the second push to remain queued, got len=%d", q.Len())
	}
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Push(AddRoute{IP: "10.0.0.1", Age: n})
		}(i)
	}
	wg.Wait()

	if q.Len() != 100 {
		t.Errorf("expected 100 queued commands, got %d", q.Len())
	}
}
