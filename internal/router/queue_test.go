package router

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_BasicSendReceive(t *testing.T) {
	q := NewQueue[int](10, 0)

	for i := 0; i < 5; i++ {
		if !q.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := q.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if _, ok := q.TryReceive(); ok {
		t.Error("TryReceive() on empty queue returned true")
	}
}

func TestQueue_GrowAt70Percent(t *testing.T) {
	q := NewQueue[int](10, 0)

	for i := 0; i < 7; i++ {
		q.Send(i)
	}

	stats := q.Stats()
	if stats.Capacity <= 10 {
		t.Errorf("Capacity = %d, expected growth after 70%% fill", stats.Capacity)
	}
	if stats.ResizeCount != 1 {
		t.Errorf("ResizeCount = %d, want 1", stats.ResizeCount)
	}
}

func TestQueue_WrapAroundThenGrow(t *testing.T) {
	q := NewQueue[int](10, 0)

	// Advance head so the next fill wraps around the ring.
	for i := 0; i < 5; i++ {
		q.Send(i)
	}
	q.DrainTo(5)

	for i := 0; i < 40; i++ {
		q.Send(i)
	}

	got := q.DrainTo(0)
	if len(got) != 40 {
		t.Fatalf("DrainTo returned %d items, want 40", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d = %d, want %d", i, v, i)
		}
	}
}

func TestQueue_Limit(t *testing.T) {
	q := NewQueue[int](2, 3)

	for i := 0; i < 3; i++ {
		if !q.Send(i) {
			t.Fatalf("Send(%d) rejected below limit", i)
		}
	}
	if q.Send(99) {
		t.Error("Send beyond limit should return false")
	}

	stats := q.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}

	q.TryReceive()
	if !q.Send(4) {
		t.Error("Send after draining should succeed")
	}
}

func TestQueue_DrainToMax(t *testing.T) {
	q := NewQueue[int](4, 0)
	for i := 0; i < 10; i++ {
		q.Send(i)
	}

	first := q.DrainTo(4)
	if len(first) != 4 || first[0] != 0 || first[3] != 3 {
		t.Errorf("DrainTo(4) = %v, want [0 1 2 3]", first)
	}
	if q.Len() != 6 {
		t.Errorf("Len() = %d, want 6", q.Len())
	}

	stats := q.Stats()
	if stats.TotalReceived != 10 || stats.TotalSent != 4 {
		t.Errorf("TotalReceived=%d TotalSent=%d, want 10 and 4", stats.TotalReceived, stats.TotalSent)
	}
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue[string](4, 0)
	q.Send("a")
	q.Close()

	if q.Send("b") {
		t.Error("Send after Close should return false")
	}
	if !q.Closed() {
		t.Error("Closed() = false after Close")
	}

	// Items queued before Close remain drainable.
	got := q.DrainTo(0)
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("DrainTo after Close = %v, want [a]", got)
	}
}

func TestQueue_ReadySignal(t *testing.T) {
	q := NewQueue[int](4, 0)

	select {
	case <-q.Ready():
		t.Fatal("Ready fired before any Send")
	default:
	}

	q.Send(1)
	q.Send(2)

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("Ready did not fire after Send")
	}

	if got := q.DrainTo(0); len(got) != 2 {
		t.Errorf("DrainTo = %v, want 2 items", got)
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue[int](8, 0)

	const producers = 10
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Send(i)
			}
		}()
	}
	wg.Wait()

	if q.Len() != producers*perProducer {
		t.Errorf("Len() = %d, want %d", q.Len(), producers*perProducer)
	}
}
