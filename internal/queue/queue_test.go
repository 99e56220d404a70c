package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFIFO(t *testing.T) {
	q := New[int](4)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	for want := 1; want <= 4; want++ {
		got, ok := q.Get(10 * time.Millisecond)
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
}

func TestGetTimesOut(t *testing.T) {
	q := New[string](1)
	start := time.Now()
	if _, ok := q.Get(20 * time.Millisecond); ok {
		t.Fatal("expected timeout on empty queue")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before timeout")
	}
}

func TestPutBlocksWhenFullUntilGet(t *testing.T) {
	q := New[int](2)
	ctx := context.Background()
	_ = q.Put(ctx, 1)
	_ = q.Put(ctx, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := q.Put(ctx, 3); err != nil {
			t.Errorf("blocked put failed: %v", err)
		}
	}()

	select {
	case <-done:
		t.Fatal("put returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}
	if q.Len() != q.Cap() {
		t.Fatalf("expected full queue, len=%d cap=%d", q.Len(), q.Cap())
	}

	if got, ok := q.Get(time.Second); !ok || got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("put did not unblock after get")
	}
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}
}

func TestPutHonoursContext(t *testing.T) {
	q := New[int](1)
	_ = q.Put(context.Background(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Put(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("abandoned put must not enqueue, len=%d", q.Len())
	}
}

func TestNeverExceedsCapacityUnderContention(t *testing.T) {
	q := New[int](3)
	ctx := context.Background()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = q.Put(ctx, i)
			}
		}()
	}
	received := 0
	for received < 200 {
		if q.Len() > q.Cap() {
			t.Fatalf("queue exceeded capacity: %d", q.Len())
		}
		if _, ok := q.Get(time.Second); !ok {
			t.Fatal("consumer starved")
		}
		received++
	}
	wg.Wait()
}

func TestDefaultCapacity(t *testing.T) {
	if New[int](0).Cap() != DefaultCapacity {
		t.Fatal("expected default capacity")
	}
}
