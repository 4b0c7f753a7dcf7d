package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueNeverExceedsCapacity(t *testing.T) {
	q := NewQueue(3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Push(&Job{ID: "x"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrQueueFull):
				rejected++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 3 || rejected != 22 {
		t.Fatalf("expected 3 accepted and 22 rejected, got %d/%d", accepted, rejected)
	}
	if q.Len() != q.Cap() {
		t.Fatalf("expected full queue, got %d/%d", q.Len(), q.Cap())
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(3)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(&Job{ID: id}); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		job, ok := q.Pop(context.Background())
		if !ok || job.ID != want {
			t.Fatalf("expected %s, got %+v", want, job)
		}
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if job, ok := q.Pop(ctx); ok || job != nil {
		t.Fatalf("expected no job on empty queue")
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(2)
	q.Push(&Job{ID: "a"})
	q.Close()
	q.Close()

	if err := q.Push(&Job{ID: "b"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if job, ok := q.Pop(context.Background()); !ok || job.ID != "a" {
		t.Fatalf("expected queued job to drain after close")
	}
	if _, ok := q.Pop(context.Background()); ok {
		t.Fatalf("expected closed and drained queue")
	}
	if NewQueue(0).Cap() != 1 {
		t.Fatalf("expected minimum capacity of one")
	}
}

func TestQueueTryPop(t *testing.T) {
	q := NewQueue(2)
	if _, ok := q.TryPop(); ok {
		t.Fatalf("expected nothing from an empty queue")
	}

	q.Push(&Job{ID: "a"})
	q.Push(&Job{ID: "b"})
	q.Close()

	for _, want := range []string{"a", "b"} {
		job, ok := q.TryPop()
		if !ok || job.ID != want {
			t.Fatalf("expected %s, got %+v", want, job)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatalf("expected closed and drained queue")
	}
}
