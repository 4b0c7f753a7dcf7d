package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryInsertNeverOverwritesConcurrentUpsert(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	m := NewMemory()

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("r%d", i)
		newer := testRecord(id, ts)
		newer.Status = "generating"

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := m.Insert(ctx, testRecord(id, ts)); err != nil {
				t.Errorf("insert %s: %v", id, err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := m.Upsert(ctx, newer); err != nil {
				t.Errorf("upsert %s: %v", id, err)
			}
		}()
		wg.Wait()

		got, err := m.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != "generating" {
			t.Fatalf("insert replaced the newer record %s: status %s", id, got.Status)
		}
	}
}

func TestMemoryInsertHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemory()
	if err := m.Insert(ctx, testRecord("r1", time.Now())); err == nil {
		t.Fatalf("expected context error")
	}
	if _, err := m.Get(context.Background(), "r1"); err == nil {
		t.Fatalf("cancelled insert must not write")
	}
}
