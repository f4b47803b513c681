package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_IncrCountsWithinWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		count, _, err := store.Incr(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if count != want {
			t.Fatalf("expected count %d got %d", want, count)
		}
	}
}

func TestMemoryStore_WindowReset(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	count, resetAt, _ := store.Incr(ctx, "k", time.Minute)
	if count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}
	if !resetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected reset at %v got %v", now.Add(time.Minute), resetAt)
	}

	count, _, _ = store.Incr(ctx, "k", time.Minute)
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}

	// Crossing the boundary starts a fresh window.
	now = now.Add(61 * time.Second)
	count, resetAt, _ = store.Incr(ctx, "k", time.Minute)
	if count != 1 {
		t.Fatalf("expected fresh window count 1, got %d", count)
	}
	if !resetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected new reset at %v got %v", now.Add(time.Minute), resetAt)
	}
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Incr(ctx, "a", time.Minute)
	store.Incr(ctx, "a", time.Minute)
	count, _, _ := store.Incr(ctx, "b", time.Minute)
	if count != 1 {
		t.Fatalf("expected key b to start at 1, got %d", count)
	}
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 20
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				store.Incr(ctx, "shared", time.Minute)
			}
		}()
	}
	wg.Wait()

	count, _, _ := store.Incr(ctx, "shared", time.Minute)
	if count != workers*perWorker+1 {
		t.Fatalf("expected %d, got %d", workers*perWorker+1, count)
	}
}

func TestMemoryStore_CleanupDropsExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Incr(ctx, "old", time.Minute)
	now = now.Add(2 * time.Minute)
	store.Incr(ctx, "fresh", time.Minute)

	store.Cleanup()

	store.mu.Lock()
	_, oldAlive := store.entries["old"]
	_, freshAlive := store.entries["fresh"]
	store.mu.Unlock()

	if oldAlive {
		t.Fatal("expected expired counter to be dropped")
	}
	if !freshAlive {
		t.Fatal("expected live counter to survive cleanup")
	}
}
