package ratelimit

import (
	"context"
	"sync"
	"time"
)

// CounterStore atomically increments fixed-window counters. Incr returns the
// count including this call and the moment the window resets. The first
// increment in a window starts it.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// MemoryStore is the in-process fallback counter store. It is safe for
// concurrent use and intended for single-instance deployments and tests;
// multi-instance deployments want the Redis store so budgets are shared.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryCounter

	now func() time.Time
}

type memoryCounter struct {
	count   int64
	resetAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryCounter),
		now:     time.Now,
	}
}

// Incr implements CounterStore.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.resetAt) {
		ent = &memoryCounter{resetAt: now.Add(window)}
		s.entries[key] = ent
	}
	ent.count++
	return ent.count, ent.resetAt, nil
}

// Cleanup drops counters whose window has passed.
func (s *MemoryStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if !now.Before(ent.resetAt) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor periodically drops expired counters until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 2 * time.Minute
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
