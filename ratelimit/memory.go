package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps rate state in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	sends       []time.Time
	lockedUntil time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Allow(_ context.Context, now time.Time, window time.Duration, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trim(now, window)
	if len(s.sends) >= limit {
		return len(s.sends), false, nil
	}
	s.sends = append(s.sends, now)
	return len(s.sends), true, nil
}

func (s *MemoryStore) Window(_ context.Context, now time.Time, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trim(now, window)
	if len(s.sends) == 0 {
		return 0, time.Time{}, nil
	}
	return len(s.sends), s.sends[0], nil
}

func (s *MemoryStore) Lock(_ context.Context, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.lockedUntil) {
		s.lockedUntil = until
	}
	return nil
}

func (s *MemoryStore) LockedUntil(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedUntil, nil
}

func (s *MemoryStore) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	keep := 0
	for keep < len(s.sends) && !s.sends[keep].After(cutoff) {
		keep++
	}
	s.sends = s.sends[keep:]
}
