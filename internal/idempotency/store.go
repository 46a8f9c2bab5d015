// Package idempotency remembers which envelope attempts have already reached
// a terminal routing decision so redelivered copies can be acknowledged
// without running their handler again.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Store records processed keys
type Store interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemoryStore is a process-local Store whose entries expire after a TTL
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
	sweepAt int
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
		sweepAt: 1024,
	}
}

// Seen implements Store
func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expires) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

// Mark implements Store
func (s *MemoryStore) Mark(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[key] = now.Add(s.ttl)

	if len(s.entries) >= s.sweepAt {
		s.sweep(now)
		if len(s.entries) >= s.sweepAt/2 {
			s.sweepAt *= 2
		}
	}
	return nil
}

// Len returns the number of entries, including expired ones not yet swept
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) sweep(now time.Time) {
	for key, expires := range s.entries {
		if !now.Before(expires) {
			delete(s.entries, key)
		}
	}
}
