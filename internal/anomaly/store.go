package anomaly

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type patternEntry struct {
	pattern  Pattern
	lastSeen time.Time
}

// MemoryPatternStore is a process-local PatternStore with TTL expiry. Shared
// by every request handler; the mutex serializes pattern updates.
type MemoryPatternStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*patternEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryPatternStore(ttl time.Duration) *MemoryPatternStore {
	return &MemoryPatternStore{
		entries: make(map[uuid.UUID]*patternEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryPatternStore) Update(_ context.Context, userID uuid.UUID, fn func(p *Pattern)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[userID]
	if !ok || now.Sub(e.lastSeen) > s.ttl {
		e = &patternEntry{}
		s.entries[userID] = e
	}
	e.lastSeen = now

	fn(&e.pattern)
	return nil
}

// Sweep runs until ctx is done, dropping patterns idle past the TTL.
func (s *MemoryPatternStore) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			cutoff := s.now().Add(-s.ttl)
			for id, e := range s.entries {
				if e.lastSeen.Before(cutoff) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
