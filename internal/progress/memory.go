package progress

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the process-local record map. Records live until pruned.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(_ context.Context, taskID string, rec Record) error {
	s.mu.Lock()
	s.records[taskID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.records[taskID]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Len returns the number of tracked task ids.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Prune drops terminal records last updated before olderThan. Running tasks are kept
// so a slow task never loses its state mid-flight.
func (s *MemoryStore) Prune(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if rec.Status.Terminal() && rec.Timestamp.Before(olderThan) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
