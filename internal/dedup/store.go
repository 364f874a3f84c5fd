package dedup

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a concurrent-safe in-memory Store, used in tests and for
// single-node deployments that accept losing dedup state on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get returns the record for identity, if present.
func (s *MemoryStore) Get(_ context.Context, identity string) (*Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, found := s.records[identity]
	if !found {
		return nil, false, nil
	}
	copied := rec
	return &copied, true, nil
}

// Upsert stores the record, replacing any previous one for its identity.
func (s *MemoryStore) Upsert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Identity] = *rec
	return nil
}

// ListStale returns records last processed before cutoff or stored under an
// older schema version, oldest first.
func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time, currentVersion int, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []Record
	for _, rec := range s.records {
		if rec.LastProcessed.Before(cutoff) || rec.SchemaVersion < currentVersion {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastProcessed.Before(stale[j].LastProcessed)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
