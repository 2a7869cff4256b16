package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	werrors "github.com/drblury/warren/internal/runtime/errors"
)

// MemoryStore keeps records in process memory. It is only shared between
// goroutines, so supervisor and workers running as separate processes need
// one of the SQL stores.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]ProcessRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]ProcessRecord)}
}

func (s *MemoryStore) Insert(_ context.Context, rec ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return ProcessRecord{}, werrors.ErrProcessNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return werrors.ErrProcessNotFound
	}
	rec.LastHeartbeatAt = &at
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// List returns the records ordered by id, which is registration order.
func (s *MemoryStore) List(_ context.Context) ([]ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProcessRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyRecord(rec ProcessRecord) ProcessRecord {
	if rec.LastHeartbeatAt != nil {
		at := *rec.LastHeartbeatAt
		rec.LastHeartbeatAt = &at
	}
	return rec
}
