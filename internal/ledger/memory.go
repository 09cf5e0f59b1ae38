package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Ledger. It backs tests and single-run
// deployments that do not need uploads to survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	uploads map[string]*UploadRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[string]*UploadRecord),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, rec *UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.uploads[rec.ID]; exists {
		return fmt.Errorf("creating upload %q: %w", rec.ID, ErrDuplicateID)
	}
	s.uploads[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.uploads[id]
	if !exists {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.uploads[id]
	return exists, nil
}

func (s *MemoryStore) Update(ctx context.Context, rec *UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.uploads[rec.ID]; !exists {
		return fmt.Errorf("updating upload %q: record not found", rec.ID)
	}
	s.uploads[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.uploads, id)
	return nil
}

func (s *MemoryStore) ListDueForDeletion(ctx context.Context, now time.Time) ([]UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []UploadRecord
	for _, rec := range s.uploads {
		if rec.DueForDeletion(now) {
			records = append(records, *rec.Clone())
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]UploadRecord, 0, len(s.uploads))
	for _, rec := range s.uploads {
		records = append(records, *rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

var _ Ledger = (*MemoryStore)(nil)
