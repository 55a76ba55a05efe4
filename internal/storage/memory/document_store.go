package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/bulletin-crawler/internal/crawler"
)

// ErrDuplicateDocument is returned when a record id is reused.
var ErrDuplicateDocument = errors.New("document already recorded")

// DocumentStore keeps processed document records in memory.
type DocumentStore struct {
	mu      sync.RWMutex
	records map[string]crawler.DocumentRecord
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		records: make(map[string]crawler.DocumentRecord),
	}
}

// RecordDocument stores record.
func (s *DocumentStore) RecordDocument(_ context.Context, record crawler.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return ErrDuplicateDocument
	}
	s.records[record.ID] = record
	return nil
}

// ListByOwner returns an owner's records, oldest first.
func (s *DocumentStore) ListByOwner(ownerID string) []crawler.DocumentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.DocumentRecord, 0)
	for _, rec := range s.records {
		if rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	return out
}

// Close is a no-op.
func (s *DocumentStore) Close() error { return nil }
