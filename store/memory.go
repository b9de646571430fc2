package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/alimasry/go-collab-history/history"
)

// MemoryStore is an in-memory implementation of HistoryStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]history.Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]history.Entry)}
}

func (s *MemoryStore) AppendEntry(_ context.Context, docID string, entry history.Entry, seq int) error {
	if entry.State != history.StateClosed {
		return fmt.Errorf("append %q to %q: %w", entry.ID, docID, ErrOpenEntry)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.docs[docID]
	if seq != len(entries) {
		return fmt.Errorf("append to %q at %d (have %d): %w", docID, seq, len(entries), ErrInvalidSeq)
	}
	s.docs[docID] = append(entries, entry)
	return nil
}

func (s *MemoryStore) GetEntries(_ context.Context, docID string, fromSeq int) ([]history.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", docID, ErrNotFound)
	}
	if fromSeq < 0 || fromSeq > len(entries) {
		return nil, fmt.Errorf("read %q from %d: %w", docID, fromSeq, ErrInvalidSeq)
	}
	return slices.Clone(entries[fromSeq:]), nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// count returns how many entries docID has, or -1 if it is unknown.
func (s *MemoryStore) count(docID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.docs[docID]
	if !ok {
		return -1
	}
	return len(entries)
}
