package store

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/alimasry/go-collab-history/history"
)

// CachedStore wraps a backing HistoryStore with an in-memory cache.
// All reads and writes are served from the cache. New entries are
// flushed to the backing store periodically in the background.
type CachedStore struct {
	cache         *MemoryStore
	backing       HistoryStore
	mu            sync.Mutex
	flushed       map[string]int // entries of each cached doc already in backing
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	logger        *slog.Logger
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// new entries to the backing store every flushInterval.
func NewCachedStore(backing HistoryStore, flushInterval time.Duration) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		flushed:       make(map[string]int),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		logger:        slog.Default().With("component", "store.CachedStore"),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) AppendEntry(ctx context.Context, docID string, entry history.Entry, seq int) error {
	if err := cs.ensureLoaded(ctx, docID); err != nil {
		return err
	}
	if err := cs.cache.AppendEntry(ctx, docID, entry, seq); err != nil {
		return err
	}
	cs.mu.Lock()
	if _, ok := cs.flushed[docID]; !ok {
		cs.flushed[docID] = 0
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) GetEntries(ctx context.Context, docID string, fromSeq int) ([]history.Entry, error) {
	if err := cs.ensureLoaded(ctx, docID); err != nil {
		return nil, err
	}
	return cs.cache.GetEntries(ctx, docID, fromSeq)
}

func (cs *CachedStore) ListDocuments(ctx context.Context) ([]string, error) {
	ids, err := cs.backing.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	cached, _ := cs.cache.ListDocuments(ctx)
	set := make(map[string]struct{}, len(ids)+len(cached))
	for _, id := range append(ids, cached...) {
		set[id] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set)), nil
}

// ensureLoaded copies a document's archived entries from the backing store
// into the cache on first access. A document the backing store does not
// know is treated as new.
func (cs *CachedStore) ensureLoaded(ctx context.Context, docID string) error {
	if cs.cache.count(docID) >= 0 {
		return nil
	}
	entries, err := cs.backing.GetEntries(ctx, docID, 0)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	cs.cache.mu.Lock()
	if _, exists := cs.cache.docs[docID]; !exists {
		cs.cache.docs[docID] = entries
	}
	cs.cache.mu.Unlock()

	cs.mu.Lock()
	if _, ok := cs.flushed[docID]; !ok {
		cs.flushed[docID] = len(entries)
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes entries not yet in the backing store, in order. A failed
// write stops that document's flush until the next cycle.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	pending := maps.Clone(cs.flushed)
	cs.mu.Unlock()

	ctx := context.Background()
	for docID, from := range pending {
		entries, err := cs.cache.GetEntries(ctx, docID, from)
		if err != nil || len(entries) == 0 {
			continue
		}
		written := 0
		for i, e := range entries {
			if err := cs.backing.AppendEntry(ctx, docID, e, from+i); err != nil {
				cs.logger.Error("flushing history entry",
					slog.String("doc_id", docID),
					slog.Int("seq", from+i),
					slog.Any("error", err),
				)
				break
			}
			written++
		}

		cs.mu.Lock()
		if cs.flushed[docID] == from {
			cs.flushed[docID] = from + written
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
