package store

import (
	"context"
	"errors"

	"github.com/alimasry/go-collab-history/history"
)

var (
	ErrNotFound   = errors.New("document not found")
	ErrInvalidSeq = errors.New("invalid sequence number")
	ErrOpenEntry  = errors.New("only closed entries can be archived")
)

// HistoryStore archives closed history entries per document so a session
// can rebuild its undo stack after a restart.
// Implementations: MemoryStore, CachedStore, BadgerStore, FirestoreStore.
type HistoryStore interface {
	// AppendEntry stores entry as the seq-th (0-based) entry of docID.
	// seq must equal the number of entries already stored.
	AppendEntry(ctx context.Context, docID string, entry history.Entry, seq int) error
	// GetEntries returns the entries of docID starting at fromSeq, oldest
	// first. An unknown document yields ErrNotFound.
	GetEntries(ctx context.Context, docID string, fromSeq int) ([]history.Entry, error)
	ListDocuments(ctx context.Context) ([]string, error)
}
