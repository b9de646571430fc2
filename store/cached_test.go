package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedStore(t *testing.T) {
	testHistoryStore(t, func(t *testing.T) HistoryStore {
		cs := NewCachedStore(NewMemoryStore(), time.Hour)
		t.Cleanup(cs.Close)
		return cs
	})
}

func TestCachedStore_ReadThrough(t *testing.T) {
	backing := NewMemoryStore()
	appendN(t, backing, "doc1", 0, 2)

	cs := NewCachedStore(backing, time.Hour) // long interval, no auto flush
	defer cs.Close()

	entries, err := cs.GetEntries(context.Background(), "doc1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e0", "e1"}, ids(entries))
}

func TestCachedStore_WriteBehind(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, 50*time.Millisecond)
	defer cs.Close()

	appendN(t, cs, "doc1", 0, 3)

	_, err := backing.GetEntries(ctx, "doc1", 0)
	assert.ErrorIs(t, err, ErrNotFound, "backing must not have the doc before a flush")

	require.Eventually(t, func() bool {
		entries, err := backing.GetEntries(ctx, "doc1", 0)
		return err == nil && len(entries) == 3
	}, 2*time.Second, 20*time.Millisecond)

	appendN(t, cs, "doc1", 3, 2)
	require.Eventually(t, func() bool {
		entries, err := backing.GetEntries(ctx, "doc1", 0)
		return err == nil && len(entries) == 5
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCachedStore_CloseFlushes(t *testing.T) {
	backing := NewMemoryStore()
	cs := NewCachedStore(backing, time.Hour)

	appendN(t, cs, "doc1", 0, 1)
	cs.Close()

	entries, err := backing.GetEntries(context.Background(), "doc1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e0"}, ids(entries))
}

func TestCachedStore_PreLoadedDoc(t *testing.T) {
	backing := NewMemoryStore()
	appendN(t, backing, "doc1", 0, 2)

	cs := NewCachedStore(backing, time.Hour)
	// Appending loads the archived entries first, so seq continues at 2.
	appendN(t, cs, "doc1", 2, 1)
	cs.Close()

	entries, err := backing.GetEntries(context.Background(), "doc1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e0", "e1", "e2"}, ids(entries), "no duplicates in backing")
}

func TestCachedStore_ListDocumentsMergesBacking(t *testing.T) {
	backing := NewMemoryStore()
	appendN(t, backing, "old", 0, 1)

	cs := NewCachedStore(backing, time.Hour)
	defer cs.Close()
	appendN(t, cs, "new", 0, 1)

	docs, err := cs.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, docs)
}
