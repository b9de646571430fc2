package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-history/history"
	"github.com/alimasry/go-collab-history/patch"
)

func closedEntry(id string) history.Entry {
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	return history.Entry{
		ID:         id,
		ActionName: "set value",
		TreeID:     "t1",
		Undoable:   true,
		Records: []history.TreePatchRecord{{
			TreeID:         "t1",
			CallID:         "c0",
			Patches:        []patch.Patch{{Op: patch.OpReplace, Path: "/shared/vars", Value: json.RawMessage(`{"value":5}`)}},
			InversePatches: []patch.Patch{{Op: patch.OpRemove, Path: "/shared/vars"}},
		}},
		State:     history.StateClosed,
		CreatedAt: created,
		ClosedAt:  created.Add(time.Second),
	}
}

func appendN(t *testing.T, s HistoryStore, docID string, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		require.NoError(t, s.AppendEntry(context.Background(), docID, closedEntry(fmt.Sprintf("e%d", i)), i))
	}
}

func ids(entries []history.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// testHistoryStore runs the behavior every HistoryStore shares.
func testHistoryStore(t *testing.T, newStore func(t *testing.T) HistoryStore) {
	ctx := context.Background()

	t.Run("UnknownDocument", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetEntries(ctx, "missing", 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AppendAndRead", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, "doc1", 0, 3)

		entries, err := s.GetEntries(ctx, "doc1", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"e0", "e1", "e2"}, ids(entries))

		got := entries[0]
		want := closedEntry("e0")
		assert.Equal(t, want.ActionName, got.ActionName)
		assert.Equal(t, want.TreeID, got.TreeID)
		assert.True(t, got.Undoable)
		assert.Equal(t, history.StateClosed, got.State)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, want.ClosedAt.Equal(got.ClosedAt))
		require.Len(t, got.Records, 1)
		assert.Equal(t, "c0", got.Records[0].CallID)
		assert.JSONEq(t, `{"value":5}`, string(got.Records[0].Patches[0].Value))
		assert.Equal(t, patch.OpRemove, got.Records[0].InversePatches[0].Op)

		entries, err = s.GetEntries(ctx, "doc1", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"e2"}, ids(entries))

		entries, err = s.GetEntries(ctx, "doc1", 3)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("InvalidSeq", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, "doc1", 0, 2)

		assert.ErrorIs(t, s.AppendEntry(ctx, "doc1", closedEntry("gap"), 5), ErrInvalidSeq)
		assert.ErrorIs(t, s.AppendEntry(ctx, "doc1", closedEntry("dup"), 1), ErrInvalidSeq)
		assert.ErrorIs(t, s.AppendEntry(ctx, "doc2", closedEntry("first"), 1), ErrInvalidSeq)

		_, err := s.GetEntries(ctx, "doc1", 3)
		assert.ErrorIs(t, err, ErrInvalidSeq)

		entries, err := s.GetEntries(ctx, "doc1", 0)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("RejectsOpenEntry", func(t *testing.T) {
		s := newStore(t)
		e := closedEntry("e0")
		e.State = history.StateOpen
		assert.ErrorIs(t, s.AppendEntry(ctx, "doc1", e, 0), ErrOpenEntry)
	})

	t.Run("ListDocuments", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, "b", 0, 1)
		appendN(t, s, "a", 0, 2)

		docs, err := s.ListDocuments(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, docs)
	})

	t.Run("NestedDocIDs", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, "a", 0, 1)
		appendN(t, s, "a/b", 0, 2)

		entries, err := s.GetEntries(ctx, "a", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"e0"}, ids(entries))

		entries, err = s.GetEntries(ctx, "a/b", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"e0", "e1"}, ids(entries))

		appendN(t, s, "a", 1, 1)

		docs, err := s.ListDocuments(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "a/b"}, docs)
	})
}

func TestMemoryStore(t *testing.T) {
	testHistoryStore(t, func(t *testing.T) HistoryStore {
		return NewMemoryStore()
	})
}

func TestMemoryStore_ReadIsACopy(t *testing.T) {
	s := NewMemoryStore()
	appendN(t, s, "doc1", 0, 1)

	entries, err := s.GetEntries(context.Background(), "doc1", 0)
	require.NoError(t, err)
	entries[0] = closedEntry("mutated")

	entries, err = s.GetEntries(context.Background(), "doc1", 0)
	require.NoError(t, err)
	assert.Equal(t, "e0", entries[0].ID)
}
