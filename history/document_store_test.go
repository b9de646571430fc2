package history

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-history/patch"
)

func record(treeID, path, from, to string) TreePatchRecord {
	return TreePatchRecord{
		TreeID:         treeID,
		Patches:        []patch.Patch{{Op: patch.OpReplace, Path: path, Value: json.RawMessage(to)}},
		InversePatches: []patch.Patch{{Op: patch.OpReplace, Path: path, Value: json.RawMessage(from)}},
	}
}

func TestDocumentStore_CreateDuplicate(t *testing.T) {
	d := NewDocumentStore(DefaultConfig())

	require.NoError(t, d.CreateHistoryEntry("e1", "c0", "edit", "t1", true))
	err := d.CreateHistoryEntry("e1", "c9", "edit", "t1", true)
	require.ErrorIs(t, err, ErrDuplicateEntry)

	e, ok := d.Entry("e1")
	require.True(t, ok)
	assert.Equal(t, []string{"c0"}, e.OpenCalls, "duplicate create must not touch the entry")
	assert.Equal(t, StateOpen, e.State)
}

func TestDocumentStore_ClosesAfterLastCall(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d extra calls", n), func(t *testing.T) {
			d := NewDocumentStore(DefaultConfig())
			closedCount := 0
			d.hooks = append(d.hooks, func(Entry) { closedCount++ })

			require.NoError(t, d.CreateHistoryEntry("e1", "c0", "edit", "t1", true))
			for i := range n {
				require.NoError(t, d.StartHistoryEntryCall("e1", fmt.Sprintf("c%d", i+1)))
			}

			// Close the originating call first, then the extra calls.
			calls := []string{"c0"}
			for i := range n {
				calls = append(calls, fmt.Sprintf("c%d", i+1))
			}
			for i, c := range calls {
				e, _ := d.Entry("e1")
				require.Equal(t, StateOpen, e.State, "closed before call %d", i)
				require.NoError(t, d.CloseHistoryEntryCall("e1", c))
			}

			e, _ := d.Entry("e1")
			assert.Equal(t, StateClosed, e.State)
			assert.Empty(t, e.OpenCalls)
			assert.False(t, e.ClosedAt.IsZero())
			assert.Equal(t, 1, closedCount)

			select {
			case <-d.Done("e1"):
			default:
				t.Fatal("done channel not closed")
			}
		})
	}
}

func TestDocumentStore_DoubleClose(t *testing.T) {
	d := NewDocumentStore(DefaultConfig())
	require.NoError(t, d.CreateHistoryEntry("e1", "c0", "edit", "t1", true))
	require.NoError(t, d.StartHistoryEntryCall("e1", "c1"))
	require.NoError(t, d.CloseHistoryEntryCall("e1", "c1"))

	err := d.CloseHistoryEntryCall("e1", "c1")
	require.ErrorIs(t, err, ErrUnknownCall)

	e, _ := d.Entry("e1")
	assert.Equal(t, StateOpen, e.State, "second close must not close c0")
	assert.Equal(t, []string{"c0"}, e.OpenCalls)
}

func TestDocumentStore_AddPatchesErrors(t *testing.T) {
	d := NewDocumentStore(DefaultConfig())
	require.NoError(t, d.CreateHistoryEntry("e1", "c0", "edit", "t1", true))
	require.NoError(t, d.StartHistoryEntryCall("e1", "c1"))
	require.NoError(t, d.CloseHistoryEntryCall("e1", "c1"))

	t.Run("unknown entry", func(t *testing.T) {
		err := d.AddPatchesToHistoryEntry("nope", "c0", record("t1", "/a", `1`, `2`))
		require.ErrorIs(t, err, ErrUnknownEntry)
	})
	t.Run("unstarted call", func(t *testing.T) {
		err := d.AddPatchesToHistoryEntry("e1", "never", record("t1", "/a", `1`, `2`))
		require.ErrorIs(t, err, ErrUnknownCall)
	})
	t.Run("closed call", func(t *testing.T) {
		err := d.AddPatchesToHistoryEntry("e1", "c1", record("t1", "/a", `1`, `2`))
		require.ErrorIs(t, err, ErrUnknownCall)
	})

	e, _ := d.Entry("e1")
	assert.Empty(t, e.Records)
}

func TestDocumentStore_AddPatchesOrder(t *testing.T) {
	d := NewDocumentStore(DefaultConfig())
	require.NoError(t, d.CreateHistoryEntry("e1", "c0", "edit", "t1", true))
	require.NoError(t, d.StartHistoryEntryCall("e1", "c1"))

	require.NoError(t, d.AddPatchesToHistoryEntry("e1", "c0", record("t1", "/a", `0`, `1`)))
	require.NoError(t, d.AddPatchesToHistoryEntry("e1", "c1", record("t2", "/b", `0`, `1`)))
	require.NoError(t, d.AddPatchesToHistoryEntry("e1", "c0", record("t1", "/a", `1`, `2`)))
	require.NoError(t, d.AddPatchesToHistoryEntry("e1", "c0", TreePatchRecord{TreeID: "t1"}))

	e, _ := d.Entry("e1")
	require.Len(t, e.Records, 3, "empty records are dropped")
	assert.Equal(t, "c0", e.Records[0].CallID)
	assert.Equal(t, "c1", e.Records[1].CallID)
	assert.Equal(t, "t2", e.Records[1].TreeID)
	assert.JSONEq(t, `2`, string(e.Records[2].Patches[0].Value))
}

func TestDocumentStore_StartCallErrors(t *testing.T) {
	d := NewDocumentStore(DefaultConfig())
	require.ErrorIs(t, d.StartHistoryEntryCall("nope", "c1"), ErrUnknownEntry)

	require.NoError(t, d.CreateHistoryEntry("e1", "c0", "edit", "t1", true))
	require.ErrorIs(t, d.StartHistoryEntryCall("e1", "c0"), ErrDuplicateCall)

	require.NoError(t, d.StartHistoryEntryCall("e1", "c1"))
	require.ErrorIs(t, d.StartHistoryEntryCall("e1", "c1"), ErrDuplicateCall)

	require.NoError(t, d.CloseHistoryEntryCall("e1", "c0"))
	require.NoError(t, d.CloseHistoryEntryCall("e1", "c1"))
	require.ErrorIs(t, d.StartHistoryEntryCall("e1", "c2"), ErrEntryClosed)
}

func TestDocumentStore_UndoStackContents(t *testing.T) {
	d := NewDocumentStore(DefaultConfig())

	require.NoError(t, d.CreateHistoryEntry("undoable-open", "c0", "edit", "t1", true))
	require.NoError(t, d.CreateHistoryEntry("derived", "c0", "sync", "t1", false))
	require.NoError(t, d.CreateHistoryEntry("undoable", "c0", "edit", "t1", true))

	require.NoError(t, d.CloseHistoryEntryCall("derived", "c0"))
	require.NoError(t, d.CloseHistoryEntryCall("undoable", "c0"))

	undo := d.UndoEntries()
	require.Len(t, undo, 1)
	assert.Equal(t, "undoable", undo[0].ID)
	assert.Empty(t, d.RedoEntries())
	assert.True(t, d.CanUndo())
	assert.False(t, d.CanRedo())

	require.NoError(t, d.CloseHistoryEntryCall("undoable-open", "c0"))
	undo = d.UndoEntries()
	require.Len(t, undo, 2)
	assert.Equal(t, "undoable-open", undo[0].ID, "stack is ordered by close time")
}

func TestDocumentStore_MaxUndoDepth(t *testing.T) {
	d := NewDocumentStore(Config{MaxUndoDepth: 2})
	for i := range 3 {
		id := fmt.Sprintf("e%d", i)
		require.NoError(t, d.CreateHistoryEntry(id, "c0", "edit", "t1", true))
		require.NoError(t, d.CloseHistoryEntryCall(id, "c0"))
	}

	undo := d.UndoEntries()
	require.Len(t, undo, 2)
	assert.Equal(t, "e2", undo[0].ID)
	assert.Equal(t, "e1", undo[1].ID)

	_, ok := d.Entry("e0")
	assert.False(t, ok, "evicted entries are destroyed")
}

func TestDocumentStore_MaxRetainedEntries(t *testing.T) {
	d := NewDocumentStore(Config{MaxRetainedEntries: 2})

	require.NoError(t, d.CreateHistoryEntry("keep", "c0", "edit", "t1", true))
	require.NoError(t, d.CloseHistoryEntryCall("keep", "c0"))
	require.NoError(t, d.CreateHistoryEntry("open", "c0", "edit", "t1", false))
	for i := range 3 {
		id := fmt.Sprintf("derived%d", i)
		require.NoError(t, d.CreateHistoryEntry(id, "c0", "sync", "t1", false))
		require.NoError(t, d.CloseHistoryEntryCall(id, "c0"))
	}

	var ids []string
	for _, e := range d.Entries() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"keep", "open"}, ids)
}

func TestDocumentStore_Wait(t *testing.T) {
	d := NewDocumentStore(DefaultConfig())
	require.ErrorIs(t, d.Wait(context.Background(), "nope"), ErrUnknownEntry)

	require.NoError(t, d.CreateHistoryEntry("e1", "c0", "edit", "t1", true))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Wait(ctx, "e1"), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = d.CloseHistoryEntryCall("e1", "c0")
	}()
	require.NoError(t, d.Wait(context.Background(), "e1"))
}

func TestDocumentStore_Restore(t *testing.T) {
	d := NewDocumentStore(DefaultConfig())

	archived := []Entry{
		{ID: "a", ActionName: "edit", TreeID: "t1", Undoable: true, State: StateClosed},
		{ID: "b", ActionName: "sync", TreeID: "t1", Undoable: false, State: StateClosed},
	}
	require.NoError(t, d.Restore(archived))

	undo := d.UndoEntries()
	require.Len(t, undo, 1)
	assert.Equal(t, "a", undo[0].ID)
	require.NoError(t, d.Wait(context.Background(), "b"))

	require.ErrorIs(t, d.Restore(archived[:1]), ErrDuplicateEntry)
	require.ErrorIs(t, d.Restore([]Entry{{ID: "c", State: StateOpen}}), ErrEntryOpen)
}
