package tile

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-history/container"
	"github.com/alimasry/go-collab-history/history"
)

func setup(t *testing.T, ids ...string) (*container.Container[SharedSnapshot], map[string]*Tile) {
	t.Helper()
	c := container.New[SharedSnapshot](container.Config{History: history.DefaultConfig()})
	tiles := make(map[string]*Tile, len(ids))
	for _, id := range ids {
		tiles[id] = New(id, c)
		require.NoError(t, c.RegisterTree(id, tiles[id]))
	}
	return c, tiles
}

func sharedValue(t *testing.T, tl *Tile, modelID string) string {
	t.Helper()
	v, ok := tl.Shared(modelID)
	if !ok {
		return ""
	}
	return string(v)
}

func TestTile_SetSharedPropagates(t *testing.T) {
	c, tiles := setup(t, "t1", "t2", "t3")
	ctx := context.Background()

	entryID, err := tiles["t1"].SetShared(ctx, "set value", "vars", json.RawMessage(`{"value":5}`))
	require.NoError(t, err)
	require.NotEmpty(t, entryID)

	for id, tl := range tiles {
		assert.JSONEq(t, `{"value":5}`, sharedValue(t, tl, "vars"), id)
	}

	e, ok := c.Store().Entry(entryID)
	require.True(t, ok)
	assert.Equal(t, history.StateClosed, e.State)
	assert.Equal(t, "t1", e.TreeID)
	require.Len(t, e.Records, 3)
	assert.Equal(t, "t1", e.Records[0].TreeID, "source records before propagating")

	undo := c.Store().UndoEntries()
	require.Len(t, undo, 1)
	assert.Equal(t, entryID, undo[0].ID)
}

func TestTile_ApplySnapshotIdempotent(t *testing.T) {
	c, tiles := setup(t, "t1", "t2")
	ctx := context.Background()
	t2 := tiles["t2"]

	require.NoError(t, c.AddHistoryEntry(ctx, "e1", "c0", "t1", "sync", false))
	require.NoError(t, c.StartHistoryEntryCall(ctx, "e1", "c1"))
	require.NoError(t, c.StartHistoryEntryCall(ctx, "e1", "c2"))

	snap := SharedSnapshot{ModelID: "vars", Value: json.RawMessage(`[1,2]`)}
	require.NoError(t, t2.ApplySharedModelSnapshotFromContainer(ctx, "e1", "c1", snap))
	version := t2.Version()
	require.NoError(t, t2.ApplySharedModelSnapshotFromContainer(ctx, "e1", "c2", snap))

	assert.Equal(t, version, t2.Version(), "second application must not mutate")
	assert.JSONEq(t, `[1,2]`, sharedValue(t, t2, "vars"))

	e, _ := c.Store().Entry("e1")
	assert.Len(t, e.Records, 1, "second application records nothing")
}

func TestTile_SetNoChange(t *testing.T) {
	c, tiles := setup(t, "t1")
	ctx := context.Background()

	_, err := tiles["t1"].Set(ctx, "rename", "title", json.RawMessage(`"a"`))
	require.NoError(t, err)
	id, err := tiles["t1"].Set(ctx, "rename", "title", json.RawMessage(`"a"`))
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Len(t, c.Store().Entries(), 1)
}

func TestTile_UndoRedoPrivateField(t *testing.T) {
	c, tiles := setup(t, "t1")
	ctx := context.Background()
	t1 := tiles["t1"]

	_, err := t1.Set(ctx, "rename", "title", json.RawMessage(`"draft"`))
	require.NoError(t, err)
	_, err = t1.Set(ctx, "rename", "title", json.RawMessage(`"final"`))
	require.NoError(t, err)

	require.NoError(t, c.Undo(ctx))
	v, _ := t1.Field("title")
	assert.JSONEq(t, `"draft"`, string(v))

	require.NoError(t, c.Undo(ctx))
	_, ok := t1.Field("title")
	assert.False(t, ok)

	require.NoError(t, c.Redo(ctx))
	v, _ = t1.Field("title")
	assert.JSONEq(t, `"draft"`, string(v))

	_, err = t1.Delete(ctx, "clear", "title")
	require.NoError(t, err)
	_, ok = t1.Field("title")
	assert.False(t, ok)
	assert.False(t, c.Store().CanRedo(), "a new action discards the redo stack")
}

func TestTile_UndoSharedChangeConverges(t *testing.T) {
	c, tiles := setup(t, "t1", "t2", "t3")
	ctx := context.Background()

	_, err := tiles["t1"].SetShared(ctx, "set", "vars", json.RawMessage(`1`))
	require.NoError(t, err)
	_, err = tiles["t2"].SetShared(ctx, "set", "vars", json.RawMessage(`2`))
	require.NoError(t, err)

	require.NoError(t, c.Undo(ctx))
	for id, tl := range tiles {
		assert.JSONEq(t, `1`, sharedValue(t, tl, "vars"), id)
	}

	require.NoError(t, c.Undo(ctx))
	for id, tl := range tiles {
		_, ok := tl.Shared("vars")
		assert.False(t, ok, id)
	}

	require.NoError(t, c.Redo(ctx))
	require.NoError(t, c.Redo(ctx))
	for id, tl := range tiles {
		assert.JSONEq(t, `2`, sharedValue(t, tl, "vars"), id)
	}

	for _, e := range c.Store().Entries() {
		assert.Equal(t, history.StateClosed, e.State, "entry %s (%s) left open", e.ID, e.ActionName)
	}
}

func TestTile_LoadRebuildsFromHistory(t *testing.T) {
	c, tiles := setup(t, "t1", "t2")
	ctx := context.Background()

	_, err := tiles["t1"].SetShared(ctx, "set", "vars", json.RawMessage(`1`))
	require.NoError(t, err)
	_, err = tiles["t2"].Set(ctx, "rename", "title", json.RawMessage(`"x"`))
	require.NoError(t, err)
	_, err = tiles["t1"].SetShared(ctx, "set", "vars", json.RawMessage(`2`))
	require.NoError(t, err)
	require.NoError(t, c.Undo(ctx))

	fresh := New("t2", c)
	require.NoError(t, fresh.Load(c.Store().Entries()))

	assert.Equal(t, tiles["t2"].SharedModels(), fresh.SharedModels())
	v, ok := fresh.Field("title")
	require.True(t, ok)
	assert.JSONEq(t, `"x"`, string(v))
	assert.JSONEq(t, `1`, sharedValue(t, fresh, "vars"))
}
