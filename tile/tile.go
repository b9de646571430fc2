// Package tile provides a reference tree: a tile with private fields and
// mirrored copies of the document's shared models.
package tile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alimasry/go-collab-history/container"
	"github.com/alimasry/go-collab-history/history"
	"github.com/alimasry/go-collab-history/patch"
)

const (
	fieldPrefix  = "/fields/"
	sharedPrefix = "/shared/"
)

// SharedSnapshot is the full state of one shared model. Applying the same
// snapshot twice leaves a tile unchanged.
type SharedSnapshot struct {
	ModelID string          `json:"modelId"`
	Value   json.RawMessage `json:"value"`
}

// Tile is a tree whose state is a flat set of fields plus shared models.
type Tile struct {
	id     string
	api    container.API[SharedSnapshot]
	logger *slog.Logger

	mu  sync.Mutex
	doc *patch.Document
}

var _ container.TreeAPI[SharedSnapshot] = (*Tile)(nil)

// New creates an empty tile that reports its history through api.
func New(id string, api container.API[SharedSnapshot]) *Tile {
	return &Tile{
		id:     id,
		api:    api,
		logger: slog.Default().With("component", "tile.Tile", "tree_id", id),
		doc:    patch.NewDocument(),
	}
}

func (t *Tile) ID() string { return t.id }

// Field returns the value of a private field.
func (t *Tile) Field(key string) (json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Get(fieldPrefix + key)
}

// Shared returns this tile's copy of a shared model.
func (t *Tile) Shared(modelID string) (json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Get(sharedPrefix + modelID)
}

// SharedModels returns a copy of every shared model the tile holds.
func (t *Tile) SharedModels() map[string]json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for path, v := range t.doc.State {
		if modelID, ok := strings.CutPrefix(path, sharedPrefix); ok {
			out[modelID] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Load rebuilds the tile from archived history by applying, oldest first,
// the forward patches the tile recorded. Nothing is recorded.
func (t *Tile) Load(entries []history.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		for _, rec := range e.Records {
			if rec.TreeID != t.id {
				continue
			}
			for _, p := range rec.Patches {
				if _, _, err := t.doc.Set(p.Path, targetValue(p)); err != nil {
					return fmt.Errorf("load entry %q: %w", e.ID, err)
				}
			}
		}
	}
	return nil
}

// Version counts the changes applied to the tile.
func (t *Tile) Version() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Version
}

// Set changes a private field as one undoable action and returns the id of
// the history entry. Setting a field to its current value records nothing
// and returns an empty id.
func (t *Tile) Set(ctx context.Context, actionName, key string, value json.RawMessage) (string, error) {
	return t.act(ctx, actionName, fieldPrefix+key, value, false)
}

// Delete removes a private field as one undoable action.
func (t *Tile) Delete(ctx context.Context, actionName, key string) (string, error) {
	return t.act(ctx, actionName, fieldPrefix+key, nil, false)
}

// SetShared changes a shared model as one undoable action and propagates
// the new snapshot to every other tree. It returns once all trees have
// applied it and the tile's own call is closed.
func (t *Tile) SetShared(ctx context.Context, actionName, modelID string, value json.RawMessage) (string, error) {
	return t.act(ctx, actionName, sharedPrefix+modelID, value, true)
}

func (t *Tile) act(ctx context.Context, actionName, path string, value json.RawMessage, propagate bool) (entryID string, err error) {
	t.mu.Lock()
	fwd, inv, err := t.doc.Set(path, value)
	t.mu.Unlock()
	if err != nil {
		return "", err
	}
	if fwd == nil {
		return "", nil
	}

	entryID, callID := history.NewID(), history.NewID()
	if err := t.api.AddHistoryEntry(ctx, entryID, callID, t.id, actionName, true); err != nil {
		t.revert(inv)
		return "", fmt.Errorf("%s: %w", actionName, err)
	}
	defer func() {
		if cerr := t.api.EndHistoryEntryCall(ctx, entryID, callID); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	rec := history.TreePatchRecord{TreeID: t.id, Patches: fwd, InversePatches: inv}
	if err := t.api.AddTreePatchRecord(entryID, callID, rec); err != nil {
		return entryID, err
	}
	if !propagate {
		return entryID, nil
	}
	snap := SharedSnapshot{ModelID: strings.TrimPrefix(path, sharedPrefix), Value: value}
	return entryID, t.api.UpdateSharedModel(ctx, entryID, callID, t.id, snap)
}

func (t *Tile) revert(inv []patch.Patch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.doc.Apply(patch.Reverse(inv)); err != nil {
		t.logger.Error("reverting unrecorded change", slog.Any("error", err))
	}
}

// ApplySharedModelSnapshotFromContainer implements container.TreeAPI. An
// identical snapshot is a no-op; otherwise the change is recorded under
// callID. It never propagates further.
func (t *Tile) ApplySharedModelSnapshotFromContainer(ctx context.Context, entryID, callID string, snap SharedSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	fwd, inv, err := t.doc.Set(sharedPrefix+snap.ModelID, snap.Value)
	t.mu.Unlock()
	if err != nil || fwd == nil {
		return err
	}
	return t.api.AddTreePatchRecord(entryID, callID, history.TreePatchRecord{
		TreeID:         t.id,
		Patches:        fwd,
		InversePatches: inv,
	})
}

// ApplyPatchesFromManager implements history.Replayer.
//
// Each patch is applied as "make path hold this value", so replaying onto a
// tile that already converged through shared-model propagation is a no-op
// for that path. Changes are recorded under callID and any shared model
// that changed is propagated to the other trees.
func (t *Tile) ApplyPatchesFromManager(ctx context.Context, entryID, callID string, patches []patch.Patch) error {
	var rec = history.TreePatchRecord{TreeID: t.id}
	var changedShared []SharedSnapshot

	t.mu.Lock()
	for _, p := range patches {
		value := targetValue(p)
		fwd, inv, err := t.doc.Set(p.Path, value)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		if fwd == nil {
			continue
		}
		rec.Patches = append(rec.Patches, fwd...)
		rec.InversePatches = append(rec.InversePatches, inv...)
		if modelID, ok := strings.CutPrefix(p.Path, sharedPrefix); ok {
			changedShared = append(changedShared, SharedSnapshot{ModelID: modelID, Value: value})
		}
	}
	t.mu.Unlock()

	if err := t.api.AddTreePatchRecord(entryID, callID, rec); err != nil {
		return err
	}
	var errs []error
	for _, snap := range changedShared {
		if err := t.api.UpdateSharedModel(ctx, entryID, callID, t.id, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// targetValue is the value p leaves at its path. Nil means absent.
func targetValue(p patch.Patch) json.RawMessage {
	if p.IsRemove() {
		return nil
	}
	if p.Value == nil {
		return json.RawMessage("null")
	}
	return p.Value
}
