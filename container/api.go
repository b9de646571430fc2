package container

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/alimasry/go-collab-history/history"
)

// API is the surface trees call into. S is the shared-model snapshot type;
// the container never looks inside it.
type API[S any] interface {
	// UpdateSharedModel applies snapshot to every registered tree except
	// sourceTreeID, each under a new call of entryID, and returns once all
	// applications have finished. callID stays open; the caller closes it.
	UpdateSharedModel(ctx context.Context, entryID, callID, sourceTreeID string, snapshot S) error
	AddHistoryEntry(ctx context.Context, entryID, callID, treeID, actionName string, undoable bool) error
	AddTreePatchRecord(entryID, callID string, record history.TreePatchRecord) error
	StartHistoryEntryCall(ctx context.Context, entryID, callID string) error
	EndHistoryEntryCall(ctx context.Context, entryID, callID string) error
}

// TreeAPI is what the container requires of every registered tree.
//
// ApplySharedModelSnapshotFromContainer must leave the tree's copy of the
// shared model equal to snapshot, must return only after the tree has
// recorded its own patches under callID, and must not call
// UpdateSharedModel for the snapshot it was given.
type TreeAPI[S any] interface {
	history.Replayer
	ApplySharedModelSnapshotFromContainer(ctx context.Context, entryID, callID string, snapshot S) error
}

var (
	// ErrPropagation is matched by every error UpdateSharedModel returns
	// after at least one tree failed to apply a snapshot.
	ErrPropagation = errors.New("shared model propagation failed")

	ErrTreeExists = errors.New("tree already registered")
)

// PropagationError reports which trees failed during one fan-out. Trees
// that applied the snapshot successfully are not rolled back.
type PropagationError struct {
	EntryID      string
	SourceTreeID string
	Failed       map[string]error
}

func (e *PropagationError) Error() string {
	ids := slices.Sorted(maps.Keys(e.Failed))
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s: %v", id, e.Failed[id])
	}
	return fmt.Sprintf("%v for entry %q from %q (%s)", ErrPropagation, e.EntryID, e.SourceTreeID, strings.Join(parts, "; "))
}

func (e *PropagationError) Unwrap() []error {
	errs := []error{ErrPropagation}
	for _, id := range slices.Sorted(maps.Keys(e.Failed)) {
		errs = append(errs, e.Failed[id])
	}
	return errs
}
