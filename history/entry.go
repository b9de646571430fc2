package history

import (
	"slices"
	"time"

	"github.com/alimasry/go-collab-history/patch"
)

// State is the lifecycle state of an Entry.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Operation selects the direction of a replay.
type Operation int

const (
	OpUndo Operation = iota
	OpRedo
)

func (op Operation) String() string {
	if op == OpUndo {
		return "undo"
	}
	return "redo"
}

// TreePatchRecord is one tree's contribution to an entry, produced under a
// single call.
type TreePatchRecord struct {
	TreeID         string        `json:"treeId"`
	CallID         string        `json:"callId"`
	Patches        []patch.Patch `json:"patches"`
	InversePatches []patch.Patch `json:"inversePatches"`
}

// PatchesFor returns the patches to apply for op: the forward patches for
// redo, the inverse patches in reverse order for undo.
func (r TreePatchRecord) PatchesFor(op Operation) []patch.Patch {
	if op == OpUndo {
		return patch.Reverse(r.InversePatches)
	}
	return slices.Clone(r.Patches)
}

func (r TreePatchRecord) empty() bool {
	return len(r.Patches) == 0 && len(r.InversePatches) == 0
}

// Entry is a read-only snapshot of one logical user action across one or
// more trees.
type Entry struct {
	ID         string            `json:"id"`
	ActionName string            `json:"actionName"`
	TreeID     string            `json:"treeId"`
	Undoable   bool              `json:"undoable"`
	Records    []TreePatchRecord `json:"records"`
	OpenCalls  []string          `json:"openCalls,omitempty"`
	State      State             `json:"state"`
	CreatedAt  time.Time         `json:"createdAt"`
	ClosedAt   time.Time         `json:"closedAt,omitzero"`

	// Replays is set on undo and redo entries to the id of the entry they
	// replayed. Failed marks a replay that stopped part way.
	Replays string `json:"replays,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
}

// entry is the mutable record owned by the DocumentStore.
type entry struct {
	id         string
	actionName string
	treeID     string
	undoable   bool
	records    []TreePatchRecord
	state      State
	createdAt  time.Time
	closedAt   time.Time
	replays    string
	failed     bool

	openCalls map[string]struct{}
	usedCalls map[string]struct{} // every call id ever started, to reject reuse
	done      chan struct{}
}

func newEntry(id, callID, actionName, treeID string, undoable bool) *entry {
	return &entry{
		id:         id,
		actionName: actionName,
		treeID:     treeID,
		undoable:   undoable,
		state:      StateOpen,
		createdAt:  time.Now(),
		openCalls:  map[string]struct{}{callID: {}},
		usedCalls:  map[string]struct{}{callID: {}},
		done:       make(chan struct{}),
	}
}

// restoredEntry rebuilds a closed entry from an archived snapshot.
func restoredEntry(e Entry) *entry {
	done := make(chan struct{})
	close(done)
	return &entry{
		id:         e.ID,
		actionName: e.ActionName,
		treeID:     e.TreeID,
		undoable:   e.Undoable,
		records:    slices.Clone(e.Records),
		state:      StateClosed,
		createdAt:  e.CreatedAt,
		closedAt:   e.ClosedAt,
		replays:    e.Replays,
		failed:     e.Failed,
		openCalls:  map[string]struct{}{},
		usedCalls:  map[string]struct{}{},
		done:       done,
	}
}

func (e *entry) isOpen(callID string) bool {
	_, ok := e.openCalls[callID]
	return ok
}

func (e *entry) snapshot() Entry {
	calls := make([]string, 0, len(e.openCalls))
	for id := range e.openCalls {
		calls = append(calls, id)
	}
	slices.Sort(calls)
	return Entry{
		ID:         e.id,
		ActionName: e.actionName,
		TreeID:     e.treeID,
		Undoable:   e.undoable,
		Records:    slices.Clone(e.records),
		OpenCalls:  calls,
		State:      e.state,
		CreatedAt:  e.createdAt,
		ClosedAt:   e.closedAt,
		Replays:    e.replays,
		Failed:     e.failed,
	}
}
