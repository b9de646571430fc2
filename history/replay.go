package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Undo reverts the most recent undoable entry.
//
// The replay is recorded as a new, non-undoable entry. Each record of the
// reverted entry is replayed on its tree under its own call, one at a time,
// newest record first, so trees see inverse patches in exactly the reverse
// of the order they were produced. Trees re-propagate shared-model changes
// through the container as usual.
//
// If a tree fails, replay stops, the reverted entry goes back on the undo
// stack and the error is returned. Trees that already replayed are not
// rolled back.
func (d *DocumentStore) Undo(ctx context.Context) error {
	return d.replay(ctx, OpUndo)
}

// Redo reapplies the most recently undone entry, oldest record first.
// Failure handling mirrors Undo.
func (d *DocumentStore) Redo(ctx context.Context) error {
	return d.replay(ctx, OpRedo)
}

func (d *DocumentStore) replay(ctx context.Context, op Operation) (err error) {
	d.replayMu.Lock()
	defer d.replayMu.Unlock()

	d.mu.Lock()
	var target *entry
	if op == OpUndo {
		target = d.undo.popUndo()
	} else {
		target = d.undo.popRedo()
	}
	if target == nil {
		d.mu.Unlock()
		if op == OpUndo {
			return ErrNothingToUndo
		}
		return ErrNothingToRedo
	}
	if target.state != StateClosed {
		d.restore(op, target)
		d.mu.Unlock()
		return fmt.Errorf("%s %q: %w", op, target.id, ErrEntryOpen)
	}
	records := slices.Clone(target.records)
	lookup := d.lookup
	d.mu.Unlock()

	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			d.mu.Lock()
			d.restore(op, target)
			d.mu.Unlock()
			err = fmt.Errorf("%s %q: %w", op, target.id, err)
		}
		replays.WithLabelValues(op.String(), result).Inc()
	}()

	if op == OpUndo {
		slices.Reverse(records)
	}

	entryID, callID := d.newID(), d.newID()
	if err := d.CreateHistoryEntry(entryID, callID, op.String(), ContainerTreeID, false); err != nil {
		return err
	}
	d.mark(entryID, func(e *entry) { e.replays = target.id })
	defer func() {
		if err != nil {
			d.mark(entryID, func(e *entry) { e.failed = true })
		}
		if cerr := d.CloseHistoryEntryCall(entryID, callID); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	d.logger.Info("replaying history entry",
		slog.String("op", op.String()),
		slog.String("target_id", target.id),
		slog.String("action", target.actionName),
		slog.String("entry_id", entryID),
		slog.Int("records", len(records)),
	)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.replayRecord(ctx, lookup, entryID, rec, op); err != nil {
			return err
		}
	}
	return nil
}

func (d *DocumentStore) replayRecord(ctx context.Context, lookup TreeLookup, entryID string, rec TreePatchRecord, op Operation) error {
	if lookup == nil {
		return fmt.Errorf("%w: %q (no tree lookup)", ErrUnknownTree, rec.TreeID)
	}
	tree, ok := lookup(rec.TreeID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTree, rec.TreeID)
	}
	callID := d.newID()
	if err := d.StartHistoryEntryCall(entryID, callID); err != nil {
		return err
	}
	applyErr := tree.ApplyPatchesFromManager(ctx, entryID, callID, rec.PatchesFor(op))
	closeErr := d.CloseHistoryEntryCall(entryID, callID)
	if applyErr != nil {
		return fmt.Errorf("tree %q: %w", rec.TreeID, applyErr)
	}
	return closeErr
}

func (d *DocumentStore) mark(entryID string, fn func(*entry)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[entryID]; ok {
		fn(e)
	}
}

// restore puts target back where replay popped it from. Caller holds d.mu.
func (d *DocumentStore) restore(op Operation, target *entry) {
	if op == OpUndo {
		d.undo.restoreUndo(target)
	} else {
		d.undo.restoreRedo(target)
	}
}
