package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alimasry/go-collab-history/patch"
)

// Replayer is the part of a tree that undo and redo replay drives.
type Replayer interface {
	ApplyPatchesFromManager(ctx context.Context, entryID, callID string, patches []patch.Patch) error
}

// TreeLookup resolves a tree id to the tree that must replay its records.
type TreeLookup func(treeID string) (Replayer, bool)

// Config bounds how much history a DocumentStore keeps.
type Config struct {
	// MaxUndoDepth caps the undo stack. Oldest entries are evicted first.
	// Zero means unbounded.
	MaxUndoDepth int `yaml:"max_undo_depth"`

	// MaxRetainedEntries caps how many entries are kept in total. Only
	// closed entries that are not on the undo or redo stack are trimmed,
	// so the cap can be exceeded while many entries are open. Zero means
	// unbounded.
	MaxRetainedEntries int `yaml:"max_retained_entries"`
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxUndoDepth:       100,
		MaxRetainedEntries: 1000,
	}
}

// Option configures a DocumentStore.
type Option func(*DocumentStore)

// WithTreeLookup sets how replay finds trees.
func WithTreeLookup(lookup TreeLookup) Option {
	return func(d *DocumentStore) { d.lookup = lookup }
}

// WithLogger overrides the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DocumentStore) { d.logger = logger }
}

// WithClosedHook registers fn to run, outside the store lock, each time an
// entry closes.
func WithClosedHook(fn func(Entry)) Option {
	return func(d *DocumentStore) { d.hooks = append(d.hooks, fn) }
}

// WithIDGenerator overrides NewID for replay entries and calls.
func WithIDGenerator(fn func() string) Option {
	return func(d *DocumentStore) { d.newID = fn }
}

// DocumentStore is the authoritative record of history entries for one
// document and the source of its undo and redo stacks.
//
// All methods are safe for concurrent use. The store lock is never held
// while a tree is called.
type DocumentStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []*entry // creation order
	undo    undoStore

	replayMu sync.Mutex // serializes undo and redo

	config Config
	lookup TreeLookup
	hooks  []func(Entry)
	newID  func() string
	logger *slog.Logger
}

// NewDocumentStore creates an empty store.
func NewDocumentStore(cfg Config, opts ...Option) *DocumentStore {
	d := &DocumentStore{
		entries: make(map[string]*entry),
		undo:    undoStore{maxDepth: cfg.MaxUndoDepth},
		config:  cfg,
		newID:   NewID,
		logger:  slog.Default().With("component", "history.DocumentStore"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateHistoryEntry creates an open entry whose only open call is callID.
func (d *DocumentStore) CreateHistoryEntry(entryID, callID, actionName, treeID string, undoable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[entryID]; exists {
		return d.violation("duplicate_entry", fmt.Errorf("%w: %q", ErrDuplicateEntry, entryID))
	}
	e := newEntry(entryID, callID, actionName, treeID, undoable)
	d.entries[entryID] = e
	d.order = append(d.order, e)

	entriesCreated.Inc()
	entriesOpen.Inc()
	callsStarted.Inc()
	d.logger.Debug("history entry created",
		slog.String("entry_id", entryID),
		slog.String("call_id", callID),
		slog.String("action", actionName),
		slog.String("tree_id", treeID),
		slog.Bool("undoable", undoable),
	)
	return nil
}

// AddPatchesToHistoryEntry appends record to the entry. The call must have
// been started and not yet closed. A record without patches is dropped.
func (d *DocumentStore) AddPatchesToHistoryEntry(entryID, callID string, record TreePatchRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[entryID]
	if !ok {
		return d.violation("unknown_entry", fmt.Errorf("add patches: %w: %q", ErrUnknownEntry, entryID))
	}
	if !e.isOpen(callID) {
		return d.violation("unknown_call", fmt.Errorf("add patches to %q: %w: %q", entryID, ErrUnknownCall, callID))
	}
	if record.empty() {
		return nil
	}
	record.CallID = callID
	e.records = append(e.records, record)
	return nil
}

// StartHistoryEntryCall opens another call on an existing open entry.
// Reusing a call id, even one already closed, is an error.
func (d *DocumentStore) StartHistoryEntryCall(entryID, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[entryID]
	if !ok {
		return d.violation("unknown_entry", fmt.Errorf("start call: %w: %q", ErrUnknownEntry, entryID))
	}
	if e.state == StateClosed {
		return d.violation("entry_closed", fmt.Errorf("start call %q: %w: %q", callID, ErrEntryClosed, entryID))
	}
	if _, used := e.usedCalls[callID]; used {
		return d.violation("duplicate_call", fmt.Errorf("start call on %q: %w: %q", entryID, ErrDuplicateCall, callID))
	}
	e.openCalls[callID] = struct{}{}
	e.usedCalls[callID] = struct{}{}
	callsStarted.Inc()
	return nil
}

// CloseHistoryEntryCall closes callID. When the last open call closes the
// entry closes: undoable entries move onto the undo stack and the closed
// hooks run. Closing a call twice returns ErrUnknownCall.
func (d *DocumentStore) CloseHistoryEntryCall(entryID, callID string) error {
	d.mu.Lock()
	e, ok := d.entries[entryID]
	if !ok {
		d.mu.Unlock()
		return d.violation("unknown_entry", fmt.Errorf("close call: %w: %q", ErrUnknownEntry, entryID))
	}
	if !e.isOpen(callID) {
		d.mu.Unlock()
		return d.violation("unknown_call", fmt.Errorf("close call on %q: %w: %q", entryID, ErrUnknownCall, callID))
	}
	delete(e.openCalls, callID)
	if len(e.openCalls) > 0 {
		d.mu.Unlock()
		return nil
	}

	e.state = StateClosed
	e.closedAt = time.Now()
	if e.undoable {
		for _, dropped := range d.undo.push(e) {
			d.forget(dropped)
		}
	}
	d.trim()
	closed := e.snapshot()
	hooks := d.hooks
	close(e.done)
	d.mu.Unlock()

	entriesOpen.Dec()
	entriesClosed.WithLabelValues(boolLabel(e.undoable)).Inc()
	d.logger.Debug("history entry closed",
		slog.String("entry_id", entryID),
		slog.String("action", closed.ActionName),
		slog.Int("records", len(closed.Records)),
	)
	for _, hook := range hooks {
		hook(closed)
	}
	return nil
}

// Restore seeds the store with previously archived entries, oldest first.
// Only closed entries are accepted. Archived undo and redo entries move the
// stacks again, so the restored store can undo and redo exactly what the
// archived one could.
func (d *DocumentStore) Restore(entries []Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, snap := range entries {
		if snap.State != StateClosed {
			return fmt.Errorf("restore %q: %w", snap.ID, ErrEntryOpen)
		}
		if _, exists := d.entries[snap.ID]; exists {
			return fmt.Errorf("restore: %w: %q", ErrDuplicateEntry, snap.ID)
		}
		e := restoredEntry(snap)
		d.entries[e.id] = e
		d.order = append(d.order, e)
		switch {
		case e.undoable:
			for _, dropped := range d.undo.push(e) {
				d.forget(dropped)
			}
		case e.replays != "" && !e.failed:
			d.replayed(e)
		}
	}
	d.trim()
	return nil
}

// replayed moves the undo stack the way the archived replay e did when it
// ran live. Caller holds d.mu.
func (d *DocumentStore) replayed(e *entry) {
	target, ok := d.entries[e.replays]
	if !ok {
		return
	}
	switch e.actionName {
	case OpUndo.String():
		if u := &d.undo; u.index > 0 && u.entries[u.index-1] == target {
			u.popUndo()
		}
	case OpRedo.String():
		if u := &d.undo; u.index < len(u.entries) && u.entries[u.index] == target {
			u.popRedo()
		}
	}
}

// Entry returns a snapshot of the entry with the given id.
func (d *DocumentStore) Entry(id string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Entries returns snapshots of all retained entries in creation order.
func (d *DocumentStore) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, len(d.order))
	for i, e := range d.order {
		out[i] = e.snapshot()
	}
	return out
}

// Done returns a channel that is closed when the entry closes, or nil if
// the entry is unknown.
func (d *DocumentStore) Done(id string) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[id]; ok {
		return e.done
	}
	return nil
}

// Wait blocks until the entry closes or ctx is done.
func (d *DocumentStore) Wait(ctx context.Context, id string) error {
	done := d.Done(id)
	if done == nil {
		return fmt.Errorf("wait: %w: %q", ErrUnknownEntry, id)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UndoEntries returns the undo stack, most recent first.
func (d *DocumentStore) UndoEntries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return snapshots(d.undo.undoable())
}

// RedoEntries returns the redo stack, next to redo first.
func (d *DocumentStore) RedoEntries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return snapshots(d.undo.redoable())
}

func (d *DocumentStore) CanUndo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.undo.index > 0
}

func (d *DocumentStore) CanRedo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.undo.index < len(d.undo.entries)
}

// forget drops e from the store. Caller holds d.mu.
func (d *DocumentStore) forget(e *entry) {
	delete(d.entries, e.id)
	for i, x := range d.order {
		if x == e {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// trim enforces MaxRetainedEntries. Caller holds d.mu.
func (d *DocumentStore) trim() {
	limit := d.config.MaxRetainedEntries
	if limit <= 0 || len(d.order) <= limit {
		return
	}
	excess := len(d.order) - limit
	kept := d.order[:0]
	for _, e := range d.order {
		if excess > 0 && e.state == StateClosed && !d.undo.contains(e) {
			delete(d.entries, e.id)
			excess--
			continue
		}
		kept = append(kept, e)
	}
	d.order = kept
}

func (d *DocumentStore) violation(kind string, err error) error {
	contractViolations.WithLabelValues(kind).Inc()
	d.logger.Warn("history contract violation", slog.String("kind", kind), slog.Any("error", err))
	return err
}

func snapshots(es []*entry) []Entry {
	out := make([]Entry, len(es))
	for i, e := range es {
		out[i] = e.snapshot()
	}
	return out
}
