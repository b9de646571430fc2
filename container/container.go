package container

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-collab-history/history"
)

// Config configures a Container.
type Config struct {
	History        history.Config
	HistoryOptions []history.Option
	TracingEnabled bool
	Logger         *slog.Logger
}

// Container is the coordinator between the trees of one document and its
// DocumentStore. It owns the tree registry and fans shared-model snapshots
// out to every tree but the one that produced them.
//
// All methods are safe for concurrent use.
type Container[S any] struct {
	mu    sync.RWMutex
	trees map[string]TreeAPI[S]

	store  *history.DocumentStore
	tracer *Tracer
	logger *slog.Logger
	newID  func() string
}

var _ API[struct{}] = (*Container[struct{}])(nil)

// New creates a container with an empty registry and its own
// DocumentStore. The store replays undo and redo on the registered trees.
func New[S any](cfg Config) *Container[S] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "container.Container")

	c := &Container[S]{
		trees:  make(map[string]TreeAPI[S]),
		tracer: NewTracer(logger, cfg.TracingEnabled),
		logger: logger,
		newID:  history.NewID,
	}
	opts := append(slices.Clone(cfg.HistoryOptions), history.WithTreeLookup(c.replayer))
	c.store = history.NewDocumentStore(cfg.History, opts...)
	return c
}

// Store returns the container's DocumentStore.
func (c *Container[S]) Store() *history.DocumentStore {
	return c.store
}

// RegisterTree adds tree under id.
func (c *Container[S]) RegisterTree(id string, tree TreeAPI[S]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.trees[id]; exists {
		return fmt.Errorf("%w: %q", ErrTreeExists, id)
	}
	c.trees[id] = tree
	registeredTrees.Inc()
	c.logger.Debug("tree registered", slog.String("tree_id", id))
	return nil
}

// UnregisterTree removes id. Fan-outs already in progress still finish on
// the removed tree.
func (c *Container[S]) UnregisterTree(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.trees[id]; !ok {
		return
	}
	delete(c.trees, id)
	registeredTrees.Dec()
	c.logger.Debug("tree unregistered", slog.String("tree_id", id))
}

// Tree returns the tree registered under id.
func (c *Container[S]) Tree(id string) (TreeAPI[S], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trees[id]
	return t, ok
}

// TreeIDs returns the registered tree ids in sorted order.
func (c *Container[S]) TreeIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.trees))
}

func (c *Container[S]) replayer(id string) (history.Replayer, bool) {
	t, ok := c.Tree(id)
	if !ok {
		return nil, false
	}
	return t, true
}

type target[S any] struct {
	treeID string
	callID string
	tree   TreeAPI[S]
}

// UpdateSharedModel implements API.
//
// Every target call is started before any tree is invoked, so the entry
// cannot close while any application is outstanding. Trees are invoked
// concurrently with no ordering between them. Each target call is closed
// when its application settles, whether it succeeded or not. If any tree
// fails the returned error is a *PropagationError.
func (c *Container[S]) UpdateSharedModel(ctx context.Context, entryID, callID, sourceTreeID string, snapshot S) (err error) {
	ctx, span := c.tracer.StartFanOut(ctx, entryID, sourceTreeID)
	start := time.Now()

	c.mu.RLock()
	targets := make([]target[S], 0, len(c.trees))
	for _, id := range slices.Sorted(maps.Keys(c.trees)) {
		if id == sourceTreeID {
			continue
		}
		targets = append(targets, target[S]{treeID: id, tree: c.trees[id]})
	}
	c.mu.RUnlock()

	defer func() {
		fanOutDuration.Observe(time.Since(start).Seconds())
		c.tracer.EndFanOut(span, len(targets), err)
	}()

	for i := range targets {
		targets[i].callID = c.newID()
		if err := c.store.StartHistoryEntryCall(entryID, targets[i].callID); err != nil {
			for _, started := range targets[:i] {
				c.closeCall(entryID, started.callID)
			}
			return fmt.Errorf("update shared model from %q: %w", sourceTreeID, err)
		}
	}

	c.logger.Debug("fanning out shared model",
		slog.String("entry_id", entryID),
		slog.String("call_id", callID),
		slog.String("source_tree_id", sourceTreeID),
		slog.Int("targets", len(targets)),
	)

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	for _, t := range targets {
		g.Go(func() error {
			defer c.closeCall(entryID, t.callID)
			if err := t.tree.ApplySharedModelSnapshotFromContainer(ctx, entryID, t.callID, snapshot); err != nil {
				fanOutApplications.WithLabelValues("error").Inc()
				mu.Lock()
				failed[t.treeID] = err
				mu.Unlock()
				return err
			}
			fanOutApplications.WithLabelValues("ok").Inc()
			return nil
		})
	}
	if g.Wait() == nil {
		return nil
	}

	perr := &PropagationError{EntryID: entryID, SourceTreeID: sourceTreeID, Failed: failed}
	c.logger.Warn("shared model propagation failed",
		slog.String("entry_id", entryID),
		slog.String("source_tree_id", sourceTreeID),
		slog.Any("error", perr),
	)
	return perr
}

// AddHistoryEntry implements API.
func (c *Container[S]) AddHistoryEntry(ctx context.Context, entryID, callID, treeID, actionName string, undoable bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.CreateHistoryEntry(entryID, callID, actionName, treeID, undoable)
}

// AddTreePatchRecord implements API.
func (c *Container[S]) AddTreePatchRecord(entryID, callID string, record history.TreePatchRecord) error {
	return c.store.AddPatchesToHistoryEntry(entryID, callID, record)
}

// StartHistoryEntryCall implements API.
func (c *Container[S]) StartHistoryEntryCall(ctx context.Context, entryID, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.StartHistoryEntryCall(entryID, callID)
}

// EndHistoryEntryCall implements API. It ignores ctx
// cancellation so a call can always be closed.
func (c *Container[S]) EndHistoryEntryCall(_ context.Context, entryID, callID string) error {
	return c.store.CloseHistoryEntryCall(entryID, callID)
}

// Undo reverts the most recent undoable entry across all trees.
func (c *Container[S]) Undo(ctx context.Context) (err error) {
	ctx, span := c.tracer.StartReplay(ctx, "undo")
	defer func() { c.tracer.EndReplay(span, "undo", err) }()
	return c.store.Undo(ctx)
}

// Redo reapplies the most recently undone entry across all trees.
func (c *Container[S]) Redo(ctx context.Context) (err error) {
	ctx, span := c.tracer.StartReplay(ctx, "redo")
	defer func() { c.tracer.EndReplay(span, "redo", err) }()
	return c.store.Redo(ctx)
}

func (c *Container[S]) closeCall(entryID, callID string) {
	if err := c.store.CloseHistoryEntryCall(entryID, callID); err != nil {
		c.logger.Error("closing fan-out call",
			slog.String("entry_id", entryID),
			slog.String("call_id", callID),
			slog.Any("error", err),
		)
	}
}
