package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alimasry/go-collab-history/container"
	"github.com/alimasry/go-collab-history/history"
	"github.com/alimasry/go-collab-history/store"
	"github.com/alimasry/go-collab-history/tile"
)

// MirrorTreeID is the id of the server-side tile that mirrors a document's
// shared models for clients that join later.
const MirrorTreeID = "server"

type request struct {
	client *Client
	msg    ClientMessage
}

// Session manages collaboration for a single document. Membership and
// non-blocking history calls are serialized through a single goroutine;
// fan-outs and replays run on their own goroutines because they wait for
// remote tiles.
type Session struct {
	docID     string
	container *container.Container[tile.SharedSnapshot]
	mirror    *tile.Tile
	archive   store.HistoryStore
	clients   map[*Client]bool
	logger    *slog.Logger

	archiveMu sync.Mutex
	seq       int // entries archived so far

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	incoming chan request
	join     chan joinRequest
	leave    chan *Client
	stop     chan struct{}
	done     chan struct{}
}

// newSession rebuilds a document's history from its archived entries.
func newSession(docID string, archived []history.Entry, cfg Config, archive store.HistoryStore, logger *slog.Logger) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		docID:    docID,
		archive:  archive,
		clients:  make(map[*Client]bool),
		logger:   logger.With("component", "server.Session", "doc_id", docID),
		seq:      len(archived),
		ctx:      ctx,
		cancel:   cancel,
		incoming: make(chan request, 64),
		join:     make(chan joinRequest, 16),
		leave:    make(chan *Client, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.container = container.New[tile.SharedSnapshot](container.Config{
		History: cfg.History,
		HistoryOptions: []history.Option{
			history.WithLogger(s.logger),
			history.WithClosedHook(s.archiveEntry),
		},
		TracingEnabled: cfg.TracingEnabled,
		Logger:         s.logger,
	})
	if err := s.container.Store().Restore(archived); err != nil {
		cancel()
		return nil, fmt.Errorf("restore %q: %w", docID, err)
	}
	s.mirror = tile.New(MirrorTreeID, s.container)
	if err := s.mirror.Load(archived); err != nil {
		cancel()
		return nil, err
	}
	if err := s.container.RegisterTree(MirrorTreeID, s.mirror); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Run is the session's main loop.
func (s *Session) Run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.join:
			s.handleJoin(req)
		case c := <-s.leave:
			s.handleLeave(c)
		case req := <-s.incoming:
			s.handleRequest(req)
		case <-s.stop:
			s.cancel()
			s.wg.Wait()
			return
		}
	}
}

// archiveEntry runs when an entry closes.
func (s *Session) archiveEntry(e history.Entry) {
	if s.archive == nil {
		return
	}
	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()
	if err := s.archive.AppendEntry(context.Background(), s.docID, e, s.seq); err != nil {
		s.logger.Error("archiving history entry",
			slog.String("entry_id", e.ID),
			slog.Int("seq", s.seq),
			slog.Any("error", err),
		)
		return
	}
	s.seq++
}

// handleJoin registers the client as a tree under the id it claimed. The
// client is not reachable by any other goroutine until it is registered,
// so its id and name only change here.
func (s *Session) handleJoin(req joinRequest) {
	c := req.client
	c.mu.Lock()
	prevID, prevName := c.ID, c.Name
	if req.treeID != "" {
		c.ID = req.treeID
	}
	if req.name != "" {
		c.Name = req.name
	}
	c.mu.Unlock()

	if err := s.container.RegisterTree(c.ID, c); err != nil {
		c.mu.Lock()
		c.ID, c.Name = prevID, prevName
		c.joining = false
		c.mu.Unlock()
		c.sendError("", err.Error())
		return
	}
	s.clients[c] = true
	c.mu.Lock()
	c.session = s
	c.joining = false
	c.logger = s.logger.With("client_id", c.ID)
	c.mu.Unlock()

	// Send the shared models and the other tiles to the joining client.
	hist := s.container.Store()
	c.sendMsg(ServerMessage{
		Type:    MsgDoc,
		DocID:   s.docID,
		Shared:  s.mirror.SharedModels(),
		Clients: s.clientInfos(),
		CanUndo: hist.CanUndo(),
		CanRedo: hist.CanRedo(),
	})

	for other := range s.clients {
		if other != c {
			other.sendMsg(ServerMessage{
				Type:     MsgJoin,
				ClientID: c.ID,
				Name:     c.Name,
				Color:    c.Color,
			})
		}
	}
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	s.container.UnregisterTree(c.ID)
	c.close()

	for other := range s.clients {
		other.sendMsg(ServerMessage{
			Type:     MsgLeave,
			ClientID: c.ID,
		})
	}
}

func (s *Session) handleRequest(req request) {
	c, msg := req.client, req.msg
	if !s.clients[c] {
		return
	}
	switch msg.Type {
	case MsgApplied:
		if !c.resolve(msg.CallID, msg.Error) {
			c.log().Warn("applied message for unknown call", slog.String("call_id", msg.CallID))
		}
		return
	case MsgUpdateSharedModel, MsgUndo, MsgRedo:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reply(c, msg, s.runBlocking(c, msg))
		}()
		return
	}
	s.reply(c, msg, s.runImmediate(c, msg))
}

// runImmediate handles the history calls that never wait on a tree.
// A client always acts as its own tree.
func (s *Session) runImmediate(c *Client, msg ClientMessage) error {
	switch msg.Type {
	case MsgAddHistoryEntry:
		return s.container.AddHistoryEntry(s.ctx, msg.EntryID, msg.CallID, c.ID, msg.ActionName, msg.Undoable)
	case MsgStartCall:
		return s.container.StartHistoryEntryCall(s.ctx, msg.EntryID, msg.CallID)
	case MsgEndCall:
		return s.container.EndHistoryEntryCall(s.ctx, msg.EntryID, msg.CallID)
	case MsgAddPatchRecord:
		if msg.Record == nil {
			return errors.New("addPatchRecord without record")
		}
		rec := *msg.Record
		rec.TreeID = c.ID
		return s.container.AddTreePatchRecord(msg.EntryID, msg.CallID, rec)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *Session) runBlocking(c *Client, msg ClientMessage) error {
	switch msg.Type {
	case MsgUpdateSharedModel:
		if msg.Snapshot == nil {
			return errors.New("updateSharedModel without snapshot")
		}
		return s.container.UpdateSharedModel(s.ctx, msg.EntryID, msg.CallID, c.ID, *msg.Snapshot)
	case MsgUndo:
		return s.container.Undo(s.ctx)
	default:
		return s.container.Redo(s.ctx)
	}
}

func (s *Session) reply(c *Client, msg ClientMessage, err error) {
	if err != nil {
		c.log().Debug("request failed",
			slog.String("type", msg.Type),
			slog.String("entry_id", msg.EntryID),
			slog.Any("error", err),
		)
		c.sendError(msg.RequestID, err.Error())
		return
	}
	hist := s.container.Store()
	c.sendMsg(ServerMessage{
		Type:      MsgAck,
		RequestID: msg.RequestID,
		EntryID:   msg.EntryID,
		CanUndo:   hist.CanUndo(),
		CanRedo:   hist.CanRedo(),
	})
}

func (s *Session) clientInfos() []ClientInfo {
	infos := make([]ClientInfo, 0, len(s.clients))
	for c := range s.clients {
		infos = append(infos, c.Info())
	}
	return infos
}
