package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alimasry/go-collab-history/history"
	"github.com/alimasry/go-collab-history/store"
)

// Config configures the sessions a Hub creates.
type Config struct {
	History        history.Config
	TracingEnabled bool
	// ApplyTimeout bounds how long a client may take to answer an
	// applySnapshot or applyPatches message.
	ApplyTimeout time.Duration
	Logger       *slog.Logger
}

type joinRequest struct {
	client *Client
	docID  string
	// The tree id names the tile in history entries, so a reconnecting
	// tile can claim its old id to stay undoable. Empty keeps the
	// client's generated id and name.
	treeID string
	name   string
}

// Hub manages document sessions and routes clients to the right session.
type Hub struct {
	archive  store.HistoryStore
	cfg      Config
	logger   *slog.Logger
	sessions map[string]*Session
	mu       sync.RWMutex

	joinDoc chan joinRequest
}

// NewHub creates a hub that archives closed history entries in archive.
// A nil archive keeps history in memory only.
func NewHub(archive store.HistoryStore, cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	return &Hub{
		archive:  archive,
		cfg:      cfg,
		logger:   logger.With("component", "server.Hub"),
		sessions: make(map[string]*Session),
		joinDoc:  make(chan joinRequest, 64),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for req := range h.joinDoc {
		h.handleJoinDoc(req)
	}
}

func (h *Hub) handleJoinDoc(req joinRequest) {
	if req.docID == "" {
		req.client.joinFailed()
		req.client.sendError("", "docId is required")
		return
	}

	h.mu.Lock()
	s, ok := h.sessions[req.docID]
	if !ok {
		archived, err := h.loadArchive(req.docID)
		if err != nil {
			h.logger.Error("loading history", slog.String("doc_id", req.docID), slog.Any("error", err))
			h.mu.Unlock()
			req.client.joinFailed()
			req.client.sendError("", "failed to load document history")
			return
		}

		s, err = newSession(req.docID, archived, h.cfg, h.archive, h.logger)
		if err != nil {
			h.logger.Error("creating session", slog.String("doc_id", req.docID), slog.Any("error", err))
			h.mu.Unlock()
			req.client.joinFailed()
			req.client.sendError("", "failed to create session")
			return
		}
		h.sessions[req.docID] = s
		go s.Run()
		h.logger.Info("session started",
			slog.String("doc_id", req.docID),
			slog.Int("archived_entries", len(archived)),
		)
	}
	h.mu.Unlock()

	select {
	case s.join <- req:
	case <-s.done:
		req.client.joinFailed()
		req.client.sendError("", "document session closed")
	}
}

func (h *Hub) loadArchive(docID string) ([]history.Entry, error) {
	if h.archive == nil {
		return nil, nil
	}
	entries, err := h.archive.GetEntries(context.Background(), docID, 0)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return entries, err
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}

// Shutdown stops every session and waits for in-flight fan-outs and
// replays to return.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		close(s.stop)
	}
	for _, s := range sessions {
		<-s.done
	}
}
