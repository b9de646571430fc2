package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alimasry/go-collab-history/container"
	"github.com/alimasry/go-collab-history/history"
	"github.com/alimasry/go-collab-history/patch"
	"github.com/alimasry/go-collab-history/tile"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 512 * 1024
)

var (
	// ErrClientGone is returned for applications still pending when a
	// client disconnects.
	ErrClientGone = errors.New("client disconnected")
	// ErrClientSlow is returned when a client's send buffer is full.
	ErrClientSlow = errors.New("client send buffer full")
)

// Client represents a single WebSocket connection. Once joined it is a
// tree of its document's container: snapshots and replays are forwarded
// to the browser tile and complete when it answers with an applied message.
type Client struct {
	ID    string
	Name  string
	Color string

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	applyTimeout time.Duration

	// The session this client is currently in (nil if not joined).
	mu      sync.Mutex
	session *Session
	joining bool
	closed  bool
	pending map[string]chan error // call id -> applied result
}

var _ container.TreeAPI[tile.SharedSnapshot] = (*Client)(nil)

var (
	adjectives = []string{"Red", "Blue", "Green", "Gold", "Silver", "Purple", "Orange", "Teal", "Coral", "Jade"}
	animals    = []string{"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Crow", "Dove", "Seal"}
	colors     = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}
)

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	c := &Client{
		ID:           history.NewID(),
		Name:         adjectives[r.Intn(len(adjectives))] + " " + animals[r.Intn(len(animals))],
		Color:        colors[r.Intn(len(colors))],
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		applyTimeout: hub.cfg.ApplyTimeout,
		pending:      make(map[string]chan error),
	}
	c.logger = hub.logger.With("client_id", c.ID)
	return c
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) log() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// beginJoin reserves the client for one join. It reports false if the
// client already joined or has a join in flight.
func (c *Client) beginJoin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil || c.joining || c.closed {
		return false
	}
	c.joining = true
	return true
}

func (c *Client) joinFailed() {
	c.mu.Lock()
	c.joining = false
	c.mu.Unlock()
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		if s := c.currentSession(); s != nil {
			select {
			case s.leave <- c:
			case <-s.done:
			}
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log().Warn("read error", slog.Any("error", err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		s := c.currentSession()
		switch {
		case msg.Type == MsgJoin:
			if !c.beginJoin() {
				c.sendError(msg.RequestID, "already joined to a document")
				continue
			}
			c.hub.joinDoc <- joinRequest{client: c, docID: msg.DocID, treeID: msg.TreeID, name: msg.Name}
		case s == nil:
			c.sendError(msg.RequestID, "not joined to a document")
		default:
			select {
			case <-s.done:
				return
			default:
			}
			select {
			case s.incoming <- request{client: c, msg: msg}:
			case <-s.done:
				return
			}
		}
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMsg queues msg for the client. It reports false if the client has
// left or is too slow, in which case the message is dropped.
func (c *Client) sendMsg(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg.Encode():
		return true
	default:
		return false
	}
}

func (c *Client) sendError(requestID, message string) {
	c.sendMsg(ServerMessage{Type: MsgError, RequestID: requestID, Message: message})
}

func (c *Client) Info() ClientInfo {
	return ClientInfo{ID: c.ID, Name: c.Name, Color: c.Color}
}

// ApplySharedModelSnapshotFromContainer implements container.TreeAPI.
func (c *Client) ApplySharedModelSnapshotFromContainer(ctx context.Context, entryID, callID string, snap tile.SharedSnapshot) error {
	return c.call(ctx, callID, ServerMessage{
		Type:     MsgApplySnapshot,
		EntryID:  entryID,
		CallID:   callID,
		Snapshot: &snap,
	})
}

// ApplyPatchesFromManager implements history.Replayer.
func (c *Client) ApplyPatchesFromManager(ctx context.Context, entryID, callID string, patches []patch.Patch) error {
	return c.call(ctx, callID, ServerMessage{
		Type:    MsgApplyPatches,
		EntryID: entryID,
		CallID:  callID,
		Patches: patches,
	})
}

// call sends msg and waits for the applied message carrying callID.
func (c *Client) call(ctx context.Context, callID string, msg ServerMessage) error {
	result := make(chan error, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("tree %q: %w", c.ID, ErrClientGone)
	}
	c.pending[callID] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
	}()

	if !c.sendMsg(msg) {
		return fmt.Errorf("tree %q: %w", c.ID, ErrClientSlow)
	}

	ctx, cancel := context.WithTimeout(ctx, c.applyTimeout)
	defer cancel()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("tree %q: waiting for %s: %w", c.ID, msg.Type, ctx.Err())
	}
}

// resolve completes the pending call callID. An empty message means the
// tile applied it. It reports whether such a call was pending.
func (c *Client) resolve(callID, message string) bool {
	c.mu.Lock()
	result, ok := c.pending[callID]
	delete(c.pending, callID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	var err error
	if message != "" {
		err = fmt.Errorf("tree %q: %s", c.ID, message)
	}
	result <- err
	return true
}

// close stops all sends and fails every pending call.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.session = nil
	close(c.send)
	for callID, result := range c.pending {
		result <- fmt.Errorf("tree %q: %w", c.ID, ErrClientGone)
		delete(c.pending, callID)
	}
}
