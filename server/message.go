package server

import (
	"encoding/json"

	"github.com/alimasry/go-collab-history/history"
	"github.com/alimasry/go-collab-history/patch"
	"github.com/alimasry/go-collab-history/tile"
)

// Message types exchanged over WebSocket.
const (
	MsgJoin  = "join"
	MsgLeave = "leave"
	MsgDoc   = "doc"
	MsgAck   = "ack"
	MsgError = "error"

	// Client to server.
	MsgAddHistoryEntry   = "addHistoryEntry"
	MsgStartCall         = "startCall"
	MsgEndCall           = "endCall"
	MsgAddPatchRecord    = "addPatchRecord"
	MsgUpdateSharedModel = "updateSharedModel"
	MsgUndo              = "undo"
	MsgRedo              = "redo"
	MsgApplied           = "applied"

	// Server to client.
	MsgApplySnapshot = "applySnapshot"
	MsgApplyPatches  = "applyPatches"
)

// ClientMessage is a message from client to server. RequestID is echoed in
// the matching ack or error.
type ClientMessage struct {
	Type       string                   `json:"type"`
	RequestID  string                   `json:"requestId,omitempty"`
	DocID      string                   `json:"docId,omitempty"`
	TreeID     string                   `json:"treeId,omitempty"`
	Name       string                   `json:"name,omitempty"`
	EntryID    string                   `json:"entryId,omitempty"`
	CallID     string                   `json:"callId,omitempty"`
	ActionName string                   `json:"actionName,omitempty"`
	Undoable   bool                     `json:"undoable,omitempty"`
	Record     *history.TreePatchRecord `json:"record,omitempty"`
	Snapshot   *tile.SharedSnapshot     `json:"snapshot,omitempty"`
	// Error is set on an applied message when the tile failed.
	Error string `json:"error,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type      string                     `json:"type"`
	RequestID string                     `json:"requestId,omitempty"`
	DocID     string                     `json:"docId,omitempty"`
	ClientID  string                     `json:"clientId,omitempty"`
	Name      string                     `json:"name,omitempty"`
	Color     string                     `json:"color,omitempty"`
	EntryID   string                     `json:"entryId,omitempty"`
	CallID    string                     `json:"callId,omitempty"`
	Snapshot  *tile.SharedSnapshot       `json:"snapshot,omitempty"`
	Patches   []patch.Patch              `json:"patches,omitempty"`
	Shared    map[string]json.RawMessage `json:"shared,omitempty"`
	CanUndo   bool                       `json:"canUndo"`
	CanRedo   bool                       `json:"canRedo"`
	Message   string                     `json:"message,omitempty"`
	Clients   []ClientInfo               `json:"clients,omitempty"`
}

// ClientInfo describes a connected tile.
type ClientInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
