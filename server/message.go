package server

import "encoding/json"

// Message types exchanged over the WebSocket subscription channel.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgSteps       = "steps"
	MsgError       = "error"
)

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId,omitempty"`
	Version int    `json:"version"`
}

// ServerMessage is a message from server to client. For MsgSteps, Steps and
// ClientIDs are parallel arrays in version order and Version is the version
// of the last step carried.
type ServerMessage struct {
	Type      string   `json:"type"`
	DocID     string   `json:"docId,omitempty"`
	Version   int      `json:"version"`
	Steps     []string `json:"steps,omitempty"`
	ClientIDs []string `json:"clientIds,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// REST request/response bodies.

type createRequest struct {
	Content string `json:"content"`
}

type versionResponse struct {
	Version int `json:"version"`
}

type snapshotResponse struct {
	Content *string `json:"content"`
	Version int     `json:"version"`
}

type stepsResponse struct {
	Steps     []string `json:"steps"`
	ClientIDs []string `json:"clientIds"`
	Version   int      `json:"version"`
}

type submitStepsRequest struct {
	ClientID string   `json:"clientId"`
	Version  int      `json:"version"`
	Steps    []string `json:"steps"`
}

type submitStepsResponse struct {
	Status    string   `json:"status"`
	Steps     []string `json:"steps,omitempty"`
	ClientIDs []string `json:"clientIds,omitempty"`
}

type submitSnapshotRequest struct {
	Version        int    `json:"version"`
	Content        string `json:"content"`
	PruneSnapshots bool   `json:"pruneSnapshots,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
