// Package signal implements the control-message model and the relay client:
// typed messages exchanged through the per-room mailbox service, a polling
// (or WebSocket) inbound stream with at-least-once dedup, and best-effort
// outbound sends.
package signal

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of control message exchanged via the relay
type MessageType string

const (
	TypeUserJoined   MessageType = "user-joined"
	TypeUserLeft     MessageType = "user-left"
	TypeIncomingCall MessageType = "incoming-call"
	TypeCalleeJoined MessageType = "callee-joined"
	TypeOffer        MessageType = "webrtc-offer"
	TypeAnswer       MessageType = "webrtc-answer"
	TypeCandidate    MessageType = "ice-candidate"
	TypeCallEnded    MessageType = "call-ended"
	TypeCallRejected MessageType = "call-rejected"
)

// IsPresence reports whether the type is a pure presence event that is not
// relevant to call signaling and is filtered before delivery to the consumer.
func (t MessageType) IsPresence() bool {
	return t == TypeUserJoined || t == TypeUserLeft
}

// Message is the unit exchanged via the relay mailbox.
// Timestamp is sender-assigned (milliseconds) and forms the dedup key
// together with Type and From. Delivery is at-least-once and may be
// reordered across polls; consumers must be idempotent.
type Message struct {
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	RoomID    string          `json:"roomId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// DedupKey returns the identity used to suppress duplicate deliveries.
func (m Message) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", m.Type, m.From, m.Timestamp)
}

// JoinRequest is the body of POST /api/join
type JoinRequest struct {
	UserID   string `json:"userId"`
	RoomID   string `json:"roomId"`
	UserType string `json:"userType"`
}

// RoomUser describes one participant in a room
type RoomUser struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	JoinedAt int64  `json:"joinedAt"`
}

// RoomState is returned on join and by GET /api/room
type RoomState struct {
	RoomID string     `json:"roomId"`
	Users  []RoomUser `json:"users"`
}

// JoinResponse is the body returned by POST /api/join
type JoinResponse struct {
	Success   bool      `json:"success"`
	RoomState RoomState `json:"roomState"`
}

// PollResponse is the body returned by GET /api/poll
type PollResponse struct {
	Messages  []Message `json:"messages"`
	Timestamp int64     `json:"timestamp"`
}

// SendResponse is the body returned by POST /api/message
type SendResponse struct {
	Success   bool  `json:"success"`
	MessageID int64 `json:"messageId"`
}

// LeaveRequest is the body of POST /api/leave
type LeaveRequest struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// PingRequest is the body of POST /api/ping
type PingRequest struct {
	UserID string `json:"userId"`
}

// RoomInfo is the body returned by GET /api/room
type RoomInfo struct {
	RoomID       string     `json:"roomId"`
	Users        []RoomUser `json:"users"`
	Exists       bool       `json:"exists"`
	MessageCount int        `json:"messageCount"`
}

// ErrorResponse is the body returned on request failures
type ErrorResponse struct {
	Error string `json:"error"`
}
