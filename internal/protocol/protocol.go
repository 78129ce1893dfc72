// Package protocol defines the JSON message schema exchanged over the
// collaboration websocket, grounded on the donor's {type, payload}
// envelope handling in server.go and its MsgType* constants in
// models.go, generalized from the donor's two message types
// ("presence", "update") to the full sync protocol.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/collabcore/server/internal/models"
)

// MessageType names one of the frames exchanged over the websocket.
type MessageType string

const (
	TypeJoinRoom       MessageType = "join_room"
	TypeRoomJoined     MessageType = "room_joined"
	TypeSyncStep1      MessageType = "sync_step1"
	TypeSyncStep2      MessageType = "sync_step2"
	TypeUpdate         MessageType = "update"
	TypeCursorUpdate   MessageType = "cursor_update"
	TypeUserJoined     MessageType = "user_joined"
	TypeUserLeft       MessageType = "user_left"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"
	TypeRecoveryResult MessageType = "recovery_result"
)

// ErrorCode enumerates the failure reasons spec.md §7 defines.
type ErrorCode string

const (
	ErrAuthFailed   ErrorCode = "AuthFailed"
	ErrUserNotFound ErrorCode = "UserNotFound"
	ErrNotFound     ErrorCode = "NotFound"
	ErrAccessDenied ErrorCode = "AccessDenied"
	ErrNotInRoom    ErrorCode = "NotInRoom"
	ErrUpdateFailed ErrorCode = "UpdateFailed"
	ErrServerError  ErrorCode = "ServerError"
)

// Envelope is the outer frame every message is wrapped in: a type tag
// plus an opaque payload decoded according to that tag.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps payload in an Envelope tagged with msgType.
func Encode(msgType MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// PendingUpdate is one update a client buffered locally while
// disconnected, submitted for recovery alongside join_room.
type PendingUpdate struct {
	Update         []byte `json:"update"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// JoinRoomPayload is the client's request to join a document's room.
// PendingUpdates carries any updates the client buffered while offline,
// staged into the server-side offline queue and drained immediately
// after room_joined (spec.md §4.7).
type JoinRoomPayload struct {
	DocumentID     models.DocumentId `json:"documentId"`
	ClientID       models.ClientId   `json:"clientId"`
	Token          string            `json:"token"`
	PendingUpdates []PendingUpdate   `json:"pendingUpdates,omitempty"`
}

// MemberInfo describes one active session in room_joined's member list.
type MemberInfo struct {
	ClientID models.ClientId `json:"clientId"`
	UserID   models.UserId   `json:"userId"`
	Name     string          `json:"name,omitempty"`
	Color    string          `json:"color,omitempty"`
}

// RoomJoinedPayload is sent once to a newly admitted client.
type RoomJoinedPayload struct {
	DocumentID  models.DocumentId `json:"documentId"`
	ClientID    models.ClientId   `json:"clientId"`
	Users       []MemberInfo      `json:"users"`
	DocState    []byte            `json:"docState"`
	LamportTime uint64            `json:"lamportTime"`
}

// SyncStep1Payload carries a client's state vector so the server can
// compute the minimal delta to bring it up to date.
type SyncStep1Payload struct {
	StateVector []byte          `json:"stateVector"`
	ClientID    models.ClientId `json:"clientId"`
}

// SyncStep2Payload answers sync_step1 with the computed delta.
type SyncStep2Payload struct {
	Update   []byte          `json:"update"`
	ClientID models.ClientId `json:"clientId"`
}

// UpdatePayload carries one CRDT update, client→server or server→client.
type UpdatePayload struct {
	Update      []byte          `json:"update"`
	ClientID    models.ClientId `json:"clientId"`
	LamportTime uint64          `json:"lamportTime,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
}

// CursorUpdatePayload carries presence/cursor state, either direction.
type CursorUpdatePayload struct {
	ClientID  models.ClientId    `json:"clientId"`
	UserID    models.UserId      `json:"userId,omitempty"`
	Position  uint32             `json:"position"`
	Selection *models.Selection  `json:"selection,omitempty"`
	Color     string             `json:"color,omitempty"`
	Name      string             `json:"name,omitempty"`
}

// MembershipPayload carries user_joined / user_left notifications.
type MembershipPayload struct {
	ClientID models.ClientId `json:"clientId"`
	UserID   models.UserId   `json:"userId"`
	Name     string          `json:"name,omitempty"`
	Color    string          `json:"color,omitempty"`
}

// RecoveryResultPayload reports how the offline queue drain at join went,
// spec.md §4.7's "recovered: count applied, conflicts: count failed".
type RecoveryResultPayload struct {
	ClientID  models.ClientId `json:"clientId"`
	Recovered int             `json:"recovered"`
	Conflicts int             `json:"conflicts"`
}

// ErrorPayload carries a server-side failure back to the originating client.
type ErrorPayload struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
}

// EncodeError is a convenience wrapper that encodes an error frame for
// the common "fail this message" path.
func EncodeError(code ErrorCode, message string) ([]byte, error) {
	return Encode(TypeError, ErrorPayload{Message: message, Code: code})
}
