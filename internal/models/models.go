// Package models defines the data model shared across the collaboration
// core and the metadata API.
package models

import "time"

// DocumentId identifies a document. Stable for the document's lifetime.
type DocumentId int64

// UserId identifies an authenticated user.
type UserId int64

// ClientId identifies one connection instance. Clients mint a new one on
// every reconnect, conventionally "${userId}-${epochMs}-${random}".
type ClientId string

// Permission roles, ordered weakest to strongest.
const (
	RoleView    = "view"
	RoleComment = "comment"
	RoleEdit    = "edit"
	RoleOwner   = "owner"
)

// RoleRank gives a total order over roles so callers can compare a minimum
// required role against a granted one.
var RoleRank = map[string]int{
	RoleView:    1,
	RoleComment: 2,
	RoleEdit:    3,
	RoleOwner:   4,
}

// CanEdit reports whether role grants edit access.
func CanEdit(role string) bool {
	return role == RoleOwner || role == RoleEdit
}

// User is an authenticated account, resolved from a verified OpenID.
type User struct {
	ID        UserId    `json:"id" db:"id"`
	OpenID    string    `json:"-" db:"open_id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Document is metadata-API owned, consumed read-only by the core.
type Document struct {
	ID              DocumentId `json:"id" db:"id"`
	Title           string     `json:"title" db:"title"`
	OwnerID         UserId     `json:"owner_id" db:"owner_id"`
	SnapshotState   []byte     `json:"-" db:"snapshot_state"`
	SnapshotVersion int64      `json:"-" db:"snapshot_version"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Permission records a user's access grant to a document.
type Permission struct {
	DocumentID DocumentId `json:"document_id" db:"document_id"`
	UserID     UserId     `json:"user_id" db:"user_id"`
	Role       string     `json:"role" db:"role"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Operation is a persisted, append-only record of one accepted update.
// (document, version) is unique and version increases strictly (I5).
type Operation struct {
	DocumentID  DocumentId        `db:"document_id"`
	ClientID    ClientId          `db:"client_id"`
	UserID      UserId            `db:"user_id"`
	UpdateB64   string            `db:"update_b64"`
	LamportTime uint64            `db:"lamport_time"`
	VectorClock map[string]uint64 `db:"vector_clock"`
	Version     int64             `db:"version"`
	CreatedAt   time.Time         `db:"created_at"`
}

// BufferedOp is one update accumulated in a Room since its last checkpoint.
type BufferedOp struct {
	Update    []byte
	ClientID  ClientId
	Timestamp time.Time
}

// OfflineQueueEntry is one update a client generated while disconnected,
// durably queued server-side until the client reconnects and drains it.
type OfflineQueueEntry struct {
	ClientID       ClientId   `db:"client_id"`
	DocumentID     DocumentId `db:"document_id"`
	Update         []byte     `db:"update_data"`
	SequenceNumber int64      `db:"sequence_number"`
}

// Selection is an optional text range accompanying a cursor, carried on
// the wire by protocol.CursorUpdatePayload.
type Selection struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// CreateDocumentRequest is the metadata-API request to create a document.
type CreateDocumentRequest struct {
	Title string `json:"title" binding:"required"`
}

// SetPermissionRequest is the metadata-API request to grant access.
type SetPermissionRequest struct {
	UserID UserId `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required,oneof=owner edit comment view"`
}

// LoginResponse is the metadata-API dev-login response.
type LoginResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}
