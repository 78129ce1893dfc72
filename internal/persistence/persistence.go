// Package persistence implements the Room's durability contract from
// spec.md §4.6: an append-only operation log written best-effort on
// every accepted update, and periodic full-state checkpoints that let
// a Room reconstruct its CRDT state from a snapshot plus the operations
// recorded after it (I7). Grounded on the donor's saveSnapshot/
// LoadSnapshot in internal/collab/room.go and DB.SaveSnapshot/
// GetLatestSnapshot: the donor never kept an operation log at all, so
// the read-path replay logic here is new.
package persistence

import (
	"context"
	"encoding/base64"

	"github.com/collabcore/server/internal/crdt"
	"github.com/collabcore/server/internal/db"
	"github.com/collabcore/server/internal/logger"
	"github.com/collabcore/server/internal/models"
)

// Adapter wraps the storage layer with the Room's load/write/checkpoint
// vocabulary, so internal/room never talks to internal/db directly.
type Adapter struct {
	db *db.DB
}

// New builds an Adapter over database.
func New(database *db.DB) *Adapter {
	return &Adapter{db: database}
}

// Load reconstructs a document's CRDT state: snapshot plus every
// operation recorded after it, applied in version order (I7). origin
// identifies the fresh Doc for any edits it originates itself (e.g.
// local repair), distinct from every client's own origin id.
func (a *Adapter) Load(ctx context.Context, docID models.DocumentId, origin string) (*crdt.Doc, int64, error) {
	state, version, err := a.db.GetLatestSnapshot(ctx, docID)
	if err != nil {
		return nil, 0, err
	}

	doc := crdt.NewDoc(origin)
	if len(state) > 0 {
		if _, err := doc.ApplyUpdate(state); err != nil {
			return nil, 0, err
		}
	}

	ops, err := a.db.GetOperationsSince(ctx, docID, version)
	if err != nil {
		return nil, 0, err
	}
	for _, op := range ops {
		update, err := decodeOperationUpdate(op)
		if err != nil {
			logger.Error("persistence: skipping unreadable operation doc=%d version=%d: %v", docID, op.Version, err)
			continue
		}
		if _, err := doc.ApplyUpdate(update); err != nil {
			logger.Error("persistence: failed to replay operation doc=%d version=%d: %v", docID, op.Version, err)
			continue
		}
		version = op.Version
	}

	return doc, version, nil
}

// RecordOperation appends one accepted update to the operation log.
// Best-effort per spec.md §4.6: failure is logged, never propagated,
// since the in-memory CRDT remains authoritative until the next
// checkpoint.
func (a *Adapter) RecordOperation(ctx context.Context, op *models.Operation) {
	if err := a.db.AddOperation(ctx, op); err != nil {
		logger.Error("persistence: failed to record operation doc=%d version=%d: %v", op.DocumentID, op.Version, err)
	}
}

// Checkpoint writes the CRDT's full current state as the document's new
// snapshot and advances its snapshot version.
func (a *Adapter) Checkpoint(ctx context.Context, docID models.DocumentId, doc *crdt.Doc, version int64) error {
	state := doc.EncodeStateAsUpdate()
	return a.db.UpdateDocumentSnapshot(ctx, docID, state, version)
}

// decodeOperationUpdate extracts the raw CRDT update bytes an Operation
// row carries. The log stores updates base64-encoded in UpdateB64 (the
// text-friendly column the schema uses for a byte blob); decode them
// back to the bytes internal/crdt.ApplyUpdate expects.
func decodeOperationUpdate(op *models.Operation) ([]byte, error) {
	return base64.StdEncoding.DecodeString(op.UpdateB64)
}
