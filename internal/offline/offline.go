// Package offline implements the server-side durable queue spec.md §4.7
// describes: updates a client generates while its session is considered
// disconnected are queued here, then drained into the normal update
// path on reconnect. The donor has no offline queue at all; this
// package is new, grounded only in the table shape spec.md §3 gives
// OfflineQueueEntry and the persistence idiom internal/persistence
// already establishes (a thin wrapper over internal/db).
package offline

import (
	"context"

	"github.com/collabcore/server/internal/db"
	"github.com/collabcore/server/internal/logger"
	"github.com/collabcore/server/internal/models"
)

// Applier applies one recovered update through the normal update path
// (internal/room.Room implements this) and reports whether it changed
// the document. A false with no error means the update was already
// reflected in the document's state: a conflict-free duplicate, not a
// failure, since the CRDT is idempotent.
type Applier interface {
	ApplyOfflineUpdate(ctx context.Context, clientID models.ClientId, update []byte) (applied bool, err error)
}

// Result reports how a reconnecting client's queue drain went.
type Result struct {
	Recovered int
	Conflicts int
}

// Enqueue durably queues update for clientID on docID with the next
// sequence number in the caller's series. Callers are responsible for
// keeping sequenceNumber strictly increasing per (clientId, documentId).
func Enqueue(ctx context.Context, database *db.DB, clientID models.ClientId, docID models.DocumentId, update []byte, sequenceNumber int64) error {
	return database.AddOfflineOperation(ctx, &models.OfflineQueueEntry{
		ClientID:       clientID,
		DocumentID:     docID,
		Update:         update,
		SequenceNumber: sequenceNumber,
	})
}

// Recover drains clientID's queued updates for docID in sequence order,
// applying each through applier, then clears the queue. Per spec.md
// §4.7: recovered counts every update that parsed and applied, whether
// or not it changed the document, since a no-op re-application of
// something the Room already has is the CRDT's idempotence working as
// intended, not a failure. conflicts counts only updates that failed to
// parse or apply.
func Recover(ctx context.Context, database *db.DB, applier Applier, clientID models.ClientId, docID models.DocumentId) (Result, error) {
	entries, err := database.GetOfflineQueue(ctx, clientID, docID)
	if err != nil {
		return Result{}, err
	}
	if len(entries) == 0 {
		return Result{}, nil
	}

	var res Result
	for _, entry := range entries {
		applied, err := applier.ApplyOfflineUpdate(ctx, clientID, entry.Update)
		if err != nil {
			logger.Error("offline: failed to apply queued update client=%s doc=%d seq=%d: %v", clientID, docID, entry.SequenceNumber, err)
			res.Conflicts++
			continue
		}
		if !applied {
			logger.Debug("offline: queued update client=%s doc=%d seq=%d was already reflected in document state", clientID, docID, entry.SequenceNumber)
		}
		res.Recovered++
	}

	if err := database.ClearOfflineQueue(ctx, clientID, docID); err != nil {
		logger.Error("offline: failed to clear drained queue client=%s doc=%d: %v", clientID, docID, err)
	}
	return res, nil
}
