// Package room implements the Room Registry and Room from spec.md
// §4.2–§4.3: the process-wide map from document to live Room, and the
// single-writer per-document state machine that owns the CRDT document,
// the member set, and the Lamport/vector clocks. Grounded on the
// donor's internal/collab/manager.go (RoomManager) and room.go (Room),
// generalized from a Yjs-passthrough relay into the full admit/leave/
// applyRemote/checkpoint lifecycle spec.md requires; the donor has
// neither a Lamport clock nor a vector clock.
package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/collabcore/server/internal/db"
	"github.com/collabcore/server/internal/logger"
	"github.com/collabcore/server/internal/models"
	"github.com/collabcore/server/internal/persistence"
	"github.com/collabcore/server/internal/redis"
)

// ErrNotFound is returned by getOrCreate when the document does not exist.
var ErrNotFound = fmt.Errorf("document not found")

// Registry is the process-wide document-id -> Room map, grounded on the
// donor's RoomManager (same lock-check-construct shape).
type Registry struct {
	mu         sync.Mutex
	rooms      map[models.DocumentId]*Room
	db         *db.DB
	persist    *persistence.Adapter
	pubsub     *redis.PubSub
	instanceID string
	ctx        context.Context
}

// NewRegistry builds an empty registry (I1: no Room exists until a
// member joins it).
func NewRegistry(ctx context.Context, database *db.DB, pubsub *redis.PubSub) *Registry {
	return &Registry{
		rooms:      make(map[models.DocumentId]*Room),
		db:         database,
		persist:    persistence.New(database),
		pubsub:     pubsub,
		instanceID: pubsub.InstanceID(),
		ctx:        ctx,
	}
}

// GetOrCreate returns the live Room for docID, constructing and
// registering one if absent. Race-free: at most one Room is ever
// constructed per document id, even under concurrent callers.
func (reg *Registry) GetOrCreate(ctx context.Context, docID models.DocumentId) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[docID]; ok {
		return r, nil
	}

	doc, err := reg.db.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}

	r := newRoom(reg.ctx, docID, reg.persist, reg.pubsub, reg.instanceID, reg.drop)
	r.SetDB(reg.db)
	if err := r.loadSnapshot(ctx); err != nil {
		return nil, err
	}

	reg.rooms[docID] = r
	go r.run()
	return r, nil
}

// Get returns the live Room for docID, or nil if none is currently hosted.
func (reg *Registry) Get(docID models.DocumentId) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[docID]
}

// Count reports the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// drop removes docID's Room entry. Called by a Room itself once its
// last member leaves and it has stopped its run loop.
func (reg *Registry) drop(docID models.DocumentId) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, docID)
}

// Shutdown checkpoints every live room before the process exits, the
// registry's teardown contract from spec.md §4.2. The donor's CloseAll
// only cancelled rooms' contexts and never persisted; this replaces
// that with an explicit, awaited checkpoint pass.
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			if err := r.checkpoint(ctx); err != nil {
				logger.Error("registry shutdown: checkpoint failed for doc=%d: %v", r.docID, err)
			}
			r.stop()
		}(r)
	}
	wg.Wait()
}

// newOrigin mints a fresh CRDT origin id for a Room's own engine
// instance, distinct from every client's ClientId.
func newOrigin() string {
	return "room-" + uuid.NewString()
}
