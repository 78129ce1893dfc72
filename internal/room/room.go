package room

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabcore/server/internal/crdt"
	"github.com/collabcore/server/internal/db"
	"github.com/collabcore/server/internal/logger"
	"github.com/collabcore/server/internal/models"
	"github.com/collabcore/server/internal/persistence"
	"github.com/collabcore/server/internal/protocol"
	"github.com/collabcore/server/internal/redis"
)

// SnapshotOpThreshold and CheckpointInterval are the persistence
// triggers spec.md §4.6 names; kept as package vars rather than
// per-Room config since every Room in a process shares one policy.
var (
	SnapshotOpThreshold = 100
	CheckpointInterval  = 60 * time.Second
	IdleCheckInterval   = 30 * time.Second
	IdleShutdownAfter   = 5 * time.Minute
)

// colorPalette is the fixed 8-color round-robin spec.md §4.4 step 5 names.
var colorPalette = [8]string{
	"#e06c75", "#61afef", "#98c379", "#e5c07b",
	"#c678dd", "#56b6c2", "#d19a66", "#abb2bf",
}

var colorCounter uint64

// NextColor assigns the next color in the shared round-robin palette.
// Package-level because color assignment is a single shared counter
// across every Room in the process (spec.md §5's "Color assignment
// counter: monotonic, shared, low contention"), not per-Room state.
func NextColor() string {
	i := atomic.AddUint64(&colorCounter, 1) - 1
	return colorPalette[i%uint64(len(colorPalette))]
}

// Peer is a Room's view of one connected Session: enough to address it
// for fan-out without the Room importing internal/session (which itself
// depends on Room).
type Peer interface {
	ClientID() models.ClientId
	UserID() models.UserId
	Color() string
	Name() string
	Send(data []byte)
}

// AdmitResult is what admit(session) returns so the new client can
// initialize, per spec.md §4.3.
type AdmitResult struct {
	FullState []byte
	Members   []protocol.MemberInfo
	Lamport   uint64
}

// Room is one active document's collaboration state: the CRDT document,
// the member set, Lamport/vector clocks, and the unpersisted-operation
// buffer (spec.md §3). All mutation is serialized by mu, held across
// apply+broadcast+persist, the exclusive-lock discipline spec.md §5
// offers as an alternative to a single-writer channel loop.
type Room struct {
	docID  models.DocumentId
	doc    *crdt.Doc
	origin string

	mu              sync.Mutex
	members         map[models.ClientId]Peer
	lamport         uint64
	vectorClock     map[models.ClientId]uint64
	pendingOps      []models.BufferedOp
	snapshotVersion int64
	lastActivity    time.Time

	persist    *persistence.Adapter
	pubsub     *redis.PubSub
	instanceID string
	db         *db.DB
	onEmpty    func(models.DocumentId)

	ctx    context.Context
	cancel context.CancelFunc
	stop1  sync.Once
}

func newRoom(ctx context.Context, docID models.DocumentId, persist *persistence.Adapter, pubsub *redis.PubSub, instanceID string, onEmpty func(models.DocumentId)) *Room {
	roomCtx, cancel := context.WithCancel(ctx)
	return &Room{
		docID:        docID,
		origin:       newOrigin(),
		members:      make(map[models.ClientId]Peer),
		vectorClock:  make(map[models.ClientId]uint64),
		persist:      persist,
		pubsub:       pubsub,
		instanceID:   instanceID,
		onEmpty:      onEmpty,
		lastActivity: time.Now(),
		ctx:          roomCtx,
		cancel:       cancel,
	}
}

// DocumentID returns the document this Room hosts.
func (r *Room) DocumentID() models.DocumentId { return r.docID }

// loadSnapshot reconstructs the CRDT state from the last checkpoint plus
// the operation log (I7), run once before the Room is registered.
func (r *Room) loadSnapshot(ctx context.Context) error {
	doc, version, err := r.persist.Load(ctx, r.docID, r.origin)
	if err != nil {
		return err
	}
	r.doc = doc
	r.snapshotVersion = version
	return nil
}

// run hosts the Room's background concerns: periodic checkpointing,
// idle detection, and cross-instance fan-out via Redis. Grounded on the
// donor's Room.Run idle/save tickers, generalized to call the new
// checkpoint/applyRemote machinery instead of a bare Yjs relay.
func (r *Room) run() {
	roomCh := redis.RoomChannel(r.docID)
	presenceCh := redis.PresenceChannel(r.docID)
	r.pubsub.Subscribe(roomCh, r.handleRemoteUpdate)
	r.pubsub.Subscribe(presenceCh, r.handleRemoteCursor)

	checkpointTicker := time.NewTicker(CheckpointInterval)
	idleTicker := time.NewTicker(IdleCheckInterval)
	defer checkpointTicker.Stop()
	defer idleTicker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-checkpointTicker.C:
			if r.hasPending() {
				if err := r.checkpoint(context.Background()); err != nil {
					logger.Error("room %d: periodic checkpoint failed: %v", r.docID, err)
				}
			}
		case <-idleTicker.C:
			r.checkIdle()
		}
	}
}

func (r *Room) hasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingOps) > 0
}

func (r *Room) checkIdle() {
	r.mu.Lock()
	empty := len(r.members) == 0
	idleFor := time.Since(r.lastActivity)
	r.mu.Unlock()

	if empty && idleFor > IdleShutdownAfter {
		r.stopAndDrop()
	}
}

// stop cancels the Room's background loop and unsubscribes from Redis.
func (r *Room) stop() {
	r.stop1.Do(func() {
		r.cancel()
		r.pubsub.Unsubscribe(redis.RoomChannel(r.docID))
		r.pubsub.Unsubscribe(redis.PresenceChannel(r.docID))
	})
}

func (r *Room) stopAndDrop() {
	r.stop()
	r.onEmpty(r.docID)
}

// Admit implements spec.md §4.3's admit(session): inserts peer into
// members and returns a snapshot package so the new client can
// initialize. A reconnect with an already-present ClientId evicts the
// old entry first, emitting user_left then user_joined in that order
// (spec.md §4.3 edge case).
func (r *Room) Admit(peer Peer) AdmitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.members[peer.ClientID()]; exists {
		delete(r.members, peer.ClientID())
		r.broadcastLocked(protocol.TypeUserLeft, protocol.MembershipPayload{
			ClientID: old.ClientID(), UserID: old.UserID(), Name: old.Name(), Color: old.Color(),
		}, nil)
	}

	r.members[peer.ClientID()] = peer
	r.lastActivity = time.Now()

	r.broadcastLocked(protocol.TypeUserJoined, protocol.MembershipPayload{
		ClientID: peer.ClientID(), UserID: peer.UserID(), Name: peer.Name(), Color: peer.Color(),
	}, map[models.ClientId]bool{peer.ClientID(): true})

	members := make([]protocol.MemberInfo, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, protocol.MemberInfo{ClientID: m.ClientID(), UserID: m.UserID(), Name: m.Name(), Color: m.Color()})
	}

	return AdmitResult{
		FullState: r.doc.EncodeStateAsUpdate(),
		Members:   members,
		Lamport:   r.lamport,
	}
}

// Leave implements spec.md §4.3's leave(clientId): removes the member,
// and if the Room is now empty, checkpoints and signals the registry to
// drop it.
func (r *Room) Leave(clientID models.ClientId) {
	r.mu.Lock()
	member, existed := r.members[clientID]
	if existed {
		delete(r.members, clientID)
		r.lastActivity = time.Now()
	}
	empty := len(r.members) == 0
	if existed {
		r.broadcastLocked(protocol.TypeUserLeft, protocol.MembershipPayload{
			ClientID: member.ClientID(), UserID: member.UserID(), Name: member.Name(), Color: member.Color(),
		}, nil)
	}
	r.mu.Unlock()

	if empty {
		if err := r.checkpoint(context.Background()); err != nil {
			logger.Error("room %d: checkpoint on last-member-leave failed: %v", r.docID, err)
		}
		r.stopAndDrop()
	}
}

// ApplyRemote implements spec.md §4.3's applyRemote: merges update into
// the CRDT, advances lamport and the origin's vector-clock entry,
// buffers the op, persists it, and broadcasts to every other local
// member plus other instances via Redis. Returns the post-apply lamport.
func (r *Room) ApplyRemote(update []byte, originClientID models.ClientId, originUserID models.UserId) (uint64, error) {
	if len(update) == 0 {
		return 0, fmt.Errorf("%s", protocol.ErrUpdateFailed)
	}

	r.mu.Lock()
	if _, err := r.doc.ApplyUpdate(update); err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", protocol.ErrUpdateFailed, err)
	}

	r.lamport++
	r.vectorClock[originClientID]++
	r.lastActivity = time.Now()
	r.pendingOps = append(r.pendingOps, models.BufferedOp{Update: update, ClientID: originClientID, Timestamp: time.Now()})

	lamport := r.lamport
	version := r.snapshotVersion + int64(len(r.pendingOps))
	vc := cloneVectorClock(r.vectorClock)
	shouldCheckpoint := len(r.pendingOps) > SnapshotOpThreshold

	r.broadcastLocked(protocol.TypeUpdate, protocol.UpdatePayload{
		Update: update, ClientID: originClientID, LamportTime: lamport, Timestamp: time.Now().UnixMilli(),
	}, map[models.ClientId]bool{originClientID: true})
	r.mu.Unlock()

	r.persist.RecordOperation(context.Background(), &models.Operation{
		DocumentID:  r.docID,
		ClientID:    originClientID,
		UserID:      originUserID,
		UpdateB64:   base64.StdEncoding.EncodeToString(update),
		LamportTime: lamport,
		VectorClock: vc,
		Version:     version,
	})

	r.publishUpdate(update, originClientID, lamport)

	if shouldCheckpoint {
		go func() {
			if err := r.checkpoint(context.Background()); err != nil {
				logger.Error("room %d: threshold checkpoint failed: %v", r.docID, err)
			}
		}()
	}

	return lamport, nil
}

// ApplyOfflineUpdate implements internal/offline.Applier: applies a
// recovered update the way a live update is applied (merge, lamport and
// vector-clock bookkeeping, pendingOps, fan-out to the other local
// members and to other instances), reporting whether it changed the
// document (false means it was already reflected, a conflict-free
// duplicate, not a failure). Unlike ApplyRemote it writes no
// operation-log row; the update reaches storage with the next checkpoint.
func (r *Room) ApplyOfflineUpdate(ctx context.Context, clientID models.ClientId, update []byte) (bool, error) {
	r.mu.Lock()
	applied, err := r.doc.ApplyUpdate(update)
	hadEffect := len(applied) > 0
	if err == nil && hadEffect {
		r.lamport++
		r.vectorClock[clientID]++
		r.lastActivity = time.Now()
		r.pendingOps = append(r.pendingOps, models.BufferedOp{Update: update, ClientID: clientID, Timestamp: time.Now()})
		r.broadcastLocked(protocol.TypeUpdate, protocol.UpdatePayload{
			Update: update, ClientID: clientID, LamportTime: r.lamport, Timestamp: time.Now().UnixMilli(),
		}, map[models.ClientId]bool{clientID: true})
	}
	r.mu.Unlock()
	if err != nil {
		return false, err
	}
	if hadEffect {
		r.publishUpdate(update, clientID, r.Lamport())
	}
	return hadEffect, nil
}

// ComputeDiff implements spec.md §4.3's computeDiff: the delta that
// advances a peer at stateVector to the Room's current state. An
// unrecognized or empty state vector still yields a valid full delta.
func (r *Room) ComputeDiff(stateVector []byte) ([]byte, error) {
	sv, err := crdt.DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdateSince(sv), nil
}

// UpdateCursor implements spec.md §4.3's updateCursor: rebroadcasts to
// peers and best-effort persists the session's cursor position. Losing
// a cursor write is not fatal, so the DB call runs fire-and-forget.
func (r *Room) UpdateCursor(cursor protocol.CursorUpdatePayload) {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.broadcastLocked(protocol.TypeCursorUpdate, cursor, map[models.ClientId]bool{cursor.ClientID: true})
	r.mu.Unlock()

	r.publishCursor(cursor)

	if r.db != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.db.UpdateSessionCursor(ctx, cursor.ClientID, cursor.Position); err != nil {
				logger.Debug("room %d: cursor persist failed for %s: %v", r.docID, cursor.ClientID, err)
			}
		}()
	}
}

// SetDB attaches the storage layer used for best-effort session-cursor
// persistence. Separate from NewRegistry's wiring so tests can build a
// Room without a live database.
func (r *Room) SetDB(database *db.DB) { r.db = database }

// checkpoint implements spec.md §4.3's checkpoint(): encodes the full
// state, hands it to the persistence adapter, clears pendingOps, and
// bumps snapshot.version.
func (r *Room) checkpoint(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	version := r.snapshotVersion + int64(len(r.pendingOps))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.persist.Checkpoint(ctx, r.docID, r.doc, version); err != nil {
		return err
	}

	r.snapshotVersion = version
	r.pendingOps = nil
	return nil
}

// Lamport returns the Room's current lamport value.
func (r *Room) Lamport() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lamport
}

// MemberCount returns the number of currently admitted members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// broadcastLocked sends an encoded message to every member except those
// in skip. Callers must hold mu.
func (r *Room) broadcastLocked(msgType protocol.MessageType, payload interface{}, skip map[models.ClientId]bool) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		logger.Error("room %d: failed to encode %s: %v", r.docID, msgType, err)
		return
	}
	for id, member := range r.members {
		if skip != nil && skip[id] {
			continue
		}
		member.Send(data)
	}
}

func (r *Room) publishUpdate(update []byte, originClientID models.ClientId, lamport uint64) {
	payload := protocol.UpdatePayload{Update: update, ClientID: originClientID, LamportTime: lamport, Timestamp: time.Now().UnixMilli()}
	if err := r.pubsub.Publish(redis.RoomChannel(r.docID), string(protocol.TypeUpdate), payload); err != nil {
		logger.Error("room %d: failed to publish update: %v", r.docID, err)
	}
}

func (r *Room) publishCursor(cursor protocol.CursorUpdatePayload) {
	if err := r.pubsub.Publish(redis.PresenceChannel(r.docID), string(protocol.TypeCursorUpdate), cursor); err != nil {
		logger.Error("room %d: failed to publish cursor: %v", r.docID, err)
	}
}

// handleRemoteUpdate merges an update another instance already applied
// and persisted, then relays it to this instance's local members. It
// does not re-derive lamport/vector-clock bookkeeping: those stay
// authoritative only on the instance that originally accepted the
// update, mirroring the donor's treatment of Redis as a relay rather
// than a second source of truth.
func (r *Room) handleRemoteUpdate(channel string, msg *redis.Message) {
	if msg.From == r.instanceID {
		return
	}
	var payload protocol.UpdatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		logger.Error("room %d: bad remote update payload: %v", r.docID, err)
		return
	}

	r.mu.Lock()
	if _, err := r.doc.ApplyUpdate(payload.Update); err != nil {
		r.mu.Unlock()
		logger.Error("room %d: failed to merge remote update: %v", r.docID, err)
		return
	}
	if payload.LamportTime > r.lamport {
		r.lamport = payload.LamportTime
	}
	r.lastActivity = time.Now()
	r.broadcastLocked(protocol.TypeUpdate, payload, nil)
	r.mu.Unlock()
}

func (r *Room) handleRemoteCursor(channel string, msg *redis.Message) {
	if msg.From == r.instanceID {
		return
	}
	var payload protocol.CursorUpdatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	r.mu.Lock()
	r.broadcastLocked(protocol.TypeCursorUpdate, payload, nil)
	r.mu.Unlock()
}

func cloneVectorClock(vc map[models.ClientId]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(vc))
	for k, v := range vc {
		out[string(k)] = v
	}
	return out
}
