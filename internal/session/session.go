// Package session implements the per-connection state machine spec.md
// §4.4 describes: INIT -> JOINED -> CLOSED, a join deadline, a
// heartbeat monitor, and dispatch of the sync protocol's messages onto
// a Room. Grounded on the donor's internal/collab/document.go Client
// type and internal/collab/server.go's readPump/writePump/
// authenticateRequest, generalized from the donor's bare send-channel
// relay into the explicit state machine and deadline handling spec.md
// requires (the donor has no join deadline and treats every connection
// as already joined the instant it upgrades).
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/collabcore/server/internal/auth"
	"github.com/collabcore/server/internal/db"
	"github.com/collabcore/server/internal/logger"
	"github.com/collabcore/server/internal/models"
	"github.com/collabcore/server/internal/offline"
	"github.com/collabcore/server/internal/protocol"
	"github.com/collabcore/server/internal/room"
)

// State is where a Session sits in the INIT -> JOINED -> CLOSED
// machine spec.md §4.4 defines.
type State int32

const (
	StateInit State = iota
	StateJoined
	StateClosed
)

const maxMessageSize = 512 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config carries the timing knobs spec.md §6.4/§5 name, read once at
// startup from internal/config so every Session in the process agrees.
type Config struct {
	JoinDeadline      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// RoomHandle is the subset of *room.Room a Session drives. Declaring it
// here, rather than depending on *room.Room directly, lets tests supply
// a fake room without a live database or Redis connection.
type RoomHandle interface {
	Admit(peer room.Peer) room.AdmitResult
	Leave(clientID models.ClientId)
	ApplyRemote(update []byte, originClientID models.ClientId, originUserID models.UserId) (uint64, error)
	ApplyOfflineUpdate(ctx context.Context, clientID models.ClientId, update []byte) (bool, error)
	ComputeDiff(stateVector []byte) ([]byte, error)
	UpdateCursor(cursor protocol.CursorUpdatePayload)
}

// Registry resolves a document to its live RoomHandle, the subset of
// *room.Registry a Session needs.
type Registry interface {
	GetOrCreate(ctx context.Context, docID models.DocumentId) (RoomHandle, error)
}

// RegistryAdapter wraps a *room.Registry so it satisfies Registry. Go
// doesn't let a method returning the concrete *room.Room satisfy an
// interface method declared to return RoomHandle, so cmd/collabd wires
// the real registry through this thin adapter instead.
type RegistryAdapter struct {
	Reg *room.Registry
}

// GetOrCreate implements Registry.
func (a RegistryAdapter) GetOrCreate(ctx context.Context, docID models.DocumentId) (RoomHandle, error) {
	return a.Reg.GetOrCreate(ctx, docID)
}

// Server accepts websocket upgrades and drives one Session per
// connection, grounded on the donor's collab.Server.
type Server struct {
	cfg      Config
	registry Registry
	verifier auth.TokenVerifier
	db       *db.DB
}

// NewServer builds a websocket Server.
func NewServer(cfg Config, registry Registry, verifier auth.TokenVerifier, database *db.DB) *Server {
	return &Server{cfg: cfg, registry: registry, verifier: verifier, db: database}
}

// HandleUpgrade upgrades the HTTP request to a websocket and runs the
// Session to completion. Intended as an http.HandlerFunc.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("session: upgrade failed: %v", err)
		return
	}
	sess := newSession(conn, s)
	sess.run()
}

// Session is one connection's state machine. state is read and written
// atomically: the read loop in run moves it from INIT to JOINED, and
// close, which the join-deadline timer may also call, sets CLOSED.
type Session struct {
	conn   *websocket.Conn
	server *Server

	state State

	mu       sync.Mutex
	clientID models.ClientId
	userID   models.UserId
	docID    models.DocumentId
	name     string
	color    string
	role     string
	room     RoomHandle

	send      chan []byte
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, server *Server) *Session {
	return &Session{
		conn:   conn,
		server: server,
		send:   make(chan []byte, 256),
	}
}

// room.Peer implementation

func (s *Session) ClientID() models.ClientId { return s.clientID }
func (s *Session) UserID() models.UserId     { return s.userID }
func (s *Session) Color() string             { return s.color }
func (s *Session) Name() string              { return s.name }
func (s *Session) Send(data []byte) {
	select {
	case s.send <- data:
	default:
		// Slow consumer: drop rather than block the Room's single writer.
		logger.Warn("session %s: send buffer full, dropping frame", s.clientID)
	}
}

func (s *Session) getState() State { return State(atomic.LoadInt32((*int32)(&s.state))) }
func (s *Session) setState(v State) { atomic.StoreInt32((*int32)(&s.state), int32(v)) }

func (s *Session) run() {
	defer s.close()

	go s.writeLoop()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.JoinDeadline))

	joinTimer := time.AfterFunc(s.server.cfg.JoinDeadline, func() {
		if s.getState() == StateInit {
			logger.Warn("session: join deadline expired before join_room")
			s.close()
		}
	})
	defer joinTimer.Stop()

	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.HeartbeatTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatch(data)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.server.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(protocol.ErrServerError, "malformed message")
		return
	}

	switch env.Type {
	case protocol.TypeJoinRoom:
		s.handleJoinRoom(env.Payload)
	case protocol.TypeSyncStep1:
		s.handleSyncStep1(env.Payload)
	case protocol.TypeUpdate:
		s.handleUpdate(env.Payload)
	case protocol.TypeCursorUpdate:
		s.handleCursorUpdate(env.Payload)
	case protocol.TypePing:
		if s.getState() == StateJoined {
			s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.HeartbeatTimeout))
		}
		s.Send(mustEncode(protocol.TypePong, struct{}{}))
	default:
		s.sendError(protocol.ErrServerError, "unknown message type")
	}
}

// handleJoinRoom implements spec.md §4.4's 9-step join_room sequence:
// parse, verify token, resolve user, check permission, assign color,
// admit into the Room, reply room_joined, transition to JOINED, then
// stage and drain any offline-buffered updates and report the result.
func (s *Session) handleJoinRoom(raw json.RawMessage) {
	if s.getState() != StateInit {
		s.sendError(protocol.ErrNotInRoom, "already joined")
		return
	}

	var payload protocol.JoinRoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.sendError(protocol.ErrServerError, "malformed join_room payload")
		return
	}

	identity, err := s.server.verifier.Verify(payload.Token)
	if err != nil {
		s.sendError(protocol.ErrAuthFailed, "invalid token")
		s.close()
		return
	}

	ctx := context.Background()
	user, err := s.server.db.GetUserByOpenID(ctx, identity.OpenID)
	if err != nil {
		s.sendError(protocol.ErrServerError, "lookup failed")
		return
	}
	if user == nil {
		s.sendError(protocol.ErrUserNotFound, "unknown user")
		s.close()
		return
	}

	doc, err := s.server.db.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		s.sendError(protocol.ErrServerError, "lookup failed")
		return
	}
	if doc == nil {
		s.sendError(protocol.ErrNotFound, "document not found")
		s.close()
		return
	}
	role := models.RoleOwner
	if doc.OwnerID != user.ID {
		perm, err := s.server.db.CheckDocumentAccess(ctx, payload.DocumentID, user.ID)
		if err != nil {
			s.sendError(protocol.ErrServerError, "lookup failed")
			return
		}
		if perm == nil {
			s.sendError(protocol.ErrAccessDenied, "no access to this document")
			s.close()
			return
		}
		role = perm.Role
	}

	r, err := s.server.registry.GetOrCreate(ctx, payload.DocumentID)
	if err == room.ErrNotFound {
		s.sendError(protocol.ErrNotFound, "document not found")
		s.close()
		return
	}
	if err != nil {
		s.sendError(protocol.ErrServerError, "room unavailable")
		return
	}

	clientID := payload.ClientID
	if clientID == "" {
		clientID = models.ClientId(uuid.NewString())
	}

	s.mu.Lock()
	s.clientID = clientID
	s.userID = user.ID
	s.docID = payload.DocumentID
	s.name = user.Name
	s.color = room.NextColor()
	s.role = role
	s.room = r
	s.mu.Unlock()

	result := r.Admit(s)

	members := make([]protocol.MemberInfo, len(result.Members))
	copy(members, result.Members)

	s.Send(mustEncode(protocol.TypeRoomJoined, protocol.RoomJoinedPayload{
		DocumentID:  payload.DocumentID,
		ClientID:    clientID,
		Users:       members,
		DocState:    result.FullState,
		LamportTime: result.Lamport,
	}))

	s.setState(StateJoined)
	s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.HeartbeatTimeout))

	if err := s.server.db.CreateSession(ctx, clientID, payload.DocumentID, user.ID); err != nil {
		logger.Error("session %s: failed to record session row: %v", clientID, err)
	}

	for _, pu := range payload.PendingUpdates {
		if err := offline.Enqueue(ctx, s.server.db, clientID, payload.DocumentID, pu.Update, pu.SequenceNumber); err != nil {
			logger.Error("session %s: failed to enqueue offline update seq=%d: %v", clientID, pu.SequenceNumber, err)
		}
	}

	res, err := offline.Recover(ctx, s.server.db, r, clientID, payload.DocumentID)
	if err != nil {
		logger.Error("session %s: offline recovery failed: %v", clientID, err)
		return
	}
	if res.Recovered+res.Conflicts > 0 {
		logger.Info("session %s: recovered %d queued updates (%d conflicts)", clientID, res.Recovered, res.Conflicts)
	}
	s.Send(mustEncode(protocol.TypeRecoveryResult, protocol.RecoveryResultPayload{
		ClientID:  clientID,
		Recovered: res.Recovered,
		Conflicts: res.Conflicts,
	}))
}

func (s *Session) handleSyncStep1(raw json.RawMessage) {
	r := s.activeRoom()
	if r == nil {
		return
	}
	var payload protocol.SyncStep1Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.sendError(protocol.ErrServerError, "malformed sync_step1 payload")
		return
	}
	diff, err := r.ComputeDiff(payload.StateVector)
	if err != nil {
		s.sendError(protocol.ErrServerError, "failed to compute diff")
		return
	}
	s.Send(mustEncode(protocol.TypeSyncStep2, protocol.SyncStep2Payload{Update: diff, ClientID: s.clientID}))
}

func (s *Session) handleUpdate(raw json.RawMessage) {
	r := s.activeRoom()
	if r == nil {
		return
	}
	s.mu.Lock()
	role := s.role
	s.mu.Unlock()
	if !models.CanEdit(role) {
		s.sendError(protocol.ErrAccessDenied, "insufficient permission to edit")
		return
	}
	var payload protocol.UpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.sendError(protocol.ErrUpdateFailed, "malformed update payload")
		return
	}
	if _, err := r.ApplyRemote(payload.Update, s.clientID, s.userID); err != nil {
		s.sendError(protocol.ErrUpdateFailed, err.Error())
	}
}

func (s *Session) handleCursorUpdate(raw json.RawMessage) {
	r := s.activeRoom()
	if r == nil {
		return
	}
	var payload protocol.CursorUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	payload.ClientID = s.clientID
	payload.UserID = s.userID
	payload.Name = s.name
	payload.Color = s.color
	r.UpdateCursor(payload)
}

func (s *Session) activeRoom() RoomHandle {
	if s.getState() != StateJoined {
		s.sendError(protocol.ErrNotInRoom, "join a room first")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) sendError(code protocol.ErrorCode, message string) {
	s.Send(mustEncode(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}))
}

// close implements spec.md §4.4's disconnect sequence: leave the Room
// (if joined), delete the session row, close the send channel, close
// the connection. Idempotent and safe to call from the read loop, the
// join-deadline timer, or an auth failure path.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)

		s.mu.Lock()
		r := s.room
		clientID := s.clientID
		s.mu.Unlock()

		if r != nil {
			r.Leave(clientID)
		}
		if clientID != "" {
			if err := s.server.db.DeleteSession(context.Background(), clientID); err != nil {
				logger.Debug("session %s: failed to delete session row: %v", clientID, err)
			}
		}

		close(s.send)
		s.conn.Close()
	})
}

func mustEncode(msgType protocol.MessageType, payload interface{}) []byte {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		logger.Error("session: failed to encode %s: %v", msgType, err)
		return nil
	}
	return data
}
