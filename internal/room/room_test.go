package room

import (
	"sync"
	"testing"

	"github.com/collabcore/server/internal/crdt"
	"github.com/collabcore/server/internal/models"
)

// fakePeer records every frame Send delivers, for assertions on
// broadcast fan-out without a real websocket connection.
type fakePeer struct {
	id    models.ClientId
	user  models.UserId
	name  string
	color string

	mu  sync.Mutex
	out [][]byte
}

func (p *fakePeer) ClientID() models.ClientId { return p.id }
func (p *fakePeer) UserID() models.UserId     { return p.user }
func (p *fakePeer) Color() string             { return p.color }
func (p *fakePeer) Name() string              { return p.name }
func (p *fakePeer) Send(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, data)
}

func (p *fakePeer) received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out)
}

// newTestRoom builds a Room with a live CRDT doc but no persistence or
// pubsub wiring, for exercising the member-management and diffing logic
// that never touches either.
func newTestRoom(docID models.DocumentId) *Room {
	return &Room{
		docID:       docID,
		doc:         crdt.NewDoc("room-test"),
		origin:      "room-test",
		members:     make(map[models.ClientId]Peer),
		vectorClock: make(map[models.ClientId]uint64),
	}
}

func TestAdmitAddsMemberAndNotifiesExistingPeers(t *testing.T) {
	r := newTestRoom(1)
	alice := &fakePeer{id: "alice", user: 1, name: "Alice", color: NextColor()}
	bob := &fakePeer{id: "bob", user: 2, name: "Bob", color: NextColor()}

	result := r.Admit(alice)
	if len(result.Members) != 1 {
		t.Fatalf("expected 1 member after first admit, got %d", len(result.Members))
	}

	r.Admit(bob)
	if alice.received() != 1 {
		t.Fatalf("expected alice to receive 1 user_joined notification, got %d", alice.received())
	}
	if bob.received() != 0 {
		t.Fatalf("expected bob to receive no self-notification, got %d", bob.received())
	}
	if r.MemberCount() != 2 {
		t.Fatalf("expected 2 members, got %d", r.MemberCount())
	}
}

func TestAdmitReconnectEvictsPriorSession(t *testing.T) {
	r := newTestRoom(1)
	first := &fakePeer{id: "alice", user: 1, name: "Alice"}
	second := &fakePeer{id: "alice", user: 1, name: "Alice"}

	r.Admit(first)
	result := r.Admit(second)

	if r.MemberCount() != 1 {
		t.Fatalf("expected exactly 1 member after reconnect, got %d", r.MemberCount())
	}
	if len(result.Members) != 1 {
		t.Fatalf("expected admit result to list 1 member, got %d", len(result.Members))
	}
}

func TestLeaveRemovesMemberAndNotifiesRemaining(t *testing.T) {
	r := newTestRoom(1)
	alice := &fakePeer{id: "alice", user: 1}
	bob := &fakePeer{id: "bob", user: 2}
	r.Admit(alice)
	r.Admit(bob)

	r.Leave(alice.ClientID())

	if r.MemberCount() != 1 {
		t.Fatalf("expected 1 member remaining, got %d", r.MemberCount())
	}
	if bob.received() == 0 {
		t.Fatalf("expected bob to receive a user_left notification")
	}
}

func TestComputeDiffOnUnknownStateVectorYieldsFullState(t *testing.T) {
	r := newTestRoom(1)
	r.doc.LocalInsert(crdt.NodeID{}, 'h')

	diff, err := r.ComputeDiff(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff) == 0 {
		t.Fatalf("expected non-empty diff for an unrecognized (empty) state vector")
	}
}

func TestNextColorCyclesPalette(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < len(colorPalette); i++ {
		seen[NextColor()] = true
	}
	if len(seen) != len(colorPalette) {
		t.Fatalf("expected %d distinct colors in one full cycle, got %d", len(colorPalette), len(seen))
	}
}
