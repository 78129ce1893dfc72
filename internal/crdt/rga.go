// Package crdt implements the sequence CRDT engine over a single text
// field ("shared-text") spec.md §4.1 requires: applyUpdate,
// encodeStateAsUpdate (full and since-state-vector), encodeStateVector,
// and observe. It is a Replicated Growable Array (RGA), grounded on the
// RGANodeID/RGANode/RGA shape sketched in the retrieved
// 03-crdt-collab-backend exercise, whose method bodies were unimplemented
// stubs; every algorithm below (insert ordering, tombstone merge,
// state-vector diffing, causal buffering) is this repo's own.
package crdt

import (
	"bytes"
	"encoding/gob"
	"sync"
)

// NodeID uniquely identifies one inserted character: a per-origin
// sequence number paired with the origin's id. Origins never reuse a
// sequence number, so NodeID is a stable global identity.
type NodeID struct {
	Seq    uint64
	Origin string
}

// Zero reports whether id is the sentinel "insert at the very start" id.
func (id NodeID) Zero() bool {
	return id == NodeID{}
}

// before reports whether a sorts ahead of b among siblings that share
// the same InsertAfter anchor: higher Seq first, then lexically smaller
// Origin. This is the RGA tie-break for concurrent inserts at the same
// position: every replica applies the same rule, so the result is the
// same regardless of delivery order (I6).
func before(a, b NodeID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Origin < b.Origin
}

// Node is one character in the sequence, alive or tombstoned.
type Node struct {
	ID          NodeID
	InsertAfter NodeID
	Char        rune
	Deleted     bool
}

// StateVector summarizes, per origin, the highest sequence number an
// engine has observed, spec.md §4.1's encodeStateVector.
type StateVector map[string]uint64

// Clone returns a deep copy.
func (sv StateVector) Clone() StateVector {
	c := make(StateVector, len(sv))
	for k, v := range sv {
		c[k] = v
	}
	return c
}

// Doc is one replica of the shared-text sequence CRDT.
type Doc struct {
	mu    sync.RWMutex
	self  string
	nodes []Node
	index map[NodeID]int
	seq   uint64
	sv    StateVector

	// pending holds nodes whose InsertAfter target hasn't arrived yet,
	// keyed by the missing id, for out-of-order delivery across
	// instances (within one Room, single-writer delivery is already
	// causal, but cross-instance Redis fan-out is not guaranteed to be).
	pending map[NodeID][]Node

	observers []func([]Node)
}

// NewDoc creates an empty document. self identifies this replica's
// origin for newly created nodes; it must be unique per session, not
// per process, since two sessions on the same instance still originate
// distinct edits.
func NewDoc(self string) *Doc {
	return &Doc{
		self:    self,
		index:   make(map[NodeID]int),
		sv:      make(StateVector),
		pending: make(map[NodeID][]Node),
	}
}

// Text renders the current document, skipping tombstones.
func (d *Doc) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var b []rune
	for _, n := range d.nodes {
		if !n.Deleted {
			b = append(b, n.Char)
		}
	}
	return string(b)
}

// LocalInsert creates a new node for ch anchored after afterID, applies
// it locally, and returns it so the caller can broadcast it (typically
// via EncodeStateAsUpdateSince with a peer's state vector). Use the zero
// NodeID to insert at the very start.
func (d *Doc) LocalInsert(afterID NodeID, ch rune) Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	node := Node{ID: NodeID{Seq: d.seq, Origin: d.self}, InsertAfter: afterID, Char: ch}
	d.insertLocked(node)
	d.bumpVector(node.ID)
	d.notifyLocked([]Node{node})
	return node
}

// LocalDelete tombstones id if present, returning the updated node and
// whether it existed. Re-deleting an already-tombstoned node is a no-op
// that still reports ok=true (idempotent, per I6).
func (d *Doc) LocalDelete(id NodeID) (Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, ok := d.index[id]
	if !ok {
		return Node{}, false
	}
	if !d.nodes[idx].Deleted {
		d.nodes[idx].Deleted = true
		d.notifyLocked([]Node{d.nodes[idx]})
	}
	return d.nodes[idx], true
}

// ApplyUpdate decodes and merges a remote update, applying each node
// exactly once regardless of how many times the update is redelivered
// (I6). Returns the update's own nodes that had a visible effect, for
// callers that want to know whether anything actually changed. Buffered
// nodes that an applied anchor releases from the pending buffer are
// applied as well but are not included in the returned slice.
func (d *Doc) ApplyUpdate(update []byte) ([]Node, error) {
	nodes, err := decodeNodes(update)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var applied []Node
	for _, n := range nodes {
		if d.applyNodeLocked(n) {
			applied = append(applied, n)
		}
	}
	if len(applied) > 0 {
		d.notifyLocked(applied)
	}
	return applied, nil
}

// applyNodeLocked merges one remote node into the document. Returns
// true if it had an observable effect (new insert, or a delete that
// wasn't already applied).
func (d *Doc) applyNodeLocked(n Node) bool {
	if idx, ok := d.index[n.ID]; ok {
		// Already known: a delete may still need merging in (deletes
		// are monotonic: once tombstoned, always tombstoned).
		if n.Deleted && !d.nodes[idx].Deleted {
			d.nodes[idx].Deleted = true
			d.bumpVector(n.ID)
			return true
		}
		return false
	}

	// Unknown insert: buffer it if its anchor hasn't arrived yet.
	if !n.InsertAfter.Zero() {
		if _, ok := d.index[n.InsertAfter]; !ok {
			d.pending[n.InsertAfter] = append(d.pending[n.InsertAfter], n)
			return false
		}
	}

	d.insertLocked(n)
	d.bumpVector(n.ID)
	d.flushPendingLocked(n.ID)
	return true
}

// flushPendingLocked re-attempts nodes that were waiting on anchor.
func (d *Doc) flushPendingLocked(anchor NodeID) {
	waiting := d.pending[anchor]
	if len(waiting) == 0 {
		return
	}
	delete(d.pending, anchor)
	for _, n := range waiting {
		d.applyNodeLocked(n)
	}
}

// insertLocked places node in total RGA order and reindexes from there.
func (d *Doc) insertLocked(node Node) {
	pos := 0
	if !node.InsertAfter.Zero() {
		anchorIdx, ok := d.index[node.InsertAfter]
		if !ok {
			// Anchor missing despite the caller's check (LocalInsert's
			// caller always supplies a live anchor); append defensively.
			pos = len(d.nodes)
		} else {
			pos = anchorIdx + 1
		}
	}
	// Skip every sibling that sorts ahead, together with its whole
	// subtree, so the result is the same whatever order nodes arrived in.
	skipped := make(map[NodeID]bool)
	for pos < len(d.nodes) {
		cur := d.nodes[pos]
		if (cur.InsertAfter == node.InsertAfter && before(cur.ID, node.ID)) || skipped[cur.InsertAfter] {
			skipped[cur.ID] = true
			pos++
			continue
		}
		break
	}

	d.nodes = append(d.nodes, Node{})
	copy(d.nodes[pos+1:], d.nodes[pos:])
	d.nodes[pos] = node
	d.reindexFrom(pos)
}

func (d *Doc) reindexFrom(pos int) {
	for i := pos; i < len(d.nodes); i++ {
		d.index[d.nodes[i].ID] = i
	}
}

func (d *Doc) bumpVector(id NodeID) {
	if id.Seq > d.sv[id.Origin] {
		d.sv[id.Origin] = id.Seq
	}
}

// EncodeStateVector returns this replica's state vector.
func (d *Doc) EncodeStateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Clone()
}

// EncodeStateVectorBytes is the wire form of EncodeStateVector, for the
// sync_step1 message's opaque stateVector field.
func (d *Doc) EncodeStateVectorBytes() []byte {
	sv := d.EncodeStateVector()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sv); err != nil {
		return nil
	}
	return buf.Bytes()
}

// DecodeStateVector decodes the wire form a peer's sync_step1 carries.
func DecodeStateVector(data []byte) (StateVector, error) {
	if len(data) == 0 {
		return StateVector{}, nil
	}
	var sv StateVector
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sv); err != nil {
		return nil, err
	}
	return sv, nil
}

// EncodeStateAsUpdate encodes the full document as an update against
// the empty document.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, _ := encodeNodes(d.nodes)
	return data
}

// EncodeStateAsUpdateSince encodes only the nodes a peer at sv hasn't
// seen: a delta sufficient to bring that peer to this replica's state.
func (d *Doc) EncodeStateAsUpdateSince(sv StateVector) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var diff []Node
	for _, n := range d.nodes {
		// Tombstones are always included: the state vector tracks inserts
		// only, so it cannot tell whether the peer has seen the delete.
		if n.ID.Seq > sv[n.ID.Origin] || n.Deleted {
			diff = append(diff, n)
		}
	}
	data, _ := encodeNodes(diff)
	return data
}

// Observe registers a callback invoked after every ApplyUpdate/
// LocalInsert/LocalDelete that had a visible effect. The server uses
// this for persistence triggers only (spec.md §4.1), never to drive
// broadcast, which the Room computes explicitly via diffing.
func (d *Doc) Observe(fn func([]Node)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := len(d.observers)
	d.observers = append(d.observers, fn)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.observers[idx] = nil
	}
}

func (d *Doc) notifyLocked(nodes []Node) {
	for _, fn := range d.observers {
		if fn != nil {
			fn(nodes)
		}
	}
}

// Len reports the number of nodes (including tombstones), mainly for tests.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

func encodeNodes(nodes []Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(nodes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNodes(data []byte) ([]Node, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var nodes []Node
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}
