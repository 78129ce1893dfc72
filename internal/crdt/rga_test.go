package crdt

import "testing"

func TestLocalInsertProducesText(t *testing.T) {
	doc := NewDoc("a")
	var last NodeID
	for _, ch := range "hello" {
		n := doc.LocalInsert(last, ch)
		last = n.ID
	}
	if got := doc.Text(); got != "hello" {
		t.Fatalf("Text() = %q, want %q", got, "hello")
	}
}

func TestLocalDeleteTombstones(t *testing.T) {
	doc := NewDoc("a")
	h := doc.LocalInsert(NodeID{}, 'h')
	doc.LocalInsert(h.ID, 'i')

	if _, ok := doc.LocalDelete(h.ID); !ok {
		t.Fatalf("expected delete of known node to succeed")
	}
	if got := doc.Text(); got != "i" {
		t.Fatalf("Text() = %q, want %q", got, "i")
	}

	// Re-deleting is idempotent.
	if _, ok := doc.LocalDelete(h.ID); !ok {
		t.Fatalf("expected re-delete to still report ok")
	}
}

func TestApplyUpdateConvergesRegardlessOfOrder(t *testing.T) {
	a := NewDoc("a")
	n1 := a.LocalInsert(NodeID{}, 'a')
	n2 := a.LocalInsert(n1.ID, 'b')
	a.LocalInsert(n2.ID, 'c')

	update := a.EncodeStateAsUpdate()

	b1 := NewDoc("b")
	if _, err := b1.ApplyUpdate(update); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if got, want := b1.Text(), a.Text(); got != want {
		t.Fatalf("b1.Text() = %q, want %q", got, want)
	}

	// Applying the same update twice must not duplicate content (I6).
	if _, err := b1.ApplyUpdate(update); err != nil {
		t.Fatalf("second ApplyUpdate: %v", err)
	}
	if got, want := b1.Text(), a.Text(); got != want {
		t.Fatalf("after duplicate apply: b1.Text() = %q, want %q", got, want)
	}
}

func TestConcurrentInsertsAtSamePositionConverge(t *testing.T) {
	base := NewDoc("origin")
	root := base.LocalInsert(NodeID{}, 'x')
	seed := base.EncodeStateAsUpdate()

	replicaA := NewDoc("a")
	replicaB := NewDoc("b")
	replicaA.ApplyUpdate(seed)
	replicaB.ApplyUpdate(seed)

	// Both replicas insert concurrently right after the shared root.
	na := replicaA.LocalInsert(root.ID, 'A')
	nb := replicaB.LocalInsert(root.ID, 'B')

	updateA := replicaA.EncodeStateAsUpdateSince(StateVector{"origin": 1})
	updateB := replicaB.EncodeStateAsUpdateSince(StateVector{"origin": 1})

	if _, err := replicaA.ApplyUpdate(updateB); err != nil {
		t.Fatalf("apply B onto A: %v", err)
	}
	if _, err := replicaB.ApplyUpdate(updateA); err != nil {
		t.Fatalf("apply A onto B: %v", err)
	}

	if got, want := replicaA.Text(), replicaB.Text(); got != want {
		t.Fatalf("replicas diverged: %q vs %q", got, want)
	}
	_ = na
	_ = nb
}

func TestEncodeStateAsUpdateSinceOmitsKnownNodes(t *testing.T) {
	doc := NewDoc("a")
	n1 := doc.LocalInsert(NodeID{}, 'a')
	doc.LocalInsert(n1.ID, 'b')

	sv := StateVector{"a": 1}
	diff, err := decodeNodes(doc.EncodeStateAsUpdateSince(sv))
	if err != nil {
		t.Fatalf("decodeNodes: %v", err)
	}
	if len(diff) != 1 || diff[0].Char != 'b' {
		t.Fatalf("expected only the second node in the diff, got %+v", diff)
	}
}

func TestOutOfOrderDeliveryBuffersUntilAnchorArrives(t *testing.T) {
	source := NewDoc("a")
	n1 := source.LocalInsert(NodeID{}, 'a')
	n2 := source.LocalInsert(n1.ID, 'b')
	n3 := source.LocalInsert(n2.ID, 'c')

	target := NewDoc("target")
	// Deliver the tail before its anchor.
	tail, _ := encodeNodes([]Node{n3})
	if _, err := target.ApplyUpdate(tail); err != nil {
		t.Fatalf("ApplyUpdate(tail): %v", err)
	}
	if got := target.Text(); got != "" {
		t.Fatalf("expected nothing visible before anchors arrive, got %q", got)
	}

	rest, _ := encodeNodes([]Node{n1, n2})
	if _, err := target.ApplyUpdate(rest); err != nil {
		t.Fatalf("ApplyUpdate(rest): %v", err)
	}
	if got, want := target.Text(), "abc"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestObserveFiresOnLocalAndRemoteChanges(t *testing.T) {
	doc := NewDoc("a")
	var fired int
	doc.Observe(func(nodes []Node) { fired += len(nodes) })

	doc.LocalInsert(NodeID{}, 'x')
	if fired != 1 {
		t.Fatalf("fired = %d after local insert, want 1", fired)
	}

	other := NewDoc("b")
	n := other.LocalInsert(NodeID{}, 'y')
	update, _ := encodeNodes([]Node{n})
	doc.ApplyUpdate(update)
	if fired != 2 {
		t.Fatalf("fired = %d after remote apply, want 2", fired)
	}
}
