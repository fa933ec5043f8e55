package btree

import (
	"github.com/pastra-db/pastra/internal/engineerr"
	"github.com/pastra-db/pastra/internal/value"
)

// Tree is the B-tree proper: insert/remove/search/range operations over a
// Manager's nodes (spec §4.5).
type Tree struct {
	m *Manager
}

func NewTree(m *Manager) *Tree { return &Tree{m: m} }

// Locator addresses a just-inserted slot, as insert_key's contract promises.
type Locator struct {
	Node NodeID
	Slot int
}

// Insert places key into the tree, splitting full nodes top-down on the
// way so no backtracking split is ever needed (spec §4.5 insert_key).
// Duplicate values are allowed; row index breaks ties, so a literal
// duplicate (value, row) pair is the only insert this rejects.
func (t *Tree) Insert(key Key) (Locator, error) {
	if t.m.RootID() == NilNode {
		root, err := t.m.NewLeaf()
		if err != nil {
			return Locator{}, err
		}
		t.appendSentinel(root)
		t.m.SetRootID(root.ID())
		t.m.SetHeight(1)
		t.m.ReleaseNode(root)
	}

	root, err := t.m.LoadNode(t.m.RootID())
	if err != nil {
		return Locator{}, err
	}
	if root.IsFull() {
		newRoot, err := t.splitRoot(root)
		if err != nil {
			t.m.ReleaseNode(root)
			return Locator{}, err
		}
		t.m.ReleaseNode(root)
		root = newRoot
	}

	return t.insertDescend(root, key)
}

// appendSentinel places the logical maximum key as the node's last slot
// (spec §4.5: "each node has a logical sentinel key ... insertion at the
// tail never special-cases"). It is stored like any other leaf entry, with
// row index max-uint64 so real rows always sort before it.
func (t *Tree) appendSentinel(n *Node) {
	n.insertLeafAt(0, Key{Value: sentinelKey(n.keyType), Row: ^uint64(0)})
	t.m.SaveNode(n)
}

func (t *Tree) isSentinel(k Key) bool { return k.Row == ^uint64(0) }

// splitRoot grows the tree by one level: splits a full root and installs a
// fresh two-child internal root above it.
func (t *Tree) splitRoot(root *Node) (*Node, error) {
	sibling, midKey, err := t.splitNode(root)
	if err != nil {
		return nil, err
	}

	newRoot, err := t.m.NewInternal()
	if err != nil {
		return nil, err
	}
	newRoot.insertInternalAt(0, Key{Value: value.Null(root.keyType)}, root.ID())
	newRoot.insertInternalAt(1, midKey, sibling.ID())
	t.m.SaveNode(newRoot)
	t.m.SetRootID(newRoot.ID())
	t.m.SetHeight(t.m.Height() + 1)

	t.m.ReleaseNode(sibling)
	return newRoot, nil
}

// splitNode splits a full node in half, returning the new right sibling
// and the key that separates the two halves (the right sibling's first
// real key).
func (t *Tree) splitNode(n *Node) (*Node, Key, error) {
	num := n.NumKeys()
	mid := num / 2

	if n.IsLeaf() {
		right, err := t.m.NewLeaf()
		if err != nil {
			return nil, Key{}, err
		}
		for i := mid; i < num; i++ {
			right.insertLeafAt(right.NumKeys(), n.leafKeyAt(i))
		}
		for i := num - 1; i >= mid; i-- {
			n.removeLeafAt(i)
		}
		right.SetNextLeaf(n.NextLeaf())
		right.SetPrevLeaf(n.ID())
		if old := right.NextLeaf(); old != NilNode {
			oldNext, err := t.m.LoadNode(old)
			if err != nil {
				return nil, Key{}, err
			}
			oldNext.SetPrevLeaf(right.ID())
			t.m.SaveNode(oldNext)
			t.m.ReleaseNode(oldNext)
		}
		n.SetNextLeaf(right.ID())
		t.m.SaveNode(n)
		t.m.SaveNode(right)

		midKey := right.leafKeyAt(0)
		return right, midKey, nil
	}

	right, err := t.m.NewInternal()
	if err != nil {
		return nil, Key{}, err
	}
	for i := mid; i < num; i++ {
		right.insertInternalAt(right.NumKeys(), n.internalKeyAt(i), n.internalChildAt(i))
	}
	midKey := n.internalKeyAt(mid)
	for i := num - 1; i >= mid; i-- {
		n.removeInternalAt(i)
	}
	t.m.SaveNode(n)
	t.m.SaveNode(right)
	return right, midKey, nil
}

// insertDescend performs the remainder of a top-down insert once the root
// is guaranteed non-full, pre-splitting any full child before descending
// into it.
func (t *Tree) insertDescend(n *Node, key Key) (Locator, error) {
	if n.IsLeaf() {
		i := n.lowerBoundLeaf(key)
		if i < n.NumKeys() && !t.isSentinel(n.leafKeyAt(i)) && n.leafKeyAt(i) == key {
			t.m.ReleaseNode(n)
			return Locator{}, engineerr.New(engineerr.InvalidParameters, "btree: duplicate (value, row) key")
		}
		n.insertLeafAt(i, key)
		t.m.SaveNode(n)
		loc := Locator{Node: n.ID(), Slot: i}
		t.m.ReleaseNode(n)
		return loc, nil
	}

	ci := n.childIndex(key)
	child, err := t.m.LoadNode(n.internalChildAt(ci))
	if err != nil {
		t.m.ReleaseNode(n)
		return Locator{}, err
	}
	if child.IsFull() {
		sibling, midKey, err := t.splitNode(child)
		if err != nil {
			t.m.ReleaseNode(n)
			t.m.ReleaseNode(child)
			return Locator{}, err
		}
		n.insertInternalAt(ci+1, midKey, sibling.ID())
		t.m.SaveNode(n)
		t.m.ReleaseNode(sibling)
		if !Less(key, n.internalKeyAt(ci+1)) {
			t.m.ReleaseNode(child)
			child, err = t.m.LoadNode(n.internalChildAt(ci + 1))
			if err != nil {
				t.m.ReleaseNode(n)
				return Locator{}, err
			}
		}
	}
	t.m.ReleaseNode(n)
	return t.insertDescend(child, key)
}

// SearchEqual returns every row index stored under value v.
func (t *Tree) SearchEqual(v value.Value) ([]uint64, error) {
	if t.m.RootID() == NilNode {
		return nil, nil
	}
	leaf, err := t.findLeaf(v)
	if err != nil {
		return nil, err
	}

	probe := Key{Value: v, Row: 0}
	i := leaf.lowerBoundLeaf(probe)
	var out []uint64
	cur := leaf
	for {
		for ; i < cur.NumKeys(); i++ {
			k := cur.leafKeyAt(i)
			if t.isSentinel(k) || value.Compare(k.Value, v) != 0 {
				t.m.ReleaseNode(cur)
				return out, nil
			}
			out = append(out, k.Row)
		}
		next := cur.NextLeaf()
		t.m.ReleaseNode(cur)
		if next == NilNode {
			return out, nil
		}
		cur, err = t.m.LoadNode(next)
		if err != nil {
			return out, err
		}
		i = 0
	}
}

// RangeIter walks every row whose value lies in [lo, hi], in ascending
// (value, row) order, calling visit for each. It stops early if visit
// returns false.
func (t *Tree) RangeIter(lo, hi value.Value, visit func(v value.Value, row uint64) bool) error {
	if t.m.RootID() == NilNode {
		return nil
	}
	leaf, err := t.findLeaf(lo)
	if err != nil {
		return err
	}

	probe := Key{Value: lo, Row: 0}
	i := leaf.lowerBoundLeaf(probe)
	cur := leaf
	for {
		for ; i < cur.NumKeys(); i++ {
			k := cur.leafKeyAt(i)
			if t.isSentinel(k) || value.Compare(k.Value, hi) > 0 {
				t.m.ReleaseNode(cur)
				return nil
			}
			if !visit(k.Value, k.Row) {
				t.m.ReleaseNode(cur)
				return nil
			}
		}
		next := cur.NextLeaf()
		t.m.ReleaseNode(cur)
		if next == NilNode {
			return nil
		}
		cur, err = t.m.LoadNode(next)
		if err != nil {
			return err
		}
		i = 0
	}
}

// findLeaf descends from the root to the leaf that would contain v,
// releasing every internal node visited along the way.
func (t *Tree) findLeaf(v value.Value) (*Node, error) {
	n, err := t.m.LoadNode(t.m.RootID())
	if err != nil {
		return nil, err
	}
	probe := Key{Value: v, Row: 0}
	for !n.IsLeaf() {
		ci := n.childIndex(probe)
		child, err := t.m.LoadNode(n.internalChildAt(ci))
		t.m.ReleaseNode(n)
		if err != nil {
			return nil, err
		}
		n = child
	}
	return n, nil
}

// RemoveKey deletes the exact (value, row) key. Deletion leaves an
// under-full leaf in place rather than rebalancing: search and range scans
// both stay correct, and the slack is reclaimed by later inserts or by a
// repair pass, trading eager merge/borrow for a much simpler delete path.
// RemoveKey deletes a leaf entry in place; it never merges or borrows from
// siblings, so a node can end up under-full after repeated removals. Range
// iteration and lookup stay correct either way, so this is left as a known
// shortcut rather than a full B-tree deletion.
func (t *Tree) RemoveKey(key Key) error {
	if t.m.RootID() == NilNode {
		return nil
	}
	leaf, err := t.findLeaf(key.Value)
	if err != nil {
		return err
	}
	defer t.m.ReleaseNode(leaf)

	i := leaf.lowerBoundLeaf(key)
	if i >= leaf.NumKeys() || leaf.leafKeyAt(i) != key {
		return engineerr.New(engineerr.InvalidAccessPosition, "btree: key not found for removal")
	}
	leaf.removeLeafAt(i)
	t.m.SaveNode(leaf)
	return nil
}
