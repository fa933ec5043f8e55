package btree

import "github.com/pastra-db/pastra/internal/value"

// RowRemovalTree is the table's mandatory tombstone recycler (spec §4.5):
// a Tree keyed by row index alone, used as a min-priority queue of rows
// available for reuse.
type RowRemovalTree struct {
	t *Tree
}

// NewRowRemovalTree wraps a Manager already opened with value.UInt64 keys.
func NewRowRemovalTree(m *Manager) *RowRemovalTree {
	return &RowRemovalTree{t: NewTree(m)}
}

// MarkReusable inserts row into the recycler.
func (r *RowRemovalTree) MarkReusable(row uint64) error {
	_, err := r.t.Insert(Key{Value: value.Value{Kind: value.UInt64, Int: int64(row)}, Row: row})
	return err
}

// GetReusableRow pops and returns the smallest recycled row index, if any.
func (r *RowRemovalTree) GetReusableRow() (row uint64, ok bool, err error) {
	if r.t.m.RootID() == NilNode {
		return 0, false, nil
	}
	leaf, err := r.t.findLeaf(value.Null(value.UInt64))
	if err != nil {
		return 0, false, err
	}
	// Earlier pops can leave the leftmost leaves empty; skip past them.
	for leaf.NumKeys() == 0 && leaf.NextLeaf() != NilNode {
		next := leaf.NextLeaf()
		r.t.m.ReleaseNode(leaf)
		if leaf, err = r.t.m.LoadNode(next); err != nil {
			return 0, false, err
		}
	}
	defer r.t.m.ReleaseNode(leaf)

	if leaf.NumKeys() == 0 || r.t.isSentinel(leaf.leafKeyAt(0)) {
		return 0, false, nil
	}
	k := leaf.leafKeyAt(0)
	leaf.removeLeafAt(0)
	r.t.m.SaveNode(leaf)
	return k.Row, true, nil
}
