// Package btree implements the engine's per-field secondary index and the
// row-removal index (spec §4.5): an N-ary tree keyed by (value, row index),
// with leaf chaining for ordered range scans and a JSON sidecar persisting
// the root/height/id-allocator state across sessions.
package btree

import (
	"math"

	"github.com/pastra-db/pastra/internal/blockcache"
	"github.com/pastra-db/pastra/internal/bx"
	"github.com/pastra-db/pastra/internal/value"
)

// NodeID addresses a node within a tree's backing container. NilNode marks
// an absent child/sibling pointer.
type NodeID uint32

const NilNode NodeID = 0xFFFFFFFF

const (
	headerSize   = 16
	rowIndexSize = 8
	childIDSize  = 4
)

// Node is a pinned view of one on-disk node: either a leaf holding
// (key, row_index) entries, or an internal node holding (key, child id)
// separators. Layout:
//
//	[0]     isLeaf (1 or 0)
//	[1:3]   numKeys uint16
//	[3:7]   prevLeaf NodeID (leaves only)
//	[7:11]  nextLeaf NodeID (leaves only)
//	[11:16] reserved
//	[16:]   entries, fixed-size, in ascending key order
type Node struct {
	ref         *blockcache.Ref
	id          NodeID
	keyType     value.Type
	nodeRawSize int
}

// MaxEntries returns how many entries of this node's current kind
// (leaf or internal) fit in its raw byte budget.
func (n *Node) MaxEntries() int {
	return (n.nodeRawSize - headerSize) / n.entrySize()
}

// IsFull reports whether another insertion would overflow the node.
func (n *Node) IsFull() bool { return n.NumKeys() >= n.MaxEntries() }

func (n *Node) Raw() []byte { return n.ref.Bytes() }
func (n *Node) ID() NodeID  { return n.id }

func (n *Node) IsLeaf() bool   { return n.Raw()[0] == 1 }
func (n *Node) SetLeaf(l bool) {
	if l {
		n.Raw()[0] = 1
	} else {
		n.Raw()[0] = 0
	}
}

func (n *Node) NumKeys() int          { return int(bx.U16(n.Raw()[1:3])) }
func (n *Node) setNumKeys(k int)      { bx.PutU16(n.Raw()[1:3], uint16(k)) }
func (n *Node) PrevLeaf() NodeID      { return NodeID(bx.U32(n.Raw()[3:7])) }
func (n *Node) SetPrevLeaf(id NodeID) { bx.PutU32(n.Raw()[3:7], uint32(id)) }
func (n *Node) NextLeaf() NodeID      { return NodeID(bx.U32(n.Raw()[7:11])) }
func (n *Node) SetNextLeaf(id NodeID) { bx.PutU32(n.Raw()[7:11], uint32(id)) }

func (n *Node) keySize() int        { return n.keyType.FixedSize() }
func (n *Node) leafEntrySize() int  { return n.keySize() + rowIndexSize }
func (n *Node) intEntrySize() int   { return n.keySize() + childIDSize }

func (n *Node) entrySize() int {
	if n.IsLeaf() {
		return n.leafEntrySize()
	}
	return n.intEntrySize()
}

func (n *Node) entryOffset(i int) int { return headerSize + i*n.entrySize() }

// sentinelKey is the logical maximum of the key's type: a leaf's last slot
// always compares greater than any real value (spec §4.5), so callers can
// append at the tail without special-casing "no successor".
func sentinelKey(t value.Type) value.Value {
	switch t {
	case value.Bool:
		return value.Value{Kind: t, Bool: true}
	case value.Real:
		return value.Value{Kind: t, Real: math.Inf(1)}
	case value.RichReal:
		return value.Value{Kind: t, Scale: 0, Mant: 1<<62 - 1}
	case value.Date:
		return value.Value{Kind: t, Year: 1<<15 - 1, Month: 12, Day: 31}
	case value.DateTime:
		return value.Value{Kind: t, Year: 1<<15 - 1, Month: 12, Day: 31, Hour: 23, Minute: 59, Second: 59}
	case value.HiresTime:
		return value.Value{
			Kind: t, Year: 1<<15 - 1, Month: 12, Day: 31,
			Hour: 23, Minute: 59, Second: 59, Micro: 999999,
		}
	case value.Text:
		b := make([]byte, value.TextKeyCap)
		for i := range b {
			b[i] = 0xFF
		}
		return value.Value{Kind: t, Text: string(b)}
	case value.UInt8, value.UInt16, value.UInt32, value.UInt64:
		allOnes := ^uint64(0)
		return value.Value{Kind: t, Int: int64(allOnes)}
	case value.Int8:
		return value.Value{Kind: t, Int: math.MaxInt8}
	case value.Int16:
		return value.Value{Kind: t, Int: math.MaxInt16}
	case value.Int32:
		return value.Value{Kind: t, Int: math.MaxInt32}
	default:
		return value.Value{Kind: t, Int: math.MaxInt64}
	}
}

// Key is a B-tree key: a typed value paired with the owning row's index,
// used as the final tie-breaker (spec §3).
type Key struct {
	Value value.Value
	Row   uint64
}

// Less orders a before b: by value first (nulls-first), then by row index.
func Less(a, b Key) bool {
	c := value.Compare(a.Value, b.Value)
	if c != 0 {
		return c < 0
	}
	return a.Row < b.Row
}

func (n *Node) leafKeyAt(i int) Key {
	off := n.entryOffset(i)
	buf := n.Raw()[off : off+n.keySize()]
	row := bx.U64(n.Raw()[off+n.keySize() : off+n.leafEntrySize()])
	return Key{Value: value.Decode(n.keyType, buf), Row: row}
}

func (n *Node) setLeafEntry(i int, k Key) {
	off := n.entryOffset(i)
	buf := n.Raw()[off : off+n.keySize()]
	_ = value.Encode(k.Value, buf)
	bx.PutU64(n.Raw()[off+n.keySize():off+n.leafEntrySize()], k.Row)
}

func (n *Node) internalKeyAt(i int) Key {
	off := n.entryOffset(i)
	buf := n.Raw()[off : off+n.keySize()]
	return Key{Value: value.Decode(n.keyType, buf)}
}

func (n *Node) internalChildAt(i int) NodeID {
	off := n.entryOffset(i)
	return NodeID(bx.U32(n.Raw()[off+n.keySize() : off+n.intEntrySize()]))
}

func (n *Node) setInternalEntry(i int, k Key, child NodeID) {
	off := n.entryOffset(i)
	buf := n.Raw()[off : off+n.keySize()]
	_ = value.Encode(k.Value, buf)
	bx.PutU32(n.Raw()[off+n.keySize():off+n.intEntrySize()], uint32(child))
}

// insertLeafAt shifts entries [i:numKeys) right by one slot and writes k at i.
func (n *Node) insertLeafAt(i int, k Key) {
	num := n.NumKeys()
	es := n.leafEntrySize()
	raw := n.Raw()
	src := headerSize + i*es
	dstEnd := headerSize + (num+1)*es
	copy(raw[src+es:dstEnd], raw[src:headerSize+num*es])
	n.setNumKeys(num + 1)
	n.setLeafEntry(i, k)
}

func (n *Node) removeLeafAt(i int) {
	num := n.NumKeys()
	es := n.leafEntrySize()
	raw := n.Raw()
	copy(raw[headerSize+i*es:headerSize+(num-1)*es], raw[headerSize+(i+1)*es:headerSize+num*es])
	n.setNumKeys(num - 1)
}

func (n *Node) insertInternalAt(i int, k Key, child NodeID) {
	num := n.NumKeys()
	es := n.intEntrySize()
	raw := n.Raw()
	src := headerSize + i*es
	dstEnd := headerSize + (num+1)*es
	copy(raw[src+es:dstEnd], raw[src:headerSize+num*es])
	n.setNumKeys(num + 1)
	n.setInternalEntry(i, k, child)
}

func (n *Node) removeInternalAt(i int) {
	num := n.NumKeys()
	es := n.intEntrySize()
	raw := n.Raw()
	copy(raw[headerSize+i*es:headerSize+(num-1)*es], raw[headerSize+(i+1)*es:headerSize+num*es])
	n.setNumKeys(num - 1)
}

// lowerBound returns the index of the first leaf key >= k.
func (n *Node) lowerBoundLeaf(k Key) int {
	lo, hi := 0, n.NumKeys()
	for lo < hi {
		mid := (lo + hi) / 2
		if Less(n.leafKeyAt(mid), k) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// childIndex returns which child to descend into for key k. Internal
// entry i stores the minimum key of child i's subtree, so the right child
// is the last one whose minimum key is <= k.
func (n *Node) childIndex(k Key) int {
	num := n.NumKeys()
	for i := 0; i < num-1; i++ {
		if Less(k, n.internalKeyAt(i+1)) {
			return i
		}
	}
	return num - 1
}
