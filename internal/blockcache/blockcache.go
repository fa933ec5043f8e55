// Package blockcache implements the write-back cache of equally sized
// blocks that the variable-size heap and every B-tree node manager sit on
// top of (spec §4.3). It knows nothing about what an "item" means; it only
// moves fixed-size byte slices in and out of a BackingStore in block-sized
// batches.
package blockcache

import (
	"log/slog"
	"sync"

	"github.com/pastra-db/pastra/internal/engineerr"
)

// BackingStore is anything a Cache can page items in from and flush items
// back out to. first/count are item indices, not byte offsets; buf is
// exactly count*itemSize bytes.
type BackingStore interface {
	StoreItems(first, count int, buf []byte) error
	RetrieveItems(first, count int, buf []byte) error
}

type block struct {
	blockID int // -1 when the slot is empty
	data    []byte
	dirty   bool
	pin     int32
}

// Cache is a fixed-count write-back cache of blockCount blocks, each
// holding itemsPerBlock fixed-size items, over a BackingStore.
type Cache struct {
	mu sync.Mutex

	itemSize      int
	itemsPerBlock int
	blockCount    int
	store         BackingStore

	blocks  []*block
	byBlock map[int]int // blockID -> slot index
	repl    *slotReplacer
}

// slotReplacer picks an eviction victim among the cache's blockCount slots
// using CLOCK (second-chance): each slot carries a ref bit set on every
// Touch and a pin-derived evictable bit, and Evict sweeps the clock hand
// clearing ref bits until it finds one already clear.
type slotReplacer struct {
	ref       []bool
	evictable []bool
	present   []bool
	hand      int
	size      int // number of evictable slots
}

func newSlotReplacer(capacity int) *slotReplacer {
	if capacity <= 0 {
		capacity = 1
	}
	return &slotReplacer{
		ref:       make([]bool, capacity),
		evictable: make([]bool, capacity),
		present:   make([]bool, capacity),
	}
}

// touch marks slot as recently accessed.
func (r *slotReplacer) touch(slot int) {
	r.present[slot] = true
	r.ref[slot] = true
}

// setEvictable marks whether slot can be evicted (e.g. pin count hits 0).
func (r *slotReplacer) setEvictable(slot int, evictable bool) {
	if !r.present[slot] {
		return
	}
	if r.evictable[slot] == evictable {
		return
	}
	r.evictable[slot] = evictable
	if evictable {
		r.size++
	} else {
		r.size--
	}
}

// evict returns a victim slot and removes it from tracking, or ok=false if
// no evictable slot exists.
func (r *slotReplacer) evict() (slot int, ok bool) {
	n := len(r.ref)
	if n == 0 || r.size == 0 {
		return -1, false
	}
	// Up to two full sweeps: the first clears ref bits on candidates given
	// a second chance, the second catches anything that survived only
	// because it was touched during the first pass.
	for range 2 * n {
		idx := r.hand
		r.hand = (r.hand + 1) % n
		if !r.present[idx] || !r.evictable[idx] {
			continue
		}
		if !r.ref[idx] {
			r.present[idx] = false
			r.evictable[idx] = false
			r.size--
			return idx, true
		}
		r.ref[idx] = false
	}
	return -1, false
}

// remove drops slot from tracking entirely (e.g. a block is being reused
// for a different blockID before the cache ever evicted it naturally).
func (r *slotReplacer) remove(slot int) {
	if !r.present[slot] {
		return
	}
	if r.evictable[slot] {
		r.size--
	}
	r.present[slot] = false
	r.evictable[slot] = false
	r.ref[slot] = false
}

// New builds a cache of blockCount blocks, each sized itemsPerBlock*itemSize
// bytes, fronting store.
func New(store BackingStore, itemSize, itemsPerBlock, blockCount int) (*Cache, error) {
	if itemSize <= 0 || itemsPerBlock <= 0 || blockCount <= 0 {
		return nil, engineerr.New(engineerr.InvalidParameters, "blockcache: sizes must be positive")
	}
	blocks := make([]*block, blockCount)
	for i := range blocks {
		blocks[i] = &block{blockID: -1, data: make([]byte, itemsPerBlock*itemSize)}
	}
	return &Cache{
		itemSize:      itemSize,
		itemsPerBlock: itemsPerBlock,
		blockCount:    blockCount,
		store:         store,
		blocks:        blocks,
		byBlock:       make(map[int]int),
		repl:          newSlotReplacer(blockCount),
	}, nil
}

// BlockCount reports the fixed number of blocks this cache holds.
func (c *Cache) BlockCount() int { return c.blockCount }

func (c *Cache) blockOf(item int) (blockID, offset int) {
	return item / c.itemsPerBlock, (item % c.itemsPerBlock) * c.itemSize
}

// Ref is a pinned reference to a single item's bytes. The bytes are valid
// until Release is called; the caller must not retain the slice past that.
type Ref struct {
	c     *Cache
	slot  int
	bytes []byte
}

// Bytes returns the item's backing slice, in place, for read or write.
func (r *Ref) Bytes() []byte { return r.bytes }

// MarkDirty flags the containing block to be rewritten on the next flush.
func (r *Ref) MarkDirty() {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.c.blocks[r.slot].dirty = true
}

// Release unpins the block backing this reference.
func (r *Ref) Release() {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	b := r.c.blocks[r.slot]
	if b.pin > 0 {
		b.pin--
		if b.pin == 0 {
			r.c.repl.setEvictable(r.slot, true)
		}
	}
}

// Retrieve pins the block holding item i and returns a Ref to its bytes.
// The caller must call Ref.Release when done.
func (c *Cache) Retrieve(item int) (*Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blockID, offset := c.blockOf(item)

	if slot, ok := c.byBlock[blockID]; ok {
		b := c.blocks[slot]
		wasUnpinned := b.pin == 0
		b.pin++
		c.repl.touch(slot)
		if wasUnpinned {
			c.repl.setEvictable(slot, false)
		}
		slog.Debug("blockcache: hit", "block_id", blockID, "slot", slot, "pin", b.pin)
		return &Ref{c: c, slot: slot, bytes: b.data[offset : offset+c.itemSize]}, nil
	}

	slot, err := c.acquireSlot(blockID)
	if err != nil {
		return nil, err
	}
	b := c.blocks[slot]
	return &Ref{c: c, slot: slot, bytes: b.data[offset : offset+c.itemSize]}, nil
}

// acquireSlot finds a free or evictable slot, loads blockID's items into
// it from the backing store, and returns the slot pinned once.
func (c *Cache) acquireSlot(blockID int) (int, error) {
	slot := -1
	for i, b := range c.blocks {
		if b.blockID == -1 {
			slot = i
			break
		}
	}

	if slot == -1 {
		victim, ok := c.repl.evict()
		if !ok {
			return 0, engineerr.New(engineerr.GeneralControlError, "blockcache: no free or evictable block")
		}
		b := c.blocks[victim]
		if b.dirty {
			if err := c.store.StoreItems(b.blockID*c.itemsPerBlock, c.itemsPerBlock, b.data); err != nil {
				c.repl.setEvictable(victim, true)
				return 0, err
			}
			b.dirty = false
		}
		slog.Debug("blockcache: evict", "slot", victim, "evicted_block_id", b.blockID, "loading_block_id", blockID)
		delete(c.byBlock, b.blockID)
		slot = victim
	}

	b := c.blocks[slot]
	if err := c.store.RetrieveItems(blockID*c.itemsPerBlock, c.itemsPerBlock, b.data); err != nil {
		return 0, err
	}
	b.blockID = blockID
	b.dirty = false
	b.pin = 1
	c.byBlock[blockID] = slot
	c.repl.touch(slot)
	c.repl.setEvictable(slot, false)
	slog.Debug("blockcache: load", "slot", slot, "block_id", blockID)
	return slot, nil
}

// Flush writes every dirty block back to the store and clears its mark.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		if b.blockID == -1 || !b.dirty {
			continue
		}
		if err := c.store.StoreItems(b.blockID*c.itemsPerBlock, c.itemsPerBlock, b.data); err != nil {
			return err
		}
		b.dirty = false
	}
	return nil
}

// FlushItem flushes just the block containing item i, if it is cached and dirty.
func (c *Cache) FlushItem(item int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	blockID, _ := c.blockOf(item)
	slot, ok := c.byBlock[blockID]
	if !ok {
		return nil
	}
	b := c.blocks[slot]
	if !b.dirty {
		return nil
	}
	if err := c.store.StoreItems(b.blockID*c.itemsPerBlock, c.itemsPerBlock, b.data); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// RefreshItem discards any cached copy of item i's block and forces the
// next Retrieve to re-read it from the backing store.
func (c *Cache) RefreshItem(item int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	blockID, _ := c.blockOf(item)
	slot, ok := c.byBlock[blockID]
	if !ok {
		return nil
	}
	b := c.blocks[slot]
	if b.pin > 0 {
		return engineerr.New(engineerr.GeneralControlError, "blockcache: cannot refresh a pinned block")
	}
	delete(c.byBlock, blockID)
	b.blockID = -1
	b.dirty = false
	c.repl.remove(slot)
	return nil
}
