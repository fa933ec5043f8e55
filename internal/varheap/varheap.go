// Package varheap implements the engine's variable-size heap (spec §4.4):
// a dense vector of 64-byte entries over a single backing container, used
// to store text and array payloads that don't fit inline in a row. Records
// are singly linked chains of entries; a doubly-linked free list recycles
// deleted entries, preferring address-adjacent neighbors to keep chains of
// a growing record physically contiguous.
package varheap

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pastra-db/pastra/internal/blockcache"
	"github.com/pastra-db/pastra/internal/bx"
	"github.com/pastra-db/pastra/internal/container"
	"github.com/pastra-db/pastra/internal/engineerr"
)

const (
	EntrySize   = 64
	headerSize  = 16
	PayloadSize = EntrySize - headerSize

	entryDeletedMask uint64 = 0x8000000000000000
	firstRecordMask  uint64 = 0x4000000000000000
	addressMask      uint64 = ^(entryDeletedMask | firstRecordMask)

	// LastChained marks end-of-record; LastDeleted marks tail of the free
	// list. They share a bit pattern, matching the original layout.
	LastChained uint64 = 0x0FFFFFFFFFFFFFFF
	LastDeleted uint64 = 0x0FFFFFFFFFFFFFFF

	// freeListSentinel is entry 0: reserved, never part of a live record.
	freeListSentinel uint64 = 0
)

// entryView is a 64-byte window onto one entry, as handed back by the
// block cache.
type entryView []byte

func (e entryView) rawNext() uint64     { return bx.U64(e[8:16]) }
func (e entryView) setRawNext(v uint64) { bx.PutU64(e[8:16], v) }

func (e entryView) PrevEntry() uint64     { return bx.U64(e[0:8]) }
func (e entryView) SetPrevEntry(v uint64) { bx.PutU64(e[0:8], v) }

func (e entryView) NextEntry() uint64 { return e.rawNext() & addressMask }
func (e entryView) SetNextEntry(v uint64) {
	flags := e.rawNext() & (entryDeletedMask | firstRecordMask)
	e.setRawNext(flags | (v & addressMask))
}

func (e entryView) IsDeleted() bool { return e.rawNext()&entryDeletedMask != 0 }
func (e entryView) SetDeleted(d bool) {
	v := e.rawNext()
	if d {
		v |= entryDeletedMask
	} else {
		v &^= entryDeletedMask
	}
	e.setRawNext(v)
}

func (e entryView) IsFirst() bool { return e.rawNext()&firstRecordMask != 0 }
func (e entryView) SetFirst(f bool) {
	v := e.rawNext()
	if f {
		v |= firstRecordMask
	} else {
		v &^= firstRecordMask
	}
	e.setRawNext(v)
}

func (e entryView) Payload() []byte { return e[headerSize:EntrySize] }

// containerStore adapts a container.Container to blockcache.BackingStore at
// entry granularity, zero-filling reads past the container's current size
// and growing it on demand for writes (spec §4.4's "extend the backing
// container by one entry").
type containerStore struct {
	c        container.Container
	itemSize int
}

func (s *containerStore) RetrieveItems(first, count int, buf []byte) error {
	offset := uint64(first) * uint64(s.itemSize)
	size := s.c.Size()
	if offset >= size {
		clear(buf)
		return nil
	}
	avail := size - offset
	if avail >= uint64(len(buf)) {
		return s.c.ReadAt(offset, buf)
	}
	clear(buf)
	return s.c.ReadAt(offset, buf[:avail])
}

func (s *containerStore) StoreItems(first, count int, buf []byte) error {
	offset := uint64(first) * uint64(s.itemSize)
	size := s.c.Size()
	if offset > size {
		if err := s.c.WriteAt(size, make([]byte, offset-size)); err != nil {
			return err
		}
	}
	return s.c.WriteAt(offset, buf)
}

// Heap is the variable-size heap over one backing container.
type Heap struct {
	store      *containerStore
	cache      *blockcache.Cache
	entryCount uint64
}

// Open attaches a Heap to c, initializing the free-list sentinel entry if
// the container is empty, or picking up entryCount from its current size
// otherwise.
func Open(c container.Container, itemsPerBlock, blockCount int) (*Heap, error) {
	store := &containerStore{c: c, itemSize: EntrySize}
	cache, err := blockcache.New(store, EntrySize, itemsPerBlock, blockCount)
	if err != nil {
		return nil, err
	}
	h := &Heap{store: store, cache: cache, entryCount: c.Size() / EntrySize}

	if h.entryCount == 0 {
		if err := h.growOneEntry(); err != nil {
			return nil, err
		}
		ref, err := h.cache.Retrieve(0)
		if err != nil {
			return nil, err
		}
		ev := entryView(ref.Bytes())
		ev.SetPrevEntry(0)
		ev.SetNextEntry(LastDeleted)
		ref.MarkDirty()
		ref.Release()
	}
	return h, nil
}

func (h *Heap) growOneEntry() error {
	if err := h.store.c.WriteAt(h.entryCount*EntrySize, make([]byte, EntrySize)); err != nil {
		return err
	}
	h.entryCount++
	return nil
}

func (h *Heap) get(id uint64) (*blockcache.Ref, entryView, error) {
	ref, err := h.cache.Retrieve(int(id))
	if err != nil {
		return nil, nil, err
	}
	return ref, entryView(ref.Bytes()), nil
}

func (h *Heap) isFree(id uint64) (bool, error) {
	if id == 0 || id >= h.entryCount {
		return false, nil
	}
	ref, ev, err := h.get(id)
	if err != nil {
		return false, err
	}
	free := ev.IsDeleted()
	ref.Release()
	return free, nil
}

// freeListRemove detaches entry id from the free list given its known
// prev/next free pointers.
func (h *Heap) freeListRemove(id uint64, prevFree, nextFree uint64) error {
	if prevFree == freeListSentinel {
		ref, ev, err := h.get(freeListSentinel)
		if err != nil {
			return err
		}
		ev.SetNextEntry(nextFree)
		ref.MarkDirty()
		ref.Release()
	} else {
		ref, ev, err := h.get(prevFree)
		if err != nil {
			return err
		}
		ev.SetNextEntry(nextFree)
		ref.MarkDirty()
		ref.Release()
	}
	if nextFree != LastDeleted {
		ref, ev, err := h.get(nextFree)
		if err != nil {
			return err
		}
		ev.SetPrevEntry(prevFree)
		ref.MarkDirty()
		ref.Release()
	}
	return nil
}

func (h *Heap) freeListInsertAtHead(id uint64) error {
	sref, sv, err := h.get(freeListSentinel)
	if err != nil {
		return err
	}
	oldHead := sv.NextEntry()
	sv.SetNextEntry(id)
	sref.MarkDirty()
	sref.Release()

	ref, ev, err := h.get(id)
	if err != nil {
		return err
	}
	ev.SetDeleted(true)
	ev.SetFirst(false)
	ev.SetPrevEntry(freeListSentinel)
	ev.SetNextEntry(oldHead)
	ref.MarkDirty()
	ref.Release()

	if oldHead != LastDeleted {
		oref, oev, err := h.get(oldHead)
		if err != nil {
			return err
		}
		oev.SetPrevEntry(id)
		oref.MarkDirty()
		oref.Release()
	}
	return nil
}

// freeListInsertAfter splices id into the free list immediately after nb,
// preserving nb's old successor.
func (h *Heap) freeListInsertAfter(nb, id uint64) error {
	nref, nv, err := h.get(nb)
	if err != nil {
		return err
	}
	oldNext := nv.NextEntry()
	nv.SetNextEntry(id)
	nref.MarkDirty()
	nref.Release()

	ref, ev, err := h.get(id)
	if err != nil {
		return err
	}
	ev.SetDeleted(true)
	ev.SetFirst(false)
	ev.SetPrevEntry(nb)
	ev.SetNextEntry(oldNext)
	ref.MarkDirty()
	ref.Release()

	if oldNext != LastDeleted {
		oref, oev, err := h.get(oldNext)
		if err != nil {
			return err
		}
		oev.SetPrevEntry(id)
		oref.MarkDirty()
		oref.Release()
	}
	return nil
}

// freeEntry returns entry id to the free list, splicing alongside an
// address-adjacent free neighbor when one exists (spec §4.4).
func (h *Heap) freeEntry(id uint64) error {
	if id-1 >= 1 {
		if free, err := h.isFree(id - 1); err != nil {
			return err
		} else if free {
			return h.freeListInsertAfter(id-1, id)
		}
	}
	if id+1 < h.entryCount {
		if free, err := h.isFree(id + 1); err != nil {
			return err
		} else if free {
			nref, nv, err := h.get(id + 1)
			if err != nil {
				return err
			}
			prevOfNeighbor := nv.PrevEntry()
			nref.Release()
			if prevOfNeighbor == freeListSentinel {
				return h.freeListInsertAtHead(id)
			}
			return h.freeListInsertAfter(prevOfNeighbor, id)
		}
	}
	return h.freeListInsertAtHead(id)
}

// AllocateEntry returns a fresh, live entry id, detached from the free
// list, preferring an address-adjacent free neighbor of prev for
// locality. When prev != 0 the new entry is spliced into prev's record
// chain immediately after it.
func (h *Heap) AllocateEntry(prev uint64) (uint64, error) {
	var id uint64
	var found bool

	if prev != 0 {
		for _, cand := range []uint64{prev + 1, prev - 1} {
			if cand == 0 || cand >= h.entryCount {
				continue
			}
			free, err := h.isFree(cand)
			if err != nil {
				return 0, err
			}
			if free {
				id, found = cand, true
				break
			}
		}
	}

	if !found {
		sref, sv, err := h.get(freeListSentinel)
		if err != nil {
			return 0, err
		}
		head := sv.NextEntry()
		sref.Release()
		if head != LastDeleted {
			id, found = head, true
		}
	}

	if found {
		ref, ev, err := h.get(id)
		if err != nil {
			return 0, err
		}
		prevFree, nextFree := ev.PrevEntry(), ev.NextEntry()
		ref.Release()
		if err := h.freeListRemove(id, prevFree, nextFree); err != nil {
			return 0, err
		}
	} else {
		id = h.entryCount
		if err := h.growOneEntry(); err != nil {
			return 0, err
		}
	}

	ref, ev, err := h.get(id)
	if err != nil {
		return 0, err
	}
	ev.SetDeleted(false)
	ev.SetFirst(false)
	ev.SetPrevEntry(0)
	ev.SetNextEntry(LastChained)
	ref.MarkDirty()
	ref.Release()

	if prev != 0 {
		pref, pv, err := h.get(prev)
		if err != nil {
			return 0, err
		}
		oldNext := pv.NextEntry()
		pv.SetNextEntry(id)
		pref.MarkDirty()
		pref.Release()

		ref, ev, err := h.get(id)
		if err != nil {
			return 0, err
		}
		ev.SetNextEntry(oldNext)
		ref.MarkDirty()
		ref.Release()
	}

	return id, nil
}

// AddRecord allocates a new chain-terminated, refcount-1 record and writes
// payload into it.
func (h *Heap) AddRecord(payload []byte) (uint64, error) {
	id, err := h.AllocateEntry(0)
	if err != nil {
		return 0, err
	}
	ref, ev, err := h.get(id)
	if err != nil {
		return 0, err
	}
	ev.SetFirst(true)
	ev.SetPrevEntry(1) // refcount, stashed in the first entry's prev_entry field
	ref.MarkDirty()
	ref.Release()

	if err := h.UpdateRecord(id, 0, payload); err != nil {
		return 0, err
	}
	return id, nil
}

// AddRecordFrom copies srcLen bytes starting at srcOffset out of src (any
// container) into a freshly allocated record, streaming through a 64-byte
// bounce buffer.
func (h *Heap) AddRecordFrom(src container.Container, srcOffset, srcLen uint64) (uint64, error) {
	id, err := h.AllocateEntry(0)
	if err != nil {
		return 0, err
	}
	ref, ev, err := h.get(id)
	if err != nil {
		return 0, err
	}
	ev.SetFirst(true)
	ev.SetPrevEntry(1)
	ref.MarkDirty()
	ref.Release()

	bounce := make([]byte, EntrySize)
	var written uint64
	for written < srcLen {
		n := srcLen - written
		if n > EntrySize {
			n = EntrySize
		}
		if err := src.ReadAt(srcOffset+written, bounce[:n]); err != nil {
			return 0, err
		}
		if err := h.UpdateRecord(id, written, bounce[:n]); err != nil {
			return 0, err
		}
		written += n
	}
	return id, nil
}

// ReadRecord copies len(buf) bytes starting at logical offset out of the
// record chain rooted at first.
func (h *Heap) ReadRecord(first, offset uint64, buf []byte) error {
	remaining := buf
	return h.walkTransfer(first, offset, func(id uint64, intraOff int, chunk int) error {
		ref, ev, err := h.get(id)
		if err != nil {
			return err
		}
		copy(remaining[:chunk], ev.Payload()[intraOff:intraOff+chunk])
		ref.Release()
		remaining = remaining[chunk:]
		return nil
	}, len(buf))
}

// UpdateRecord writes len(buf) bytes at logical offset into the record
// chain rooted at first, allocating new entries past the current
// end-of-chain as needed.
func (h *Heap) UpdateRecord(first, offset uint64, buf []byte) error {
	remaining := buf
	return h.walkTransferGrow(first, offset, func(id uint64, intraOff int, chunk int) error {
		ref, ev, err := h.get(id)
		if err != nil {
			return err
		}
		copy(ev.Payload()[intraOff:intraOff+chunk], remaining[:chunk])
		ref.MarkDirty()
		ref.Release()
		remaining = remaining[chunk:]
		return nil
	}, len(buf))
}

// walkTransfer visits entries of the chain rooted at first, starting at
// logical offset, calling xfer once per entry visited with the
// intra-entry offset and chunk length until total bytes have been
// transferred. It fails if the chain ends early.
func (h *Heap) walkTransfer(first, offset uint64, xfer func(id uint64, intraOff, chunk int) error, total int) error {
	id := first
	for offset >= PayloadSize {
		ref, ev, err := h.get(id)
		if err != nil {
			return err
		}
		next := ev.NextEntry()
		ref.Release()
		if next == LastChained {
			return engineerr.New(engineerr.TableInconsistency, "varheap: read past end of chain at entry %d", id)
		}
		id = next
		offset -= PayloadSize
	}

	remaining := total
	intraOff := int(offset)
	for remaining > 0 {
		chunk := PayloadSize - intraOff
		if chunk > remaining {
			chunk = remaining
		}
		if err := xfer(id, intraOff, chunk); err != nil {
			return err
		}
		remaining -= chunk
		intraOff = 0
		if remaining == 0 {
			break
		}
		ref, ev, err := h.get(id)
		if err != nil {
			return err
		}
		next := ev.NextEntry()
		ref.Release()
		if next == LastChained {
			return engineerr.New(engineerr.TableInconsistency, "varheap: read past end of chain at entry %d", id)
		}
		id = next
	}
	return nil
}

// walkTransferGrow is walkTransfer's write-side twin: when it would run off
// the end of the chain it allocates a fresh entry instead of failing.
func (h *Heap) walkTransferGrow(first, offset uint64, xfer func(id uint64, intraOff, chunk int) error, total int) error {
	id := first
	for offset >= PayloadSize {
		ref, ev, err := h.get(id)
		if err != nil {
			return err
		}
		next := ev.NextEntry()
		ref.Release()
		if next == LastChained {
			next, err = h.AllocateEntry(id)
			if err != nil {
				return err
			}
		}
		id = next
		offset -= PayloadSize
	}

	remaining := total
	intraOff := int(offset)
	for remaining > 0 {
		chunk := PayloadSize - intraOff
		if chunk > remaining {
			chunk = remaining
		}
		if err := xfer(id, intraOff, chunk); err != nil {
			return err
		}
		remaining -= chunk
		intraOff = 0
		if remaining == 0 {
			break
		}
		ref, ev, err := h.get(id)
		if err != nil {
			return err
		}
		next := ev.NextEntry()
		ref.Release()
		if next == LastChained {
			next, err = h.AllocateEntry(id)
			if err != nil {
				return err
			}
		}
		id = next
	}
	return nil
}

// Incref adds one to the record's shared reference count.
func (h *Heap) Incref(first uint64) error {
	ref, ev, err := h.get(first)
	if err != nil {
		return err
	}
	ev.SetPrevEntry(ev.PrevEntry() + 1)
	ref.MarkDirty()
	ref.Release()
	return nil
}

// Decref subtracts one from the record's reference count, freeing the
// whole chain once it reaches zero.
func (h *Heap) Decref(first uint64) error {
	ref, ev, err := h.get(first)
	if err != nil {
		return err
	}
	rc := ev.PrevEntry()
	if rc == 0 {
		ref.Release()
		return engineerr.New(engineerr.TableInconsistency, "varheap: decref on entry %d with zero refcount", first)
	}
	rc--
	ev.SetPrevEntry(rc)
	ref.MarkDirty()
	ref.Release()

	if rc > 0 {
		return nil
	}
	return h.freeChain(first)
}

// freeChain returns every entry of the chain rooted at first to the free
// list.
func (h *Heap) freeChain(first uint64) error {
	id := first
	for {
		ref, ev, err := h.get(id)
		if err != nil {
			return err
		}
		next := ev.NextEntry()
		ref.Release()

		if err := h.freeEntry(id); err != nil {
			return err
		}
		if next == LastChained {
			return nil
		}
		id = next
	}
}

// Flush writes all dirty blocks back to the backing container.
func (h *Heap) Flush() error { return h.cache.Flush() }

// StorageCheck accumulates reachability during repair (spec §4.4).
type StorageCheck struct {
	seen []bool
}

func (h *Heap) BeginStorageCheck() *StorageCheck {
	return &StorageCheck{seen: make([]bool, h.entryCount)}
}

func (h *Heap) markChain(sc *StorageCheck, first uint64) error {
	id := first
	for {
		if id >= uint64(len(sc.seen)) {
			return engineerr.New(engineerr.TableInconsistency, "varheap: chain references out-of-range entry %d", id)
		}
		sc.seen[id] = true
		ref, ev, err := h.get(id)
		if err != nil {
			return err
		}
		next := ev.NextEntry()
		ref.Release()
		if next == LastChained {
			return nil
		}
		id = next
	}
}

// CheckArrayEntry marks the chain rooted at first as reachable.
func (h *Heap) CheckArrayEntry(sc *StorageCheck, first uint64) error {
	return h.markChain(sc, first)
}

// CheckTextEntry marks the chain rooted at first as reachable and verifies
// its payload is valid UTF-8 (spec §7 INVALID_UNICODE_CHAR).
func (h *Heap) CheckTextEntry(sc *StorageCheck, first uint64, length uint64) error {
	if err := h.markChain(sc, first); err != nil {
		return err
	}
	buf := make([]byte, length)
	if err := h.ReadRecord(first, 0, buf); err != nil {
		return err
	}
	if !utf8.Valid(buf) {
		return engineerr.New(engineerr.InvalidUnicodeChar, "varheap: entry %d holds invalid UTF-8 text", first)
	}
	return nil
}

// ConcludeStorageCheck frees every entry repair never marked reachable and
// rebuilds the free list from scratch.
func (h *Heap) ConcludeStorageCheck(sc *StorageCheck) error {
	sref, sv, err := h.get(freeListSentinel)
	if err != nil {
		return err
	}
	sv.SetNextEntry(LastDeleted)
	sref.MarkDirty()
	sref.Release()

	var freed int
	for id := uint64(1); id < uint64(len(sc.seen)); id++ {
		if sc.seen[id] {
			continue
		}
		if err := h.freeListInsertAtHead(id); err != nil {
			return err
		}
		freed++
	}
	slog.Info("varheap: storage check concluded", "entries", len(sc.seen), "freed", freed)
	return nil
}
