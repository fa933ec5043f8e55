// Package table implements the engine's row store (spec §4.6): fixed-width
// row slots in a rows container, variable payloads in a shared
// variable-size heap, one optional secondary B-tree per field, and a
// mandatory row-removal B-tree that recycles tombstoned row slots.
package table

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/pastra-db/pastra/internal/blockcache"
	"github.com/pastra-db/pastra/internal/btree"
	"github.com/pastra-db/pastra/internal/bx"
	"github.com/pastra-db/pastra/internal/config"
	"github.com/pastra-db/pastra/internal/container"
	"github.com/pastra-db/pastra/internal/engineerr"
	"github.com/pastra-db/pastra/internal/value"
	"github.com/pastra-db/pastra/internal/varheap"
)

// heap slot inline encoding (spec §3): the trailing byte of a field's
// 16-byte slot carries a length with the high bit set when the value is
// stored inline; otherwise the slot holds an (entry_id, size) pair whose
// size occupies the last 8 bytes with its own top bit clear.
const (
	inlineCap  = 15
	inlineFlag = 0x80
)

func isInline(slot []byte) bool { return slot[15]&inlineFlag != 0 }

func encodeInline(payload []byte, slot []byte) {
	clear(slot)
	slot[15] = byte(len(payload)) | inlineFlag
	copy(slot[0:15], payload)
}

func decodeInline(slot []byte) []byte {
	n := int(slot[15] &^ inlineFlag)
	out := make([]byte, n)
	copy(out, slot[0:15])
	return out
}

func encodeHeapRef(entryID, size uint64, slot []byte) {
	bx.PutU64(slot[0:8], entryID)
	bx.PutU64(slot[8:16], size)
}

func decodeHeapRef(slot []byte) (entryID, size uint64) {
	return bx.U64(slot[0:8]), bx.U64(slot[8:16])
}

// Suffixes for a table's family of containers (spec §6).
const (
	rowsSuffix = "_f"
	heapSuffix = "_v"
)

func indexSuffix(field string) string { return "_" + field + "_bt" }

// lifecycle tracks the persistent state machine (spec §4.6); temporal
// tables skip it entirely.
type lifecycle int

const (
	lifecycleClosed lifecycle = iota
	lifecycleOpenClean
	lifecycleOpenDirty
	lifecycleRemoved
)

// Table owns one table's full storage graph: the table container (header +
// descriptors + row-removal B-tree), the rows container, the shared
// variable-size heap, and every secondary index.
type Table struct {
	mu sync.Mutex

	dir, name string
	temporal  bool
	settings  config.DatabaseSettings

	fields    []FieldDescriptor
	rowSize   int
	nullBytes int

	header Header
	life   lifecycle

	mainContainer container.Container
	rowsContainer container.Container
	rowStore      *rowStore
	rowCache      *blockcache.Cache

	heap          *varheap.Heap
	heapContainer container.Container

	rrManager *btree.Manager
	rrTree    *btree.RowRemovalTree

	indexManagers   map[string]*btree.Manager
	indexTrees      map[string]*btree.Tree
	indexContainers map[string]container.Container

	lockFile *os.File
}

// rowStore adapts the rows container to blockcache.BackingStore at
// row-slot granularity (same pattern as varheap's and btree's container
// adapters).
type rowStore struct {
	c       container.Container
	rowSize int
}

func (s *rowStore) RetrieveItems(first, count int, buf []byte) error {
	offset := uint64(first) * uint64(s.rowSize)
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

func (s *rowStore) StoreItems(first, count int, buf []byte) error {
	offset := uint64(first) * uint64(s.rowSize)
	size := s.c.Size()
	if offset > size {
		if err := s.c.WriteAt(size, make([]byte, offset-size)); err != nil {
			return err
		}
	}
	return s.c.WriteAt(offset, buf)
}

// offsetView presents a sub-range of an existing container, starting at
// base, as its own zero-based container. The row-removal B-tree's nodes
// live inside the main table container immediately after the descriptor
// area (spec §3); this lets btree.Manager address them without knowing
// about the header or descriptors ahead of it.
type offsetView struct {
	base  uint64
	inner container.Container
}

func (o *offsetView) ReadAt(offset uint64, buf []byte) error  { return o.inner.ReadAt(o.base+offset, buf) }
func (o *offsetView) WriteAt(offset uint64, buf []byte) error { return o.inner.WriteAt(o.base+offset, buf) }
func (o *offsetView) Collapse(from, to uint64) error          { return o.inner.Collapse(o.base+from, o.base+to) }
func (o *offsetView) Size() uint64 {
	s := o.inner.Size()
	if s <= o.base {
		return 0
	}
	return s - o.base
}
func (o *offsetView) MarkForRemoval() {}
func (o *offsetView) Flush() error    { return o.inner.Flush() }
func (o *offsetView) Close() error    { return nil }

func (t *Table) fieldByName(name string) (FieldDescriptor, bool) {
	for _, f := range t.fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

func nullBitPos(nullBitIndex int) (byteIdx int, mask byte) {
	return nullBitIndex / 8, 1 << (nullBitIndex % 8)
}

// Create creates a fresh persistent table at dir/name with the given
// fields (spec §4.6, §3's table container layout).
func Create(dir, name string, fields []FieldDescriptor, settings config.DatabaseSettings) (*Table, error) {
	if !fieldNamePattern.MatchString(name) {
		return nil, engineerr.New(engineerr.FieldNameInvalid, "table: table name %q is not [A-Za-z0-9_]+", name)
	}
	laidOut, rowSize, err := prepareFields(fields)
	if err != nil {
		return nil, err
	}

	t := &Table{
		dir: dir, name: name, settings: settings,
		fields: laidOut, rowSize: rowSize, nullBytes: nullBitsLen(len(laidOut)),
		indexManagers:   make(map[string]*btree.Manager),
		indexTrees:      make(map[string]*btree.Tree),
		indexContainers: make(map[string]container.Container),
	}

	mainPath := filepath.Join(dir, name)
	mc, err := container.OpenFile(dir, mainPath, settings.MaxUnitFileSize, 0)
	if err != nil {
		return nil, err
	}
	t.mainContainer = mc

	descBytes := EncodeDescriptors(laidOut)
	base := uint64(HeaderSize + len(descBytes))

	t.header = Header{
		FieldsCount:    uint32(len(laidOut)),
		DescriptorsLen: uint32(len(descBytes)),
		MaxFileSize:    uint64(settings.MaxUnitFileSize),
		RowSize:        uint32(rowSize),
		RowRemovalRoot: uint32(btree.NilNode),
		RowRemovalHead: uint32(btree.NilNode),
	}
	t.header.SetModified(true)
	if err := mc.WriteAt(0, t.header.Encode()); err != nil {
		return nil, err
	}
	if err := mc.WriteAt(HeaderSize, descBytes); err != nil {
		return nil, err
	}

	if err := t.openAuxiliaries(base); err != nil {
		return nil, err
	}
	if err := t.acquireProcessLock(); err != nil {
		return nil, err
	}

	t.life = lifecycleOpenDirty
	slog.Debug("table.created", "name", name, "fields", len(laidOut), "row_size", rowSize)
	return t, nil
}

func prepareFields(fields []FieldDescriptor) ([]FieldDescriptor, int, error) {
	if err := validateFieldSet(fields); err != nil {
		return nil, 0, err
	}
	for _, f := range fields {
		if f.IsArray && f.Indexed() {
			return nil, 0, engineerr.New(engineerr.FieldTypeInvalid, "table: array field %q may not be indexed", f.Name)
		}
	}
	laidOut, rowSize := layoutFields(fields)
	return laidOut, rowSize, nil
}

// openAuxiliaries opens the rows container, the shared heap, the
// row-removal B-tree (rooted at base inside the main container) and every
// secondary index, shared by Create and Open.
func (t *Table) openAuxiliaries(rrBase uint64) error {
	rowsPath := filepath.Join(t.dir, t.name+rowsSuffix)
	rc, err := container.OpenFile(t.dir, rowsPath, t.settings.MaxUnitFileSize, 0)
	if err != nil {
		return err
	}
	t.rowsContainer = rc
	t.rowStore = &rowStore{c: rc, rowSize: t.rowSize}
	cache, err := blockcache.New(t.rowStore, t.rowSize, 1, t.settings.RowCacheBlocks)
	if err != nil {
		return err
	}
	t.rowCache = cache

	heapPath := filepath.Join(t.dir, t.name+heapSuffix)
	hc, err := container.OpenFile(t.dir, heapPath, t.settings.MaxUnitFileSize, 0)
	if err != nil {
		return err
	}
	h, err := varheap.Open(hc, t.settings.HeapEntriesPerBlock, t.settings.HeapCacheBlocks)
	if err != nil {
		return err
	}
	t.heap = h
	t.heapContainer = hc

	view := &offsetView{base: rrBase, inner: t.mainContainer}
	rrm, err := btree.OpenManager(view, value.UInt64, t.settings.IndexNodeSize(), t.settings.IndexCacheNodes(), "")
	if err != nil {
		return err
	}
	t.rrManager = rrm
	t.rrTree = btree.NewRowRemovalTree(rrm)

	for _, f := range t.fields {
		if !f.Indexed() {
			continue
		}
		if err := t.openIndex(f); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) openIndex(f FieldDescriptor) error {
	var ic container.Container
	var metaPath string
	if t.temporal {
		c, err := container.NewTemporal(t.settings.TempDir, t.name+indexSuffix(f.Name), t.settings.MaxUnitFileSize, 1<<20)
		if err != nil {
			return err
		}
		ic = c
	} else {
		idxPath := filepath.Join(t.dir, t.name+indexSuffix(f.Name))
		c, err := container.OpenFile(t.dir, idxPath, t.settings.MaxUnitFileSize, 0)
		if err != nil {
			return err
		}
		ic = c
		metaPath = filepath.Join(t.dir, t.name+indexSuffix(f.Name)+".meta.json")
	}

	m, err := btree.OpenManager(ic, f.BaseType, f.IndexNodeSizeKiB*1024, t.settings.IndexCacheNodes(), metaPath)
	if err != nil {
		return err
	}
	t.indexManagers[f.Name] = m
	t.indexTrees[f.Name] = btree.NewTree(m)
	t.indexContainers[f.Name] = ic
	return nil
}

// acquireProcessLock takes the advisory cross-process guard backing
// TABLE_IN_USE (SPEC_FULL.md §4's domain-stack wiring for x/sys/unix): an
// flock on a sidecar lock file, held for the table's whole open lifetime.
func (t *Table) acquireProcessLock() error {
	if t.temporal {
		return nil
	}
	path := filepath.Join(t.dir, t.name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return engineerr.Wrap(engineerr.FileOSIOError, err, "table: open lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return engineerr.Wrap(engineerr.TableInUse, err, "table: %s is locked by another process", t.name)
	}
	t.lockFile = f
	return nil
}

// Open reopens a persistent table, enforcing the MODIFIED-flag state
// machine (spec §3, §4.6, §7 TABLE_IN_USE).
func Open(dir, name string, settings config.DatabaseSettings) (*Table, error) {
	mainPath := filepath.Join(dir, name)
	mc, err := container.OpenFile(dir, mainPath, settings.MaxUnitFileSize, 0)
	if err != nil {
		return nil, err
	}

	hdrBuf := make([]byte, HeaderSize)
	if err := mc.ReadAt(0, hdrBuf); err != nil {
		_ = mc.Close()
		return nil, err
	}
	hdr, err := DecodeHeader(hdrBuf)
	if err != nil {
		_ = mc.Close()
		return nil, err
	}
	if hdr.Modified() {
		_ = mc.Close()
		return nil, engineerr.New(engineerr.TableInUse, "table: %s was not closed cleanly, run repair", name)
	}
	if hdr.MaxFileSize != uint64(settings.MaxUnitFileSize) {
		_ = mc.Close()
		return nil, engineerr.New(engineerr.TableInconsistency,
			"table: %s was created with max file size %d, opened with %d", name, hdr.MaxFileSize, settings.MaxUnitFileSize)
	}

	descBuf := make([]byte, hdr.DescriptorsLen)
	if err := mc.ReadAt(HeaderSize, descBuf); err != nil {
		_ = mc.Close()
		return nil, err
	}
	fields, err := DecodeDescriptors(descBuf, int(hdr.FieldsCount))
	if err != nil {
		_ = mc.Close()
		return nil, err
	}

	t := &Table{
		dir: dir, name: name, settings: settings,
		fields: fields, rowSize: int(hdr.RowSize), nullBytes: nullBitsLen(len(fields)),
		header:        hdr,
		mainContainer: mc,
		indexManagers:   make(map[string]*btree.Manager),
		indexTrees:      make(map[string]*btree.Tree),
		indexContainers: make(map[string]container.Container),
	}

	base := uint64(HeaderSize) + uint64(hdr.DescriptorsLen)
	if err := t.openAuxiliaries(base); err != nil {
		_ = mc.Close()
		return nil, err
	}
	if err := t.acquireProcessLock(); err != nil {
		_ = mc.Close()
		return nil, err
	}

	t.header.SetModified(true)
	if err := mc.WriteAt(0, t.header.Encode()); err != nil {
		return nil, err
	}
	t.life = lifecycleOpenClean
	slog.Debug("table.opened", "name", name, "row_count", hdr.RowCount)
	return t, nil
}

func (t *Table) loadRow(row uint64) (*blockcache.Ref, error) {
	return t.rowCache.Retrieve(int(row))
}

func (t *Table) isNull(buf []byte, f FieldDescriptor) bool {
	byteIdx, mask := nullBitPos(f.NullBitIndex)
	return buf[byteIdx]&mask != 0
}

func (t *Table) setNull(buf []byte, f FieldDescriptor, null bool) {
	byteIdx, mask := nullBitPos(f.NullBitIndex)
	if null {
		buf[byteIdx] |= mask
	} else {
		buf[byteIdx] &^= mask
	}
}

// readFieldRaw decodes field f out of an already-loaded row buffer,
// resolving text/array slots through the shared heap (spec §4.6's read
// path, the inverse of Set's write path).
func (t *Table) readFieldRaw(buf []byte, f FieldDescriptor) (value.Value, error) {
	if t.isNull(buf, f) {
		return value.Null(f.BaseType), nil
	}
	slot := buf[f.RowOffset : f.RowOffset+f.RowSize()]
	if f.IsArray || f.BaseType == value.Text {
		var payload []byte
		if isInline(slot) {
			payload = decodeInline(slot)
		} else {
			entryID, size := decodeHeapRef(slot)
			payload = make([]byte, size)
			if err := t.heap.ReadRecord(entryID, 0, payload); err != nil {
				return value.Value{}, err
			}
		}
		return value.Value{Kind: f.BaseType, Text: string(payload)}, nil
	}
	return value.Decode(f.BaseType, slot), nil
}

// Get reads one field of one row (spec §4.6).
func (t *Table) Get(row uint64, fieldName string) (value.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.fieldByName(fieldName)
	if !ok {
		return value.Value{}, engineerr.New(engineerr.FieldNameInvalid, "table: no field %q", fieldName)
	}
	ref, err := t.loadRow(row)
	if err != nil {
		return value.Value{}, err
	}
	defer ref.Release()
	return t.readFieldRaw(ref.Bytes(), f)
}

// heapStore writes payload into field f's heap slot, replacing any prior
// heap-backed record (spec §4.6 step 3: decref the old record, then either
// store the new one inline or allocate a fresh heap record).
func (t *Table) heapStore(slot []byte, wasNull bool, payload []byte) error {
	if !wasNull && !isInline(slot) {
		entryID, _ := decodeHeapRef(slot)
		if err := t.heap.Decref(entryID); err != nil {
			return err
		}
	}
	if len(payload) <= inlineCap {
		encodeInline(payload, slot)
		return nil
	}
	entryID, err := t.heap.AddRecord(payload)
	if err != nil {
		return err
	}
	encodeHeapRef(entryID, uint64(len(payload)), slot)
	return nil
}

// Set writes one field of one row (spec §4.6 step-by-step write path).
// Writing null is a literal early return: the null bit flips and nothing
// else is touched, leaving any previous index entry or heap record
// orphaned until MarkRowForReuse or repair reclaims it.
func (t *Table) Set(row uint64, fieldName string, v value.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.fieldByName(fieldName)
	if !ok {
		return engineerr.New(engineerr.FieldNameInvalid, "table: no field %q", fieldName)
	}
	ref, err := t.loadRow(row)
	if err != nil {
		return err
	}
	defer ref.Release()
	buf := ref.Bytes()
	wasNull := t.isNull(buf, f)

	if v.IsNull {
		t.setNull(buf, f, true)
		ref.MarkDirty()
		t.markDirty()
		return nil
	}
	if err := value.Validate(v); err != nil {
		return err
	}

	if !wasNull && f.Indexed() {
		old, err := t.readFieldRaw(buf, f)
		if err != nil {
			return err
		}
		if err := t.indexTrees[f.Name].RemoveKey(btree.Key{Value: old, Row: row}); err != nil {
			return err
		}
	}

	slot := buf[f.RowOffset : f.RowOffset+f.RowSize()]
	if f.IsArray || f.BaseType == value.Text {
		if err := t.heapStore(slot, wasNull, []byte(v.Text)); err != nil {
			return err
		}
	} else {
		if err := value.Encode(v, slot); err != nil {
			return err
		}
	}
	t.setNull(buf, f, false)
	ref.MarkDirty()

	if f.Indexed() {
		if _, err := t.indexTrees[f.Name].Insert(btree.Key{Value: v, Row: row}); err != nil {
			return err
		}
	}
	t.markDirty()
	return nil
}

// AddRow allocates a row slot, preferring a recycled one (spec §4.6).
func (t *Table) AddRow() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if row, ok, err := t.rrTree.GetReusableRow(); err != nil {
		return 0, err
	} else if ok {
		t.markDirty()
		return row, nil
	}

	row := t.header.RowCount
	fresh := make([]byte, t.rowSize)
	for _, f := range t.fields {
		t.setNull(fresh, f, true)
	}
	if err := t.rowStore.StoreItems(int(row), 1, fresh); err != nil {
		return 0, err
	}
	t.header.RowCount++
	t.markDirty()
	return row, nil
}

// MarkRowForReuse tombstones row: every non-null field is fully cleaned up
// (index entry removed, heap record decref'd) before the row is zeroed with
// every field's null bit set and handed to the row-removal recycler. Unlike Set's null path, this one
// never leaves stale index or heap state behind.
func (t *Table) MarkRowForReuse(row uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref, err := t.loadRow(row)
	if err != nil {
		return err
	}
	buf := ref.Bytes()

	for _, f := range t.fields {
		if t.isNull(buf, f) {
			continue
		}
		if f.Indexed() {
			v, err := t.readFieldRaw(buf, f)
			if err != nil {
				ref.Release()
				return err
			}
			if err := t.indexTrees[f.Name].RemoveKey(btree.Key{Value: v, Row: row}); err != nil {
				ref.Release()
				return err
			}
		}
		if f.IsArray || f.BaseType == value.Text {
			slot := buf[f.RowOffset : f.RowOffset+f.RowSize()]
			if !isInline(slot) {
				entryID, _ := decodeHeapRef(slot)
				if err := t.heap.Decref(entryID); err != nil {
					ref.Release()
					return err
				}
			}
		}
	}
	clear(buf)
	for _, f := range t.fields {
		t.setNull(buf, f, true)
	}
	ref.MarkDirty()
	ref.Release()

	if err := t.rrTree.MarkReusable(row); err != nil {
		return err
	}
	t.markDirty()
	return nil
}

// MatchRows returns every row whose field value lies in [lo, hi] and whose
// row index lies in [startRow, endRow], using the field's secondary index
// when it has one and a full scan otherwise (spec §4.6).
func (t *Table) MatchRows(fieldName string, lo, hi value.Value, startRow, endRow uint64) ([]uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.fieldByName(fieldName)
	if !ok {
		return nil, engineerr.New(engineerr.FieldNameInvalid, "table: no field %q", fieldName)
	}

	var out []uint64
	if f.Indexed() {
		err := t.indexTrees[f.Name].RangeIter(lo, hi, func(_ value.Value, row uint64) bool {
			if row >= startRow && row <= endRow {
				out = append(out, row)
			}
			return true
		})
		return out, err
	}

	for row := startRow; row <= endRow && row < t.header.RowCount; row++ {
		ref, err := t.loadRow(row)
		if err != nil {
			return nil, err
		}
		v, err := t.readFieldRaw(ref.Bytes(), f)
		ref.Release()
		if err != nil {
			return nil, err
		}
		if v.IsNull {
			continue
		}
		if value.Compare(v, lo) >= 0 && value.Compare(v, hi) <= 0 {
			out = append(out, row)
		}
	}
	return out, nil
}

// Spawn creates a temporal, same-schema sibling table that shares no
// backing storage with t (spec §4.6's spawn operation, §4.2's temporal
// container).
func (t *Table) Spawn() (*Table, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &Table{
		dir: t.dir, name: t.name + ".spawn", temporal: true, settings: t.settings,
		fields: t.fields, rowSize: t.rowSize, nullBytes: t.nullBytes,
		indexManagers:   make(map[string]*btree.Manager),
		indexTrees:      make(map[string]*btree.Tree),
		indexContainers: make(map[string]container.Container),
	}

	const spawnReserved = 1 << 20

	mc, err := container.NewTemporal(t.settings.TempDir, t.name+".spawn.main", t.settings.MaxUnitFileSize, spawnReserved)
	if err != nil {
		return nil, err
	}
	st.mainContainer = mc

	descBytes := EncodeDescriptors(st.fields)
	base := uint64(HeaderSize + len(descBytes))
	st.header = Header{
		FieldsCount: uint32(len(st.fields)), DescriptorsLen: uint32(len(descBytes)),
		RowSize: uint32(st.rowSize), RowRemovalRoot: uint32(btree.NilNode), RowRemovalHead: uint32(btree.NilNode),
	}
	if err := mc.WriteAt(0, st.header.Encode()); err != nil {
		return nil, err
	}
	if err := mc.WriteAt(HeaderSize, descBytes); err != nil {
		return nil, err
	}

	rc, err := container.NewTemporal(t.settings.TempDir, t.name+".spawn.rows", t.settings.MaxUnitFileSize, spawnReserved)
	if err != nil {
		return nil, err
	}
	st.rowsContainer = rc
	st.rowStore = &rowStore{c: rc, rowSize: st.rowSize}
	cache, err := blockcache.New(st.rowStore, st.rowSize, 1, t.settings.RowCacheBlocks)
	if err != nil {
		return nil, err
	}
	st.rowCache = cache

	hc, err := container.NewTemporal(t.settings.TempDir, t.name+".spawn.heap", t.settings.MaxUnitFileSize, spawnReserved)
	if err != nil {
		return nil, err
	}
	h, err := varheap.Open(hc, t.settings.HeapEntriesPerBlock, t.settings.HeapCacheBlocks)
	if err != nil {
		return nil, err
	}
	st.heap = h
	st.heapContainer = hc

	view := &offsetView{base: base, inner: st.mainContainer}
	rrm, err := btree.OpenManager(view, value.UInt64, t.settings.IndexNodeSize(), t.settings.IndexCacheNodes(), "")
	if err != nil {
		return nil, err
	}
	st.rrManager = rrm
	st.rrTree = btree.NewRowRemovalTree(rrm)

	for _, f := range st.fields {
		if !f.Indexed() {
			continue
		}
		if err := st.openIndex(f); err != nil {
			return nil, err
		}
	}

	st.life = lifecycleOpenDirty
	return st, nil
}

func (t *Table) markDirty() {
	if t.temporal || t.life == lifecycleOpenDirty {
		return
	}
	t.life = lifecycleOpenDirty
}

// Close flushes every component and clears MODIFIED (spec §4.6's
// Open/Dirty -> Closed/Persistent transition), fanning the flushes out
// concurrently the way the teacher's startup fan-out uses errgroup, here
// for shutdown instead.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.life == lifecycleClosed || t.life == lifecycleRemoved {
		return nil
	}

	var g errgroup.Group
	g.Go(t.rowCache.Flush)
	g.Go(t.heap.Flush)
	g.Go(t.rrManager.Flush)
	for _, m := range t.indexManagers {
		m := m
		g.Go(m.Flush)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !t.temporal {
		t.header.RowRemovalRoot = uint32(t.rrManager.RootID())
		t.header.MainTableSize = t.rowsContainer.Size()
		t.header.VarHeapSize = t.heapContainer.Size()
		t.header.SetModified(false)
		if err := t.mainContainer.WriteAt(0, t.header.Encode()); err != nil {
			return err
		}
		if err := t.mainContainer.Flush(); err != nil {
			return err
		}
	}

	if err := t.closeContainers(); err != nil {
		return err
	}
	if t.lockFile != nil {
		_ = unix.Flock(int(t.lockFile.Fd()), unix.LOCK_UN)
		_ = t.lockFile.Close()
	}

	t.life = lifecycleClosed
	return nil
}

func (t *Table) closeContainers() error {
	if err := t.mainContainer.Close(); err != nil {
		return err
	}
	if err := t.rowsContainer.Close(); err != nil {
		return err
	}
	if err := t.heapContainer.Close(); err != nil {
		return err
	}
	for name, ic := range t.indexContainers {
		if err := ic.Close(); err != nil {
			return engineerr.Wrap(engineerr.FileOSIOError, err, "table: close index container for %q", name)
		}
	}
	return nil
}

// Remove marks every backing container for removal and closes the table
// (spec §4.6's Open/Clean -> Removed transition).
func (t *Table) Remove() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mainContainer.MarkForRemoval()
	t.rowsContainer.MarkForRemoval()
	t.heapContainer.MarkForRemoval()
	for _, ic := range t.indexContainers {
		ic.MarkForRemoval()
	}
	if err := t.closeContainers(); err != nil {
		return err
	}
	if t.lockFile != nil {
		_ = unix.Flock(int(t.lockFile.Fd()), unix.LOCK_UN)
		_ = t.lockFile.Close()
		_ = os.Remove(t.lockFile.Name())
	}
	t.life = lifecycleRemoved
	return nil
}

