package table

import (
	"log/slog"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/pastra-db/pastra/internal/btree"
	"github.com/pastra-db/pastra/internal/container"
	"github.com/pastra-db/pastra/internal/engineerr"
	"github.com/pastra-db/pastra/internal/value"
	"github.com/pastra-db/pastra/internal/varheap"
)

// Severity classifies a repair confirmation request (spec §4.7: "every
// destructive step calls a user callback (severity, fmt, ...) -> proceed?").
type Severity string

const (
	SeverityWarning     Severity = "warning"
	SeverityFixQuestion Severity = "fix_question"
	SeverityCritical    Severity = "critical"
)

// ConfirmFunc is repair's user-facing gate. critical and a refused
// fix_question abort the pass; a warning only reports a fix that is applied
// whatever the answer.
type ConfirmFunc func(sev Severity, format string, args ...any) bool

// ProgressFunc is called with the row index currently being walked, during
// repair's step 7 (spec §5: "repair accepts a progress callback").
type ProgressFunc func(row, total uint64)

// Repair runs the offline validation/rebuild pass over the table at
// dir/name (spec §4.7's nine numbered steps). confirm may be nil, meaning
// "always proceed".
func Repair(dir, name string, maxFileSize int64, confirm ConfirmFunc, progress ProgressFunc) error {
	if confirm == nil {
		confirm = func(Severity, string, ...any) bool { return true }
	}

	mainPath := filepath.Join(dir, name)
	mc, err := container.OpenFile(dir, mainPath, maxFileSize, 0)
	if err != nil {
		return err
	}
	defer func() { _ = mc.Close() }()

	// Step 1: header sanity. Both failures are unrecoverable; confirm is
	// still consulted so the critical severity reaches the caller's UI.
	if mc.Size() < HeaderSize {
		confirm(SeverityCritical, "table %q is %d bytes, shorter than the %d-byte header", name, mc.Size(), HeaderSize)
		return engineerr.New(engineerr.TableInvalid, "repair: %s: header too short", name)
	}
	hdrBuf := make([]byte, HeaderSize)
	if err := mc.ReadAt(0, hdrBuf); err != nil {
		return err
	}
	hdr, err := DecodeHeader(hdrBuf)
	if err != nil {
		confirm(SeverityCritical, "table %q header is unreadable: %v", name, err)
		return err
	}

	descBuf := make([]byte, hdr.DescriptorsLen)
	if err := mc.ReadAt(HeaderSize, descBuf); err != nil {
		return err
	}
	fields, err := DecodeDescriptors(descBuf, int(hdr.FieldsCount))
	if err != nil {
		confirm(SeverityCritical, "table %q descriptors are unreadable: %v", name, err)
		return err
	}

	// Step 2: normalize descriptors.
	laidOut, rowSize := layoutFields(fields)
	newDescBytes := EncodeDescriptors(laidOut)
	if err := mc.WriteAt(HeaderSize, newDescBytes); err != nil {
		return err
	}
	hdr.DescriptorsLen = uint32(len(newDescBytes))
	hdr.RowSize = uint32(rowSize)
	base := uint64(HeaderSize) + uint64(hdr.DescriptorsLen)

	// Step 3: reset the row-removal recycler. A fresh, unpersisted Manager
	// over the same offset view starts at root NIL with nextID 0, so old
	// node bytes past the new allocation frontier are simply abandoned.
	hdr.RowRemovalRoot = uint32(btree.NilNode)
	hdr.RowRemovalHead = uint32(btree.NilNode)
	rrView := &offsetView{base: base, inner: mc}
	rrm, err := btree.OpenManager(rrView, value.UInt64, 4096, 16, "")
	if err != nil {
		return err
	}
	rrTree := btree.NewRowRemovalTree(rrm)

	// Step 4: align the heap to a multiple of the entry size.
	heapPath := filepath.Join(dir, name+heapSuffix)
	hc, err := container.OpenFile(dir, heapPath, maxFileSize, 0)
	if err != nil {
		return err
	}
	heapSize := hc.Size()
	alignedHeapSize := (heapSize / varheap.EntrySize) * varheap.EntrySize
	if alignedHeapSize < heapSize {
		if confirm(SeverityFixQuestion, "heap for %q is %d bytes, not a multiple of %d; trim to %d", name, heapSize, varheap.EntrySize, alignedHeapSize) {
			if err := hc.Collapse(alignedHeapSize, heapSize); err != nil {
				_ = hc.Close()
				return err
			}
		} else {
			_ = hc.Close()
			return engineerr.New(engineerr.TableInvalid, "repair: %s: heap trim refused", name)
		}
	}
	heap, err := varheap.Open(hc, 16, 64)
	if err != nil {
		_ = hc.Close()
		return err
	}

	// Step 5: recreate every field's secondary index from scratch.
	indexTrees := make(map[string]*btree.Tree, len(laidOut))
	indexManagers := make(map[string]*btree.Manager, len(laidOut))
	indexContainers := make(map[string]container.Container, len(laidOut))
	for _, f := range laidOut {
		if !f.Indexed() {
			continue
		}
		idxPath := filepath.Join(dir, name+indexSuffix(f.Name))
		ic, err := container.OpenFile(dir, idxPath, maxFileSize, 0)
		if err != nil {
			return err
		}
		if err := ic.Collapse(0, ic.Size()); err != nil {
			return err
		}
		metaPath := filepath.Join(dir, name+indexSuffix(f.Name)+".meta.json")
		_ = os.Remove(metaPath)
		m, err := btree.OpenManager(ic, f.BaseType, f.IndexNodeSizeKiB*1024, 16, metaPath)
		if err != nil {
			return err
		}
		indexManagers[f.Name] = m
		indexTrees[f.Name] = btree.NewTree(m)
		indexContainers[f.Name] = ic
	}

	// Step 6: truncate the rows container to row_count * row_size.
	rowsPath := filepath.Join(dir, name+rowsSuffix)
	rc, err := container.OpenFile(dir, rowsPath, maxFileSize, 0)
	if err != nil {
		return err
	}
	wantRowsSize := hdr.RowCount * uint64(rowSize)
	actualRowsSize := rc.Size()
	rowCount := hdr.RowCount
	if actualRowsSize < wantRowsSize {
		shortRows := (wantRowsSize - actualRowsSize) / uint64(rowSize)
		if confirm(SeverityFixQuestion, "rows container for %q is short by %d rows; reduce row_count from %d to %d", name, shortRows, rowCount, rowCount-shortRows) {
			rowCount -= shortRows
			wantRowsSize = rowCount * uint64(rowSize)
		} else {
			_ = rc.Close()
			return engineerr.New(engineerr.TableInvalid, "repair: %s: row_count reduction refused", name)
		}
	} else if actualRowsSize > wantRowsSize {
		if err := rc.Collapse(wantRowsSize, actualRowsSize); err != nil {
			return err
		}
	}

	// Step 7: walk every row, validating and re-indexing, while marking
	// every heap chain a live field still references. sc accumulates
	// reachability across the whole walk so ConcludeStorageCheck below can
	// free anything an unclean shutdown orphaned (spec §4.4, §4.7 step 7).
	sc := heap.BeginStorageCheck()
	rowBuf := make([]byte, rowSize)
	for row := uint64(0); row < rowCount; row++ {
		if progress != nil {
			progress(row, rowCount)
		}
		if err := rc.ReadAt(row*uint64(rowSize), rowBuf); err != nil {
			return err
		}
		allNull := repairRow(rowBuf, laidOut, heap, sc, indexTrees, row, confirm)
		if err := rc.WriteAt(row*uint64(rowSize), rowBuf); err != nil {
			return err
		}
		if allNull {
			if err := rrTree.MarkReusable(row); err != nil {
				return err
			}
		}
	}
	if err := heap.ConcludeStorageCheck(sc); err != nil {
		return err
	}

	// Step 8: drop trailing unit files beyond the new logical sizes.
	if err := rc.Close(); err != nil {
		return err
	}
	if err := container.Fix(dir, rowsPath, maxFileSize, wantRowsSize); err != nil {
		return err
	}
	if err := heap.Flush(); err != nil {
		return err
	}
	if err := hc.Close(); err != nil {
		return err
	}
	if err := container.Fix(dir, heapPath, maxFileSize, alignedHeapSize); err != nil {
		return err
	}

	for fieldName, m := range indexManagers {
		if err := m.Flush(); err != nil {
			return err
		}
		if err := indexContainers[fieldName].Close(); err != nil {
			return err
		}
	}
	if err := rrm.Flush(); err != nil {
		return err
	}

	// Step 9: rewrite the header with fresh sizes and cleared flags.
	hdr.RowCount = rowCount
	hdr.MainTableSize = base
	hdr.VarHeapSize = alignedHeapSize
	hdr.RowRemovalRoot = uint32(rrm.RootID())
	hdr.SetModified(false)
	hdr.SetRepairNeeded(false)
	if err := mc.WriteAt(0, hdr.Encode()); err != nil {
		return err
	}
	slog.Info("table.repaired", "name", name, "row_count", hdr.RowCount)
	return mc.Flush()
}

// repairRow applies step 7's per-field validation to one row buffer in
// place, returning whether every field ended up null. A field that fails
// validation is always nulled; that loss is reported through confirm as a
// warning, not gated by it — there is nothing valid left to keep. Every
// heap-backed text/array slot is run through sc's storage check, marking
// its chain reachable so ConcludeStorageCheck doesn't free it out from
// under a perfectly live row.
func repairRow(buf []byte, fields []FieldDescriptor, heap *varheap.Heap, sc *varheap.StorageCheck, indexTrees map[string]*btree.Tree, row uint64, confirm ConfirmFunc) bool {
	allNull := true
	for _, f := range fields {
		byteIdx, mask := nullBitPos(f.NullBitIndex)
		if buf[byteIdx]&mask != 0 {
			continue
		}

		slot := buf[f.RowOffset : f.RowOffset+f.RowSize()]
		ok := true
		var v value.Value
		switch {
		case f.IsArray || f.BaseType == value.Text:
			if isInline(slot) {
				payload := decodeInline(slot)
				ok = validateInlinePayload(f, payload)
				if ok && f.Indexed() {
					v = value.Value{Kind: f.BaseType, Text: string(payload)}
				}
			} else {
				entryID, size := decodeHeapRef(slot)
				if f.IsArray {
					ok = heap.CheckArrayEntry(sc, entryID) == nil
				} else {
					ok = heap.CheckTextEntry(sc, entryID, size) == nil
				}
				if ok && f.Indexed() {
					payload := make([]byte, size)
					if err := heap.ReadRecord(entryID, 0, payload); err != nil {
						ok = false
					} else {
						v = value.Value{Kind: f.BaseType, Text: string(payload)}
					}
				}
			}
		default:
			v = value.Decode(f.BaseType, slot)
			ok = value.Validate(v) == nil
		}

		if !ok {
			confirm(SeverityWarning, "row %d field %q failed validation, nulling", row, f.Name)
			buf[byteIdx] |= mask
			continue
		}

		allNull = false
		if f.Indexed() {
			if tree, found := indexTrees[f.Name]; found {
				_, _ = tree.Insert(btree.Key{Value: v, Row: row})
			}
		}
	}
	return allNull
}

func validateInlinePayload(f FieldDescriptor, payload []byte) bool {
	if f.BaseType == value.Text {
		return utf8.Valid(payload)
	}
	return true
}
