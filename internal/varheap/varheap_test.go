package varheap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pastra-db/pastra/internal/container"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	dir := t.TempDir()
	fc, err := container.OpenFile(dir, filepath.Join(dir, "heap.dat"), 4096, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.Close() })

	h, err := Open(fc, 8, 4) // 8 entries/block, 4 blocks cached
	require.NoError(t, err)
	return h
}

func TestAddAndReadShortRecord(t *testing.T) {
	h := newTestHeap(t)

	id, err := h.AddRecord([]byte("hello world"))
	require.NoError(t, err)
	require.NotZero(t, id)

	out := make([]byte, len("hello world"))
	require.NoError(t, h.ReadRecord(id, 0, out))
	require.Equal(t, "hello world", string(out))
}

func TestAddRecordSpanningMultipleEntries(t *testing.T) {
	h := newTestHeap(t)

	payload := make([]byte, PayloadSize*3+10) // spans 4 entries
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	id, err := h.AddRecord(payload)
	require.NoError(t, err)

	out := make([]byte, len(payload))
	require.NoError(t, h.ReadRecord(id, 0, out))
	require.Equal(t, payload, out)
}

func TestUpdateRecordGrowsChain(t *testing.T) {
	h := newTestHeap(t)

	id, err := h.AddRecord([]byte("short"))
	require.NoError(t, err)

	bigger := make([]byte, PayloadSize*2)
	for i := range bigger {
		bigger[i] = byte(i + 1)
	}
	require.NoError(t, h.UpdateRecord(id, 0, bigger))

	out := make([]byte, len(bigger))
	require.NoError(t, h.ReadRecord(id, 0, out))
	require.Equal(t, bigger, out)
}

func TestIncrefDecrefFreesOnZero(t *testing.T) {
	h := newTestHeap(t)

	id, err := h.AddRecord([]byte("shared"))
	require.NoError(t, err)
	require.NoError(t, h.Incref(id))

	require.NoError(t, h.Decref(id)) // refcount 2 -> 1, still alive
	free, err := h.isFree(id)
	require.NoError(t, err)
	require.False(t, free)

	require.NoError(t, h.Decref(id)) // refcount 1 -> 0, freed
	free, err = h.isFree(id)
	require.NoError(t, err)
	require.True(t, free)
}

func TestAllocateEntryReusesFreedEntry(t *testing.T) {
	h := newTestHeap(t)

	id, err := h.AddRecord([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, h.Decref(id))

	id2, err := h.AllocateEntry(0)
	require.NoError(t, err)
	require.Equal(t, id, id2, "freed entry should be reused before growing the heap")
}

func TestStorageCheckFreesUnreachableEntries(t *testing.T) {
	h := newTestHeap(t)

	keep, err := h.AddRecord([]byte("keep me"))
	require.NoError(t, err)
	orphan, err := h.AddRecord([]byte("orphaned"))
	require.NoError(t, err)

	sc := h.BeginStorageCheck()
	require.NoError(t, h.CheckArrayEntry(sc, keep))
	require.NoError(t, h.ConcludeStorageCheck(sc))

	free, err := h.isFree(orphan)
	require.NoError(t, err)
	require.True(t, free)

	keepFree, err := h.isFree(keep)
	require.NoError(t, err)
	require.False(t, keepFree)
}
