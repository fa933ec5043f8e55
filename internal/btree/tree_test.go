package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pastra-db/pastra/internal/container"
	"github.com/pastra-db/pastra/internal/value"
)

func newTestTree(t *testing.T, keyType value.Type, maxCached int) (*Tree, *Manager) {
	t.Helper()
	dir := t.TempDir()
	fc, err := container.OpenFile(dir, filepath.Join(dir, "idx.dat"), 4096, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.Close() })

	// Small node size forces frequent splits within these tests.
	m, err := OpenManager(fc, keyType, 128, maxCached, filepath.Join(dir, "idx.meta.json"))
	require.NoError(t, err)
	return NewTree(m), m
}

func TestInsertAndSearchEqual(t *testing.T) {
	tr, _ := newTestTree(t, value.Int64, 16)

	for i := int64(0); i < 30; i++ {
		_, err := tr.Insert(Key{Value: value.Value{Kind: value.Int64, Int: i % 5}, Row: uint64(i)})
		require.NoError(t, err)
	}

	rows, err := tr.SearchEqual(value.Value{Kind: value.Int64, Int: 2})
	require.NoError(t, err)
	require.Len(t, rows, 6) // i in {2,7,12,17,22,27}
}

func TestInsertForcesSplits(t *testing.T) {
	tr, m := newTestTree(t, value.Int32, 32)

	for i := int32(0); i < 200; i++ {
		_, err := tr.Insert(Key{Value: value.Value{Kind: value.Int32, Int: int64(i)}, Row: uint64(i)})
		require.NoError(t, err)
	}
	require.Greater(t, m.Height(), 1, "200 entries into 128-byte nodes must grow past a single leaf")

	for i := int32(0); i < 200; i++ {
		rows, err := tr.SearchEqual(value.Value{Kind: value.Int32, Int: int64(i)})
		require.NoError(t, err)
		require.Equal(t, []uint64{uint64(i)}, rows)
	}
}

func TestRangeIterOrdered(t *testing.T) {
	tr, _ := newTestTree(t, value.Int32, 32)

	for i := int32(0); i < 100; i++ {
		_, err := tr.Insert(Key{Value: value.Value{Kind: value.Int32, Int: int64(i)}, Row: uint64(i)})
		require.NoError(t, err)
	}

	var got []int64
	err := tr.RangeIter(
		value.Value{Kind: value.Int32, Int: 10},
		value.Value{Kind: value.Int32, Int: 20},
		func(v value.Value, row uint64) bool {
			got = append(got, v.Int)
			return true
		},
	)
	require.NoError(t, err)

	want := make([]int64, 0, 11)
	for i := int64(10); i <= 20; i++ {
		want = append(want, i)
	}
	require.Equal(t, want, got)
}

func TestRemoveKey(t *testing.T) {
	tr, _ := newTestTree(t, value.Int32, 16)

	_, err := tr.Insert(Key{Value: value.Value{Kind: value.Int32, Int: 7}, Row: 1})
	require.NoError(t, err)
	_, err = tr.Insert(Key{Value: value.Value{Kind: value.Int32, Int: 7}, Row: 2})
	require.NoError(t, err)

	require.NoError(t, tr.RemoveKey(Key{Value: value.Value{Kind: value.Int32, Int: 7}, Row: 1}))

	rows, err := tr.SearchEqual(value.Value{Kind: value.Int32, Int: 7})
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, rows)
}

func TestNullsSortBeforeValues(t *testing.T) {
	tr, _ := newTestTree(t, value.Int32, 16)

	_, err := tr.Insert(Key{Value: value.Null(value.Int32), Row: 1})
	require.NoError(t, err)
	_, err = tr.Insert(Key{Value: value.Value{Kind: value.Int32, Int: -1000000}, Row: 2})
	require.NoError(t, err)

	var firstRow uint64
	seen := false
	err = tr.RangeIter(value.Null(value.Int32), value.Value{Kind: value.Int32, Int: 1000000}, func(v value.Value, row uint64) bool {
		if !seen {
			firstRow = row
			seen = true
		}
		return true
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), firstRow)
}

func TestRowRemovalTreePopsSmallest(t *testing.T) {
	dir := t.TempDir()
	fc, err := container.OpenFile(dir, filepath.Join(dir, "rr.dat"), 4096, 0)
	require.NoError(t, err)
	defer fc.Close()

	m, err := OpenManager(fc, value.UInt64, 128, 16, "")
	require.NoError(t, err)
	rr := NewRowRemovalTree(m)

	require.NoError(t, rr.MarkReusable(30))
	require.NoError(t, rr.MarkReusable(10))
	require.NoError(t, rr.MarkReusable(20))

	row, ok, err := rr.GetReusableRow()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 10, row)
}

func TestManagerMetaPersistsRoot(t *testing.T) {
	dir := t.TempDir()
	fc, err := container.OpenFile(dir, filepath.Join(dir, "idx.dat"), 4096, 0)
	require.NoError(t, err)

	metaPath := filepath.Join(dir, "idx.meta.json")
	m, err := OpenManager(fc, value.Int32, 128, 16, metaPath)
	require.NoError(t, err)
	tr := NewTree(m)
	_, err = tr.Insert(Key{Value: value.Value{Kind: value.Int32, Int: 1}, Row: 1})
	require.NoError(t, err)
	require.NoError(t, m.Flush())
	require.NoError(t, fc.Close())

	fc2, err := container.OpenFile(dir, filepath.Join(dir, "idx.dat"), 4096, 0)
	require.NoError(t, err)
	defer fc2.Close()
	m2, err := OpenManager(fc2, value.Int32, 128, 16, metaPath)
	require.NoError(t, err)
	require.Equal(t, m.RootID(), m2.RootID())
}
