package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pastra-db/pastra/internal/config"
	"github.com/pastra-db/pastra/internal/value"
)

func testSettings(t *testing.T) config.DatabaseSettings {
	t.Helper()
	s := config.Default()
	s.MaxUnitFileSize = 1 << 16
	s.RowCacheBlocks = 32
	s.HeapCacheBlocks = 32
	s.HeapEntriesPerBlock = 8
	s.IndexNodeSizeKiB = 1
	s.TempDir = t.TempDir()
	return s
}

func openTestTable(t *testing.T, fields []FieldDescriptor) *Table {
	t.Helper()
	dir := t.TempDir()
	tbl, err := Create(dir, "widgets", fields, testSettings(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestAddRowRecyclesMarkedRows(t *testing.T) {
	tbl := openTestTable(t, []FieldDescriptor{
		{Name: "n", BaseType: value.Int64},
	})

	rows := make([]uint64, 10)
	for i := range rows {
		row, err := tbl.AddRow()
		require.NoError(t, err)
		require.Equal(t, uint64(i), row)
		rows[i] = row
	}

	require.NoError(t, tbl.MarkRowForReuse(3))
	require.NoError(t, tbl.MarkRowForReuse(7))

	next, err := tbl.AddRow()
	require.NoError(t, err)
	require.Equal(t, uint64(3), next)

	next, err = tbl.AddRow()
	require.NoError(t, err)
	require.Equal(t, uint64(7), next)

	next, err = tbl.AddRow()
	require.NoError(t, err)
	require.Equal(t, uint64(10), next)
}

func TestSetGetScalarRoundTrip(t *testing.T) {
	tbl := openTestTable(t, []FieldDescriptor{
		{Name: "n", BaseType: value.Int64},
	})

	row, err := tbl.AddRow()
	require.NoError(t, err)

	v, err := tbl.Get(row, "n")
	require.NoError(t, err)
	require.True(t, v.IsNull)

	require.NoError(t, tbl.Set(row, "n", value.Value{Kind: value.Int64, Int: 42}))
	v, err = tbl.Get(row, "n")
	require.NoError(t, err)
	require.False(t, v.IsNull)
	require.Equal(t, int64(42), v.Int)

	require.NoError(t, tbl.Set(row, "n", value.Null(value.Int64)))
	v, err = tbl.Get(row, "n")
	require.NoError(t, err)
	require.True(t, v.IsNull)
}

func TestSetGetTextInlineAndSpilled(t *testing.T) {
	tbl := openTestTable(t, []FieldDescriptor{
		{Name: "s", BaseType: value.Text},
	})

	row, err := tbl.AddRow()
	require.NoError(t, err)

	require.NoError(t, tbl.Set(row, "s", value.Value{Kind: value.Text, Text: "short"}))
	v, err := tbl.Get(row, "s")
	require.NoError(t, err)
	require.Equal(t, "short", v.Text)

	long := "this string is deliberately much longer than the fifteen byte inline capacity"
	require.NoError(t, tbl.Set(row, "s", value.Value{Kind: value.Text, Text: long}))
	v, err = tbl.Get(row, "s")
	require.NoError(t, err)
	require.Equal(t, long, v.Text)

	require.NoError(t, tbl.Set(row, "s", value.Value{Kind: value.Text, Text: "tiny"}))
	v, err = tbl.Get(row, "s")
	require.NoError(t, err)
	require.Equal(t, "tiny", v.Text)
}

func TestMatchRowsUsesIndexWhenAvailable(t *testing.T) {
	tbl := openTestTable(t, []FieldDescriptor{
		{Name: "n", BaseType: value.Int64, IndexNodeSizeKiB: 1},
	})

	for i := int64(0); i < 20; i++ {
		row, err := tbl.AddRow()
		require.NoError(t, err)
		require.NoError(t, tbl.Set(row, "n", value.Value{Kind: value.Int64, Int: i}))
	}

	rows, err := tbl.MatchRows("n",
		value.Value{Kind: value.Int64, Int: 5}, value.Value{Kind: value.Int64, Int: 9},
		0, 19)
	require.NoError(t, err)
	require.Len(t, rows, 5)
}

func TestMatchRowsFallsBackToScanWhenUnindexed(t *testing.T) {
	tbl := openTestTable(t, []FieldDescriptor{
		{Name: "n", BaseType: value.Int64},
	})

	for i := int64(0); i < 20; i++ {
		row, err := tbl.AddRow()
		require.NoError(t, err)
		require.NoError(t, tbl.Set(row, "n", value.Value{Kind: value.Int64, Int: i}))
	}

	rows, err := tbl.MatchRows("n",
		value.Value{Kind: value.Int64, Int: 5}, value.Value{Kind: value.Int64, Int: 9},
		0, 19)
	require.NoError(t, err)
	require.Len(t, rows, 5)
}

func TestMarkRowForReuseClearsIndexEntry(t *testing.T) {
	tbl := openTestTable(t, []FieldDescriptor{
		{Name: "n", BaseType: value.Int64, IndexNodeSizeKiB: 1},
	})

	row, err := tbl.AddRow()
	require.NoError(t, err)
	require.NoError(t, tbl.Set(row, "n", value.Value{Kind: value.Int64, Int: 77}))

	rows, err := tbl.MatchRows("n", value.Value{Kind: value.Int64, Int: 77}, value.Value{Kind: value.Int64, Int: 77}, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, tbl.MarkRowForReuse(row))

	rows, err = tbl.MatchRows("n", value.Value{Kind: value.Int64, Int: 77}, value.Value{Kind: value.Int64, Int: 77}, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestReopenAfterCleanCloseSucceeds(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(t)
	fields := []FieldDescriptor{{Name: "n", BaseType: value.Int64}}

	tbl, err := Create(dir, "reopen", fields, settings)
	require.NoError(t, err)
	row, err := tbl.AddRow()
	require.NoError(t, err)
	require.NoError(t, tbl.Set(row, "n", value.Value{Kind: value.Int64, Int: 9}))
	require.NoError(t, tbl.Close())

	tbl2, err := Open(dir, "reopen", settings)
	require.NoError(t, err)
	v, err := tbl2.Get(row, "n")
	require.NoError(t, err)
	require.Equal(t, int64(9), v.Int)
	require.NoError(t, tbl2.Close())
}

func TestOpenRefusesAnUncleanlyClosedTable(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(t)
	fields := []FieldDescriptor{{Name: "n", BaseType: value.Int64}}

	tbl, err := Create(dir, "dirty", fields, settings)
	require.NoError(t, err)
	_ = tbl // left open (simulating a crash): header's MODIFIED flag is never cleared

	_, err = Open(dir, "dirty", settings)
	require.Error(t, err)
}

func TestSpawnSharesNoStorageWithOriginal(t *testing.T) {
	tbl := openTestTable(t, []FieldDescriptor{
		{Name: "n", BaseType: value.Int64},
	})
	row, err := tbl.AddRow()
	require.NoError(t, err)
	require.NoError(t, tbl.Set(row, "n", value.Value{Kind: value.Int64, Int: 1}))

	spawned, err := tbl.Spawn()
	require.NoError(t, err)
	defer spawned.Close()

	srow, err := spawned.AddRow()
	require.NoError(t, err)
	require.NoError(t, spawned.Set(srow, "n", value.Value{Kind: value.Int64, Int: 999}))

	v, err := tbl.Get(row, "n")
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Int)
}
