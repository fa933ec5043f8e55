package container

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileContainerWriteReadAcrossUnits(t *testing.T) {
	dir := t.TempDir()
	fc, err := OpenFile(dir, filepath.Join(dir, "tbl.dat"), 16, 0)
	require.NoError(t, err)
	defer fc.Close()

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, fc.WriteAt(0, data))
	require.EqualValues(t, 40, fc.Size())

	// Three units: 16 + 16 + 8 bytes.
	for k := 0; k < 3; k++ {
		_, err := os.Stat(UnitName(filepath.Join(dir, "tbl.dat"), k))
		require.NoError(t, err)
	}

	out := make([]byte, 40)
	require.NoError(t, fc.ReadAt(0, out))
	require.Equal(t, data, out)
}

func TestFileContainerReadBeyondSizeFails(t *testing.T) {
	dir := t.TempDir()
	fc, err := OpenFile(dir, filepath.Join(dir, "tbl.dat"), 16, 0)
	require.NoError(t, err)
	defer fc.Close()

	require.NoError(t, fc.WriteAt(0, []byte("hello")))
	err = fc.ReadAt(0, make([]byte, 100))
	require.Error(t, err)
}

func TestFileContainerWriteGapFails(t *testing.T) {
	dir := t.TempDir()
	fc, err := OpenFile(dir, filepath.Join(dir, "tbl.dat"), 16, 0)
	require.NoError(t, err)
	defer fc.Close()

	err = fc.WriteAt(10, []byte("x"))
	require.Error(t, err)
}

func TestFileContainerCollapse(t *testing.T) {
	dir := t.TempDir()
	fc, err := OpenFile(dir, filepath.Join(dir, "tbl.dat"), 8, 0)
	require.NoError(t, err)
	defer fc.Close()

	data := []byte("0123456789ABCDEFGHIJ") // 20 bytes, spans 3 units
	require.NoError(t, fc.WriteAt(0, data))

	// remove "456789" (bytes [4,10))
	require.NoError(t, fc.Collapse(4, 10))
	require.EqualValues(t, 14, fc.Size())

	out := make([]byte, 14)
	require.NoError(t, fc.ReadAt(0, out))
	require.Equal(t, "0123ABCDEFGHIJ", string(out))
}

func TestFileContainerCollapseDropsSurplusUnits(t *testing.T) {
	dir := t.TempDir()
	fc, err := OpenFile(dir, filepath.Join(dir, "tbl.dat"), 8, 0)
	require.NoError(t, err)
	defer fc.Close()

	require.NoError(t, fc.WriteAt(0, make([]byte, 24))) // 3 units
	require.NoError(t, fc.Collapse(0, 20))               // leaves 4 bytes: 1 unit
	require.EqualValues(t, 4, fc.Size())

	_, statErr := os.Stat(UnitName(filepath.Join(dir, "tbl.dat"), 2))
	require.Error(t, statErr)
}

func TestFileContainerReopenValidatesUnitSizes(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "tbl.dat")
	fc, err := OpenFile(dir, prefix, 8, 0)
	require.NoError(t, err)
	require.NoError(t, fc.WriteAt(0, make([]byte, 20)))
	require.NoError(t, fc.Close())

	// Corrupt: truncate the middle unit to less than maxUnitSize.
	require.NoError(t, os.Truncate(UnitName(prefix, 1), 3))

	_, err = OpenFile(dir, prefix, 8, 0)
	require.Error(t, err)
}

func TestFix(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "tbl.dat")
	fc, err := OpenFile(dir, prefix, 8, 0)
	require.NoError(t, err)
	require.NoError(t, fc.WriteAt(0, make([]byte, 20)))
	require.NoError(t, fc.Close())

	require.NoError(t, Fix(dir, prefix, 8, 10))

	fc2, err := OpenFile(dir, prefix, 8, 0)
	require.NoError(t, err)
	defer fc2.Close()
	require.EqualValues(t, 10, fc2.Size())
}
