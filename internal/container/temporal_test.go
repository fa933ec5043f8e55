package container

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemporalContainerCacheOnlyState(t *testing.T) {
	dir := t.TempDir()
	tc, err := NewTemporal(dir, "spill", 64, 16) // C = 8
	require.NoError(t, err)
	defer tc.Close()

	require.NoError(t, tc.WriteAt(0, []byte("abcdefgh"))) // exactly C bytes
	require.Equal(t, stateCacheOnly, tc.state)

	out := make([]byte, 8)
	require.NoError(t, tc.ReadAt(0, out))
	require.Equal(t, "abcdefgh", string(out))
}

func TestTemporalContainerDualCacheState(t *testing.T) {
	dir := t.TempDir()
	tc, err := NewTemporal(dir, "spill", 64, 16) // C = 8
	require.NoError(t, err)
	defer tc.Close()

	data := []byte("0123456789ABCDEF") // 16 bytes = 2C
	require.NoError(t, tc.WriteAt(0, data))
	require.Equal(t, stateDualCache, tc.state)
	require.Nil(t, tc.spill)

	out := make([]byte, 16)
	require.NoError(t, tc.ReadAt(0, out))
	require.Equal(t, string(data), string(out))
}

func TestTemporalContainerSpillsPastTwoC(t *testing.T) {
	dir := t.TempDir()
	tc, err := NewTemporal(dir, "spill", 64, 16) // C = 8
	require.NoError(t, err)
	defer tc.Close()

	data := make([]byte, 30) // > 2C = 16
	for i := range data {
		data[i] = byte(i + 1)
	}
	require.NoError(t, tc.WriteAt(0, data))
	require.Equal(t, stateSpilled, tc.state)
	require.NotNil(t, tc.spill)

	out := make([]byte, 30)
	require.NoError(t, tc.ReadAt(0, out))
	require.Equal(t, data, out)
}

func TestTemporalContainerClockEvictionPreservesData(t *testing.T) {
	dir := t.TempDir()
	tc, err := NewTemporal(dir, "spill", 64, 16) // C = 8
	require.NoError(t, err)
	defer tc.Close()

	data := make([]byte, 40) // several windows beyond the two cached ones
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, tc.WriteAt(0, data))

	// Force eviction by reading windows far apart repeatedly.
	out := make([]byte, 8)
	require.NoError(t, tc.ReadAt(32, out))
	require.Equal(t, data[32:40], out)
	require.NoError(t, tc.ReadAt(0, out))
	require.Equal(t, data[0:8], out)
	require.NoError(t, tc.ReadAt(16, out))
	require.Equal(t, data[16:24], out)
}

func TestTemporalContainerCollapseReverts(t *testing.T) {
	dir := t.TempDir()
	tc, err := NewTemporal(dir, "spill", 64, 16) // C = 8
	require.NoError(t, err)
	defer tc.Close()

	data := make([]byte, 30)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, tc.WriteAt(0, data))
	require.Equal(t, stateSpilled, tc.state)

	// Shrink down to 10 bytes: should revert to dual-cache and drop the spill file.
	require.NoError(t, tc.Collapse(10, 30))
	require.EqualValues(t, 10, tc.Size())
	require.Equal(t, stateDualCache, tc.state)
	require.Nil(t, tc.spill)

	out := make([]byte, 10)
	require.NoError(t, tc.ReadAt(0, out))
	require.Equal(t, data[0:10], out)
}

func TestTemporalContainerWriteGapFails(t *testing.T) {
	dir := t.TempDir()
	tc, err := NewTemporal(dir, "spill", 64, 16)
	require.NoError(t, err)
	defer tc.Close()

	require.Error(t, tc.WriteAt(5, []byte("x")))
}
