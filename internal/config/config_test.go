package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pastra.yaml")
	require.NoError(t, os.WriteFile(path, []byte("row_cache_blocks: 512\ntemp_dir: /tmp/pastra\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 512, cfg.RowCacheBlocks)
	require.Equal(t, "/tmp/pastra", cfg.TempDir)
	require.Equal(t, Default().MaxUnitFileSize, cfg.MaxUnitFileSize)
}

func TestIndexNodeSizeRoundsToPowerOfTwo(t *testing.T) {
	cfg := Default()
	cfg.IndexNodeSizeKiB = 9 // 9 KiB is not a power of two in bytes
	require.Equal(t, 16384, cfg.IndexNodeSize())
}

func TestIndexCacheNodesHasAFloor(t *testing.T) {
	cfg := Default()
	cfg.IndexCacheBudgetBytes = 1
	require.Equal(t, 4, cfg.IndexCacheNodes())
}
