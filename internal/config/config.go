// Package config loads the engine's database-wide settings (spec §9 design
// note: "the database-settings object is injected at open time, never read
// from a global"). The way the teacher's internal/config.go loads
// NovaSqlConfig, this loads one DatabaseSettings struct from a YAML file via
// viper and hands it to the caller, which passes it explicitly into every
// table.Open/table.Create.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// DatabaseSettings are the knobs every table.Open/table.Create needs: cache
// sizes, file striping, and the scratch directory for temporal spill files.
type DatabaseSettings struct {
	// MaxUnitFileSize bounds each striped unit file of every container
	// belonging to a table (spec §4.1's S).
	MaxUnitFileSize int64 `mapstructure:"max_unit_file_size"`

	// RowCacheBlocks is the row cache's fixed block count (spec §4.6).
	RowCacheBlocks int `mapstructure:"row_cache_blocks"`

	// HeapCacheBlocks and HeapEntriesPerBlock size the variable-size heap's
	// block cache (spec §4.4 via §4.3).
	HeapCacheBlocks     int `mapstructure:"heap_cache_blocks"`
	HeapEntriesPerBlock int `mapstructure:"heap_entries_per_block"`

	// IndexNodeSizeKiB is the node size of each table's row-removal B-tree
	// and the node size IndexCacheNodes divides the cache budget by; a
	// secondary index takes its node size from its field descriptor.
	IndexNodeSizeKiB int `mapstructure:"index_node_size_kib"`

	// IndexCacheBudgetBytes is the per-index hot-node cache budget (spec
	// §4.5: "a 4 MiB cache budget for hot nodes").
	IndexCacheBudgetBytes int64 `mapstructure:"index_cache_budget_bytes"`

	// TempDir is where temporal containers spill past 2x their RAM cache
	// (spec §4.2, §5's process-wide spill-file counter).
	TempDir string `mapstructure:"temp_dir"`
}

// Default returns the settings a fresh engine process uses absent a config
// file, sized the way the teacher's own defaults (storage.page_size et al.)
// are modest constants rather than zero values.
func Default() DatabaseSettings {
	return DatabaseSettings{
		MaxUnitFileSize:       64 << 20, // 64 MiB
		RowCacheBlocks:        256,
		HeapCacheBlocks:       256,
		HeapEntriesPerBlock:   16,
		IndexNodeSizeKiB:      8,
		IndexCacheBudgetBytes: 4 << 20, // 4 MiB
		TempDir:               "",
	}
}

// Load reads DatabaseSettings from a YAML file at path, the way the
// teacher's LoadConfig reads NovaSqlConfig, falling back to Default for any
// field the file doesn't set.
func Load(path string) (DatabaseSettings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("max_unit_file_size", def.MaxUnitFileSize)
	v.SetDefault("row_cache_blocks", def.RowCacheBlocks)
	v.SetDefault("heap_cache_blocks", def.HeapCacheBlocks)
	v.SetDefault("heap_entries_per_block", def.HeapEntriesPerBlock)
	v.SetDefault("index_node_size_kib", def.IndexNodeSizeKiB)
	v.SetDefault("index_cache_budget_bytes", def.IndexCacheBudgetBytes)
	v.SetDefault("temp_dir", def.TempDir)

	if err := v.ReadInConfig(); err != nil {
		return DatabaseSettings{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg DatabaseSettings
	if err := v.Unmarshal(&cfg); err != nil {
		return DatabaseSettings{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}

// IndexNodeSize returns the configured node size in bytes, rounded the way
// the spec requires: a power of two, a multiple of MaxUnitFileSize's stripe
// granularity is not required here since index containers stripe
// independently, but node_raw_size itself must be a power of two (spec
// §4.5).
func (s DatabaseSettings) IndexNodeSize() int {
	bytes := s.IndexNodeSizeKiB * 1024
	size := 1
	for size < bytes {
		size <<= 1
	}
	return size
}

// IndexCacheNodes returns how many nodes of size IndexNodeSize fit in the
// per-index cache budget, at least 4 so a root/leaf pair always fits
// alongside headroom for a split.
func (s DatabaseSettings) IndexCacheNodes() int {
	n := int(s.IndexCacheBudgetBytes / int64(s.IndexNodeSize()))
	if n < 4 {
		n = 4
	}
	return n
}
