package metaslab

import (
	"fmt"
	"log/slog"

	"github.com/ReneHollander/zspa/zfs/txg"
)

const (
	AllocatorFirstFit = "first-fit"
	AllocatorDynamic  = "dynamic"
)

// Config collects the allocator tunables. One value is shared by a class and everything below it.
type Config struct {
	// Allocator selects the block picking policy, AllocatorFirstFit or AllocatorDynamic.
	Allocator string `yaml:"allocator" env:"ALLOCATOR"`

	// Aliquot is the number of bytes written to a group before the rotor moves on. Zero moves the rotor
	// after every allocation.
	Aliquot uint64 `yaml:"aliquot" env:"ALIQUOT"`

	// A space map is condensed once its log is CondensePct percent of its minimal form and it has at
	// least CondenseMinEntries entries.
	CondensePct        int    `yaml:"condense_pct" env:"CONDENSE_PCT"`
	CondenseMinEntries uint64 `yaml:"condense_min_entries" env:"CONDENSE_MIN_ENTRIES"`

	// Groups with a free capacity percentage at or below NoAllocThreshold, or a fragmentation above
	// GroupFragmentationThreshold, are skipped unless every group is.
	NoAllocThreshold            uint64 `yaml:"noalloc_threshold" env:"NOALLOC_THRESHOLD"`
	GroupFragmentationThreshold uint64 `yaml:"group_fragmentation_threshold" env:"GROUP_FRAGMENTATION_THRESHOLD"`
	// Metaslabs keep their active weight only while at or below FragmentationThreshold.
	FragmentationThreshold uint64 `yaml:"fragmentation_threshold" env:"FRAGMENTATION_THRESHOLD"`

	FragmentationFactor bool `yaml:"fragmentation_factor" env:"FRAGMENTATION_FACTOR"`
	LBAWeighting        bool `yaml:"lba_weighting" env:"LBA_WEIGHTING"`

	DebugLoad   bool `yaml:"debug_load" env:"DEBUG_LOAD"`
	DebugUnload bool `yaml:"debug_unload" env:"DEBUG_UNLOAD"`
	// UnloadDelay is how many txgs a metaslab stays loaded without allocations.
	UnloadDelay uint64 `yaml:"unload_delay" env:"UNLOAD_DELAY"`

	// The dynamic allocator switches to best-fit once the largest free segment is smaller than
	// DFAllocThreshold or less than DFFreePct percent of the metaslab is free.
	DFAllocThreshold uint64 `yaml:"df_alloc_threshold" env:"DF_ALLOC_THRESHOLD"`
	DFFreePct        uint64 `yaml:"df_free_pct" env:"DF_FREE_PCT"`

	PreloadEnabled     bool `yaml:"preload_enabled" env:"PRELOAD_ENABLED"`
	PreloadLimit       int  `yaml:"preload_limit" env:"PRELOAD_LIMIT"`
	PreloadConcurrency int  `yaml:"preload_concurrency" env:"PRELOAD_CONCURRENCY"`

	Logger *slog.Logger `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Allocator:                   AllocatorFirstFit,
		Aliquot:                     0,
		CondensePct:                 200,
		CondenseMinEntries:          4 * 4096 / 8,
		NoAllocThreshold:            0,
		GroupFragmentationThreshold: 85,
		FragmentationThreshold:      70,
		FragmentationFactor:         true,
		LBAWeighting:                true,
		UnloadDelay:                 txg.TXGSize * 2,
		DFAllocThreshold:            128 << 10,
		DFFreePct:                   4,
		PreloadEnabled:              true,
		PreloadLimit:                3,
		PreloadConcurrency:          4,
	}
}

func (c Config) Validate() error {
	switch c.Allocator {
	case AllocatorFirstFit, AllocatorDynamic:
	default:
		return fmt.Errorf("unknown allocator %q", c.Allocator)
	}
	if c.CondensePct < 100 {
		return fmt.Errorf("condense_pct must be at least 100, got %d", c.CondensePct)
	}
	if c.NoAllocThreshold > 100 {
		return fmt.Errorf("noalloc_threshold must be a percentage, got %d", c.NoAllocThreshold)
	}
	if c.GroupFragmentationThreshold > 100 || c.FragmentationThreshold > 100 {
		return fmt.Errorf("fragmentation thresholds must be percentages")
	}
	if c.DFFreePct > 100 {
		return fmt.Errorf("df_free_pct must be a percentage, got %d", c.DFFreePct)
	}
	if c.PreloadEnabled && (c.PreloadLimit < 0 || c.PreloadConcurrency < 1) {
		return fmt.Errorf("invalid preload limits %d/%d", c.PreloadLimit, c.PreloadConcurrency)
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
