package spa

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/ReneHollander/zspa/zfs/metaslab"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

// Config is everything a pool needs to be created or opened.
type Config struct {
	Metaslab metaslab.Config
	Queue    vdev.QueueConfig

	// CacheSize is the number of decoded blocks kept in memory. Zero disables the cache.
	CacheSize int
	// MetaslabShift fixes the metaslab size of new pools. Zero derives it from the device size.
	MetaslabShift uint8

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Metaslab:  metaslab.DefaultConfig(),
		Queue:     vdev.DefaultQueueConfig(),
		CacheSize: 1024,
	}
}

func (c Config) Validate() error {
	if err := c.Metaslab.Validate(); err != nil {
		return fmt.Errorf("metaslab: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache size must not be negative, got %d", c.CacheSize)
	}
	if c.MetaslabShift != 0 && (c.MetaslabShift < vdev.SectorShift || c.MetaslabShift > 40) {
		return fmt.Errorf("metaslab shift %d out of range", c.MetaslabShift)
	}
	return nil
}

// withLogger hands the pool logger down to the components that have none of their own.
func (c Config) withLogger() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metaslab.Logger == nil {
		c.Metaslab.Logger = c.Logger
	}
	if c.Queue.Logger == nil {
		c.Queue.Logger = c.Logger
	}
	return c
}

const (
	minMetaslabShift = 24
	// targetMetaslabs is how many metaslabs a device is split into when the shift is derived.
	targetMetaslabs = 200
)

// metaslabShift picks the metaslab size for a device with asize bytes of data area.
func (c Config) metaslabShift(asize uint64) uint8 {
	if c.MetaslabShift != 0 {
		return c.MetaslabShift
	}
	return max(uint8(bits.Len64(asize/targetMetaslabs)), minMetaslabShift)
}
