package metaslab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/ReneHollander/zspa/zfs/block"
)

// Class spreads allocations over its groups with a rotor.
type Class struct {
	cfg       Config
	allocator allocator

	mu      sync.Mutex
	groups  []*Group
	byVdev  map[uint64]*Group
	rotor   int
	aliquot uint64

	allocGroups atomic.Int64

	alloc    atomic.Int64
	deferred atomic.Int64
	space    atomic.Int64
}

func NewClass(cfg Config) (*Class, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Class{cfg: cfg, byVdev: make(map[uint64]*Group)}
	a, err := newAllocator(&c.cfg)
	if err != nil {
		return nil, err
	}
	c.allocator = a
	return c, nil
}

func (c *Class) Config() Config {
	return c.cfg
}

func (c *Class) addGroup(g *Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = append(c.groups, g)
	c.byVdev[g.vdev] = g
}

func (c *Class) Groups() []*Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Group(nil), c.groups...)
}

func (c *Class) Group(vdev uint64) (*Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byVdev[vdev]
	return g, ok
}

// Allocate reserves size bytes in txg on the group under the rotor, moving on to the next eligible group
// when it cannot. A group is eligible while it is allocatable, or when no group is.
func (c *Class) Allocate(size, txg uint64) (block.DVA, error) {
	c.mu.Lock()
	groups, start := c.groups, c.rotor
	c.mu.Unlock()
	if len(groups) == 0 {
		return block.DVA{}, fmt.Errorf("no metaslab groups: %w", ErrAllocationFailure)
	}

	fallback := c.allocGroups.Load() <= 0
	if fallback {
		c.cfg.logger().Warn("no allocatable metaslab group, allocating from all groups", "size", humanize.IBytes(size))
	}

	var merr *multierror.Error
	for i := range groups {
		idx := (start + i) % len(groups)
		g := groups[idx]
		if !fallback && !g.Allocatable() {
			continue
		}
		offset, err := g.Allocate(size, txg)
		if err != nil {
			if !errors.Is(err, ErrAllocationFailure) {
				c.cfg.logger().Warn("skipping metaslab group", "vdev", g.vdev, "error", err)
			}
			merr = multierror.Append(merr, err)
			continue
		}
		c.advance(idx, size)
		return block.DVA{Vdev: g.vdev, Offset: offset, ASize: size}, nil
	}
	if merr == nil {
		return block.DVA{}, fmt.Errorf("allocating %s: %w", humanize.IBytes(size), ErrAllocationFailure)
	}
	return block.DVA{}, fmt.Errorf("allocating %s: %w: %w", humanize.IBytes(size), ErrAllocationFailure, merr)
}

// advance moves the rotor past idx once the group got its aliquot.
func (c *Class) advance(idx int, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rotor != idx {
		c.rotor = idx
		c.aliquot = 0
	}
	c.aliquot += size
	if c.aliquot >= c.cfg.Aliquot {
		c.rotor = (idx + 1) % len(c.groups)
		c.aliquot = 0
	}
}

// Rotor returns the index of the group the next allocation starts at.
func (c *Class) Rotor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotor
}

// Free releases dva in txg.
func (c *Class) Free(dva block.DVA, txg uint64) error {
	g, ok := c.Group(dva.Vdev)
	if !ok {
		return fmt.Errorf("freeing %v: unknown vdev: %w", dva, ErrInvalidFree)
	}
	return g.Free(dva.Offset, dva.ASize, txg)
}

// Preload loads the best weighted metaslabs of every group in parallel.
func (c *Class) Preload(ctx context.Context) error {
	if !c.cfg.PreloadEnabled || c.cfg.PreloadLimit == 0 {
		return nil
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.PreloadConcurrency)
	for _, g := range c.Groups() {
		for _, ms := range g.preloadCandidates(c.cfg.PreloadLimit) {
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return ms.Load()
			})
		}
	}
	return eg.Wait()
}

// Sync writes the space maps of all groups for txg, one goroutine per group.
func (c *Class) Sync(txg uint64) error {
	var eg errgroup.Group
	for _, g := range c.Groups() {
		eg.Go(func() error {
			return g.Sync(txg)
		})
	}
	return eg.Wait()
}

func (c *Class) SyncDone(txg uint64) error {
	var merr *multierror.Error
	for _, g := range c.Groups() {
		if err := g.SyncDone(txg); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func (c *Class) spaceUpdate(allocDelta, deferDelta, spaceDelta int64) {
	c.alloc.Add(allocDelta)
	c.deferred.Add(deferDelta)
	c.space.Add(spaceDelta)
}

// Alloc is the synced allocated space, deferred frees included.
func (c *Class) Alloc() uint64 {
	return uint64(max(c.alloc.Load(), 0))
}

func (c *Class) Deferred() uint64 {
	return uint64(max(c.deferred.Load(), 0))
}

func (c *Class) Space() uint64 {
	return uint64(max(c.space.Load(), 0))
}

// AllocatableGroups is the number of groups that currently pass the free space and fragmentation checks.
func (c *Class) AllocatableGroups() int {
	return int(c.allocGroups.Load())
}
