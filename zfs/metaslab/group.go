package metaslab

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"

	"github.com/ReneHollander/zspa/zfs/spacemap"
)

type groupEntry struct {
	weight uint64
	start  uint64
	ms     *Metaslab
}

// byWeight orders metaslabs from the highest to the lowest weight, ties broken by offset.
func byWeight(a, b groupEntry) bool {
	if a.weight != b.weight {
		return a.weight > b.weight
	}
	return a.start < b.start
}

// Group holds the metaslabs of one top-level vdev. Lock order is group before metaslab.
type Group struct {
	mu sync.Mutex

	class      *Class
	cfg        *Config
	vdev       uint64
	rotational bool

	metaslabs []*Metaslab
	tree      *btree.BTreeG[groupEntry]
	active    bool

	allocatable   bool
	freeCapacity  uint64
	fragmentation uint64

	alloc    atomic.Int64
	deferred atomic.Int64
	space    atomic.Int64
}

// NewGroup creates an empty group for vdev. Metaslabs are added with AddMetaslab, then the group joins
// the class rotor with Activate.
func NewGroup(class *Class, vdev uint64, rotational bool) *Group {
	return &Group{
		class:         class,
		cfg:           &class.cfg,
		vdev:          vdev,
		rotational:    rotational,
		tree:          btree.NewG(8, byWeight),
		fragmentation: FragmentationInvalid,
	}
}

func (g *Group) Vdev() uint64 {
	return g.vdev
}

// AddMetaslab appends a metaslab covering [start, start+size). A zero object means the metaslab has never
// been synced and is entirely free.
func (g *Group) AddMetaslab(start, size uint64, shift uint8, store spacemap.Store, object uint64) (*Metaslab, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return nil, fmt.Errorf("vdev %d: adding metaslab to an active group", g.vdev)
	}
	ms, err := newMetaslab(g, uint64(len(g.metaslabs)), start, size, shift, store, object)
	if err != nil {
		return nil, err
	}
	g.metaslabs = append(g.metaslabs, ms)
	g.space.Add(int64(size))
	g.alloc.Add(int64(ms.allocated()))
	g.class.spaceUpdate(int64(ms.allocated()), 0, int64(size))
	return ms, nil
}

// Activate weighs all metaslabs and makes the group available for allocations.
func (g *Group) Activate() error {
	if g.cfg.DebugLoad {
		var merr *multierror.Error
		for _, ms := range g.metaslabs {
			if err := ms.Load(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if err := merr.ErrorOrNil(); err != nil {
			return err
		}
	}
	for _, ms := range g.metaslabs {
		g.sort(ms, func() uint64 {
			ms.mu.Lock()
			defer ms.mu.Unlock()
			return ms.computeWeight()
		})
	}
	g.mu.Lock()
	g.active = true
	g.mu.Unlock()
	g.AllocUpdate()
	g.class.addGroup(g)
	return nil
}

func (g *Group) Metaslabs() []*Metaslab {
	return g.metaslabs
}

func (g *Group) Metaslab(id uint64) (*Metaslab, bool) {
	if id >= uint64(len(g.metaslabs)) {
		return nil, false
	}
	return g.metaslabs[id], true
}

// metaslabAt finds the metaslab containing offset.
func (g *Group) metaslabAt(offset uint64) (*Metaslab, error) {
	i := sort.Search(len(g.metaslabs), func(i int) bool {
		ms := g.metaslabs[i]
		return ms.start+ms.size > offset
	})
	if i == len(g.metaslabs) || g.metaslabs[i].start > offset {
		return nil, fmt.Errorf("vdev %d: offset %#x is not in any metaslab: %w", g.vdev, offset, ErrInvalidFree)
	}
	return g.metaslabs[i], nil
}

// sort reindexes ms under the weight returned by weigh. weigh runs under the group lock, so concurrent
// calls cannot leave ms keyed under a stale weight.
func (g *Group) sort(ms *Metaslab, weigh func() uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	weight := weigh()
	g.tree.Delete(groupEntry{weight: ms.sortWeight, start: ms.start})
	ms.sortWeight = weight
	g.tree.ReplaceOrInsert(groupEntry{weight: weight, start: ms.start, ms: ms})
}

// Allocate tries the metaslabs of the group from the highest weight down. The weight only orders them,
// each metaslab decides itself whether it can hold size.
func (g *Group) Allocate(size, txg uint64) (uint64, error) {
	g.mu.Lock()
	candidates := make([]groupEntry, 0, g.tree.Len())
	g.tree.Ascend(func(e groupEntry) bool {
		candidates = append(candidates, e)
		return true
	})
	g.mu.Unlock()

	for _, e := range candidates {
		offset, err := e.ms.Allocate(size, txg)
		switch {
		case err == nil:
			g.sort(e.ms, e.ms.Weight)
			return offset, nil
		case errors.Is(err, ErrCondensing):
			continue
		case errors.Is(err, ErrAllocationFailure):
			g.sort(e.ms, e.ms.passivate)
		default:
			return 0, fmt.Errorf("vdev %d: %w", g.vdev, err)
		}
	}
	return 0, fmt.Errorf("vdev %d: no metaslab can hold %d bytes: %w", g.vdev, size, ErrAllocationFailure)
}

// Free releases [offset, offset+size) in txg.
func (g *Group) Free(offset, size, txg uint64) error {
	ms, err := g.metaslabAt(offset)
	if err != nil {
		return err
	}
	return ms.Free(offset, size, txg)
}

// Sync writes the space maps of every metaslab touched in txg.
func (g *Group) Sync(txg uint64) error {
	var merr *multierror.Error
	for _, ms := range g.metaslabs {
		if err := ms.Sync(txg); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("vdev %d: %w", g.vdev, err))
		}
	}
	return merr.ErrorOrNil()
}

// SyncDone rotates the deferred frees of every metaslab and refreshes the group's eligibility.
func (g *Group) SyncDone(txg uint64) error {
	var merr *multierror.Error
	for _, ms := range g.metaslabs {
		if err := ms.SyncDone(txg); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("vdev %d: %w", g.vdev, err))
		}
	}
	g.AllocUpdate()
	return merr.ErrorOrNil()
}

func (g *Group) spaceUpdate(allocDelta, deferDelta int64) {
	g.alloc.Add(allocDelta)
	g.deferred.Add(deferDelta)
	g.class.spaceUpdate(allocDelta, deferDelta, 0)
}

// AllocUpdate recomputes free capacity and fragmentation and with them whether the group is allocatable.
func (g *Group) AllocUpdate() {
	space, alloc := g.space.Load(), g.alloc.Load()
	freeCapacity := uint64(max(space-alloc, 0) * 100 / (space + 1))
	frag := g.computeFragmentation()

	g.mu.Lock()
	was := g.allocatable
	g.freeCapacity = freeCapacity
	g.fragmentation = frag
	g.allocatable = freeCapacity > g.cfg.NoAllocThreshold &&
		(frag == FragmentationInvalid || frag <= g.cfg.GroupFragmentationThreshold)
	now, active := g.allocatable, g.active
	g.mu.Unlock()

	if active && was != now {
		if now {
			g.class.allocGroups.Add(1)
		} else {
			g.class.allocGroups.Add(-1)
		}
	}
}

// computeFragmentation averages the metaslabs with a known fragmentation. It is unknown while fewer than
// half of them have one.
func (g *Group) computeFragmentation() uint64 {
	var sum, valid uint64
	for _, ms := range g.metaslabs {
		if f := ms.Fragmentation(); f != FragmentationInvalid {
			sum += f
			valid++
		}
	}
	if valid == 0 || valid < uint64(len(g.metaslabs))/2 {
		return FragmentationInvalid
	}
	return sum / valid
}

func (g *Group) Allocatable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allocatable
}

// preloadCandidates returns the limit best weighted metaslabs.
func (g *Group) preloadCandidates(limit int) []*Metaslab {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Metaslab
	g.tree.Ascend(func(e groupEntry) bool {
		if len(out) >= limit {
			return false
		}
		out = append(out, e.ms)
		return true
	})
	return out
}

type GroupStats struct {
	Vdev          uint64
	Allocatable   bool
	FreeCapacity  uint64
	Fragmentation uint64
	Alloc         uint64
	Deferred      uint64
	Space         uint64
	Metaslabs     []Stats
}

func (g *Group) Stats() GroupStats {
	g.mu.Lock()
	s := GroupStats{
		Vdev:          g.vdev,
		Allocatable:   g.allocatable,
		FreeCapacity:  g.freeCapacity,
		Fragmentation: g.fragmentation,
	}
	g.mu.Unlock()
	s.Alloc = uint64(max(g.alloc.Load(), 0))
	s.Deferred = uint64(max(g.deferred.Load(), 0))
	s.Space = uint64(g.space.Load())
	for _, ms := range g.metaslabs {
		s.Metaslabs = append(s.Metaslabs, ms.Stats())
	}
	return s
}
