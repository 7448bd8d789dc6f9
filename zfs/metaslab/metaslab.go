// Package metaslab implements space allocation for a pool. A Class spreads allocations over the Groups of
// its top-level vdevs, a Group picks the best weighted Metaslab of its vdev, and a Metaslab hands out
// segments of its free tree and records every change in its space map.
package metaslab

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/ReneHollander/zspa/zfs/rangetree"
	"github.com/ReneHollander/zspa/zfs/spacemap"
	"github.com/ReneHollander/zspa/zfs/txg"
)

var (
	ErrAllocationFailure = errors.New("allocation failure")
	ErrCondensing        = errors.New("metaslab is condensing")
	ErrInvalidFree       = errors.New("invalid free")
)

type State int

const (
	Unloaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "UNLOADED"
	case Loading:
		return "LOADING"
	case Loaded:
		return "LOADED"
	default:
		return "UNKNOWN"
	}
}

const (
	txgSize   = txg.TXGSize
	txgMask   = txg.TXGMask
	deferSize = txg.DeferSize

	weightPrimary    = 1 << 63
	weightSecondary  = 1 << 62
	weightActiveMask = weightPrimary | weightSecondary

	// FragmentationInvalid is reported while the fragmentation of a metaslab is unknown.
	FragmentationInvalid = math.MaxUint64

	maxCursors    = 64
	minBlockShift = 9
	minBlockSize  = 1 << minBlockShift
)

// fragTable maps the power of two bucket of a free segment, starting at 512 bytes, to how fragmented
// space in segments of that size is considered.
var fragTable = [...]uint64{
	100, // 512B
	100, // 1K
	98,  // 2K
	95,  // 4K
	90,  // 8K
	80,  // 16K
	70,  // 32K
	60,  // 64K
	50,  // 128K
	40,  // 256K
	30,  // 512K
	20,  // 1M
	15,  // 2M
	10,  // 4M
	5,   // 8M
	0,   // 16M
}

// Metaslab is one fixed size region of a vdev.
type Metaslab struct {
	mu     sync.Mutex
	loaded *sync.Cond

	group *Group
	cfg   *Config

	id    uint64
	start uint64
	size  uint64
	shift uint8

	store spacemap.Store
	sm    *spacemap.SpaceMap

	state State
	// tree holds the free segments while loaded, indexed by offset and by size.
	tree       *rangetree.Tree
	allocTrees [txgSize]*rangetree.Tree
	freeTrees  [txgSize]*rangetree.Tree
	deferTrees [deferSize]*rangetree.Tree
	deferSpace int64
	syncDelta  int64
	cursors    [maxCursors]uint64

	condensing    bool
	fragmentation uint64
	weight        uint64
	accessTxg     uint64

	// sortWeight is the key the group indexes this metaslab under. Guarded by the group lock.
	sortWeight uint64
}

func newMetaslab(g *Group, id, start, size uint64, shift uint8, store spacemap.Store, object uint64) (*Metaslab, error) {
	ms := &Metaslab{
		group: g,
		cfg:   g.cfg,
		id:    id,
		start: start,
		size:  size,
		shift: shift,
		store: store,
		tree:  rangetree.NewSized(),
	}
	ms.loaded = sync.NewCond(&ms.mu)
	for i := range ms.allocTrees {
		ms.allocTrees[i] = rangetree.New()
		ms.freeTrees[i] = rangetree.New()
	}
	for i := range ms.deferTrees {
		ms.deferTrees[i] = rangetree.New()
	}
	if object != 0 {
		sm, err := spacemap.Open(store, object, start, size, shift)
		if err != nil {
			return nil, fmt.Errorf("error opening space map of metaslab %d: %w", id, err)
		}
		ms.sm = sm
	}

	ms.fragmentation = FragmentationInvalid
	if ms.allocated() == 0 {
		var hist [rangetree.HistogramSize]uint64
		hist[bits.Len64(size)-1] = 1
		ms.fragmentation = fragmentation(hist)
	}
	return ms, nil
}

func (ms *Metaslab) ID() uint64 {
	return ms.id
}

func (ms *Metaslab) Start() uint64 {
	return ms.start
}

func (ms *Metaslab) Size() uint64 {
	return ms.size
}

// Object returns the space map object id, or 0 if nothing was synced yet.
func (ms *Metaslab) Object() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.sm == nil {
		return 0
	}
	return ms.sm.Object()
}

// SpaceMap returns the space map, or nil if nothing was synced yet.
func (ms *Metaslab) SpaceMap() *spacemap.SpaceMap {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sm
}

func (ms *Metaslab) State() State {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state
}

func (ms *Metaslab) Weight() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.weight
}

func (ms *Metaslab) Fragmentation() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.fragmentation
}

// Condensing reports whether the space map is being rewritten right now.
func (ms *Metaslab) Condensing() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.condensing
}

// allocated is the synced number of allocated bytes.
func (ms *Metaslab) allocated() uint64 {
	if ms.sm == nil || ms.sm.Allocated() < 0 {
		return 0
	}
	return uint64(ms.sm.Allocated())
}

// Load builds the in-memory free tree from the space map. Concurrent callers wait for a single load.
func (ms *Metaslab) Load() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.load()
}

// load is called with ms.mu held and returns with it held. The lock is dropped while the space map is
// replayed.
func (ms *Metaslab) load() error {
	for ms.state == Loading {
		ms.loaded.Wait()
	}
	if ms.state == Loaded {
		return nil
	}
	ms.state = Loading
	sm := ms.sm
	ms.mu.Unlock()

	tree := rangetree.NewSized()
	var err error
	if sm == nil {
		err = tree.Add(ms.start, ms.size)
	} else {
		err = sm.Load(tree)
	}

	ms.mu.Lock()
	defer ms.loaded.Broadcast()
	if err != nil {
		ms.state = Unloaded
		return fmt.Errorf("error loading metaslab %d: %w", ms.id, err)
	}
	// Deferred frees are free on disk but must not be handed out yet.
	for _, d := range ms.deferTrees {
		d.Walk(func(s rangetree.Segment) bool {
			err = tree.Remove(s.Start, s.Size())
			return err == nil
		})
		if err != nil {
			ms.state = Unloaded
			return fmt.Errorf("metaslab %d: deferred segment not free on disk: %w: %w", ms.id, spacemap.ErrCorruption, err)
		}
	}
	ms.tree = tree
	ms.state = Loaded
	ms.fragmentation = fragmentation(tree.Histogram())
	ms.cfg.logger().Debug("loaded metaslab", "vdev", ms.group.vdev, "metaslab", ms.id, "segments", tree.Len(), "free", tree.Space())
	return nil
}

func (ms *Metaslab) unload() {
	ms.tree = rangetree.NewSized()
	ms.state = Unloaded
	ms.cursors = [maxCursors]uint64{}
	ms.weight &^= weightActiveMask
	ms.cfg.logger().Debug("unloaded metaslab", "vdev", ms.group.vdev, "metaslab", ms.id)
}

// Allocate reserves size bytes in txg and returns their offset. The metaslab is loaded on demand.
func (ms *Metaslab) Allocate(size, txg uint64) (uint64, error) {
	if size == 0 || size%(1<<ms.shift) != 0 {
		return 0, fmt.Errorf("metaslab %d: invalid allocation size %d", ms.id, size)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.load(); err != nil {
		return 0, err
	}
	if ms.condensing {
		return 0, fmt.Errorf("metaslab %d: %w", ms.id, ErrCondensing)
	}

	offset, ok := ms.group.class.allocator.alloc(ms, size)
	if !ok {
		return 0, fmt.Errorf("metaslab %d: no free segment of %d bytes: %w", ms.id, size, ErrAllocationFailure)
	}
	if err := ms.tree.Remove(offset, size); err != nil {
		return 0, fmt.Errorf("metaslab %d: %w", ms.id, err)
	}
	if err := ms.allocTrees[txg&txgMask].Add(offset, size); err != nil {
		return 0, fmt.Errorf("metaslab %d: %w", ms.id, err)
	}
	ms.accessTxg = txg + ms.cfg.UnloadDelay
	ms.weight |= weightPrimary
	return offset, nil
}

// Free releases [offset, offset+size) in txg. The space becomes allocatable again once txg and the
// following deferral window have synced, unless it was allocated in the same txg.
func (ms *Metaslab) Free(offset, size, txg uint64) error {
	unit := uint64(1) << ms.shift
	if size == 0 || offset < ms.start || offset+size > ms.start+ms.size || offset%unit != 0 || size%unit != 0 {
		return fmt.Errorf("metaslab %d: freeing [%#x, +%#x): %w", ms.id, offset, size, ErrInvalidFree)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if allocs := ms.allocTrees[txg&txgMask]; allocs.Contains(offset, size) {
		// Never made it to disk.
		if err := allocs.Remove(offset, size); err != nil {
			return err
		}
		return ms.tree.Add(offset, size)
	}
	for _, t := range ms.freeTrees {
		if t.Overlaps(offset, size) {
			return fmt.Errorf("metaslab %d: double free of [%#x, +%#x): %w", ms.id, offset, size, ErrInvalidFree)
		}
	}
	for _, t := range ms.deferTrees {
		if t.Overlaps(offset, size) {
			return fmt.Errorf("metaslab %d: double free of [%#x, +%#x): %w", ms.id, offset, size, ErrInvalidFree)
		}
	}
	if ms.state == Loaded && ms.tree.Overlaps(offset, size) {
		return fmt.Errorf("metaslab %d: freeing free space [%#x, +%#x): %w", ms.id, offset, size, ErrInvalidFree)
	}
	return ms.freeTrees[txg&txgMask].Add(offset, size)
}

// Sync writes the allocations and frees of txg to the space map, condensing it instead when it has grown
// too large.
func (ms *Metaslab) Sync(txg uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for ms.state == Loading {
		ms.loaded.Wait()
	}

	allocs := ms.allocTrees[txg&txgMask]
	frees := ms.freeTrees[txg&txgMask]
	if allocs.Empty() && frees.Empty() {
		return nil
	}
	if ms.sm == nil {
		sm, err := spacemap.Create(ms.store, ms.start, ms.size, ms.shift)
		if err != nil {
			return fmt.Errorf("error creating space map of metaslab %d: %w", ms.id, err)
		}
		ms.sm = sm
	}
	before := ms.sm.Allocated()

	condensed := false
	if ms.state == Loaded {
		onDisk, err := ms.onDiskFree(txg)
		if err != nil {
			return err
		}
		if ms.sm.ShouldCondense(onDisk, ms.cfg.CondensePct, ms.cfg.CondenseMinEntries) {
			if err := ms.condense(onDisk, txg); err != nil {
				return err
			}
			condensed = true
		}
	}
	if !condensed {
		if err := ms.sm.Write(allocs, spacemap.Alloc, txg); err != nil {
			return err
		}
		if err := ms.sm.Write(frees, spacemap.Free, txg); err != nil {
			return err
		}
	}
	allocs.Clear()
	ms.syncDelta += ms.sm.Allocated() - before
	return nil
}

// onDiskFree returns what the space map will describe as free once txg is synced: the free tree plus
// everything it does not show yet. That is allocations of later txgs, deferred frees and the frees of txg.
func (ms *Metaslab) onDiskFree(txg uint64) (*rangetree.Tree, error) {
	free := rangetree.New()
	add := func(t *rangetree.Tree) error {
		var err error
		t.Walk(func(s rangetree.Segment) bool {
			err = free.Add(s.Start, s.Size())
			return err == nil
		})
		return err
	}
	trees := []*rangetree.Tree{ms.tree, ms.freeTrees[txg&txgMask]}
	for t := range ms.allocTrees {
		if uint64(t) != txg&txgMask {
			trees = append(trees, ms.allocTrees[t])
		}
	}
	trees = append(trees, ms.deferTrees[:]...)
	for _, t := range trees {
		if err := add(t); err != nil {
			return nil, fmt.Errorf("metaslab %d: inconsistent trees: %w", ms.id, err)
		}
	}
	return free, nil
}

// condense rewrites the space map with ms.mu released. Allocations fail with ErrCondensing meanwhile.
func (ms *Metaslab) condense(onDisk *rangetree.Tree, txg uint64) error {
	ms.condensing = true
	sm := ms.sm
	length := sm.Length()
	ms.mu.Unlock()

	err := sm.Condense(onDisk, txg)

	ms.mu.Lock()
	ms.condensing = false
	if err != nil {
		return err
	}
	ms.cfg.logger().Debug("condensed space map", "vdev", ms.group.vdev, "metaslab", ms.id, "txg", txg, "before", length, "after", sm.Length())
	return nil
}

// SyncDone finishes txg: its frees enter the deferral window, the frees of txg-DeferSize become
// allocatable, and an idle metaslab is unloaded.
func (ms *Metaslab) SyncDone(txg uint64) error {
	ms.mu.Lock()
	for ms.state == Loading {
		ms.loaded.Wait()
	}

	freed := ms.freeTrees[txg&txgMask]
	deferred := ms.deferTrees[txg%deferSize]
	deferDelta := int64(freed.Space()) - int64(deferred.Space())
	allocDelta := ms.syncDelta
	ms.syncDelta = 0

	var err error
	if ms.state == Loaded {
		deferred.Vacate(func(s rangetree.Segment) {
			if err == nil {
				err = ms.tree.Add(s.Start, s.Size())
			}
		})
	} else {
		deferred.Clear()
	}
	ms.freeTrees[txg&txgMask], ms.deferTrees[txg%deferSize] = deferred, freed
	ms.deferSpace += deferDelta

	if ms.state == Loaded && ms.accessTxg < txg && !ms.cfg.DebugUnload && ms.idle() {
		ms.unload()
	}
	ms.computeWeight()
	ms.mu.Unlock()

	ms.group.spaceUpdate(allocDelta+deferDelta, deferDelta)
	ms.group.sort(ms, ms.Weight)
	if err != nil {
		return fmt.Errorf("metaslab %d: releasing deferred frees: %w", ms.id, err)
	}
	return nil
}

func (ms *Metaslab) idle() bool {
	for _, t := range ms.allocTrees {
		if !t.Empty() {
			return false
		}
	}
	return true
}

// passivate drops the active flag after a failed allocation and ranks the metaslab by its largest free
// segment so that requests it cannot serve skip it.
func (ms *Metaslab) passivate() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.state != Loaded {
		return ms.weight
	}
	largest, _ := ms.tree.Largest()
	ms.weight = largest.Size()
	return ms.weight
}

// computeWeight is called with ms.mu held.
func (ms *Metaslab) computeWeight() uint64 {
	space := ms.size - ms.allocated()
	if ms.state == Loaded {
		ms.fragmentation = fragmentation(ms.tree.Histogram())
	}
	if ms.cfg.FragmentationFactor && ms.fragmentation != FragmentationInvalid {
		space = space * (101 - ms.fragmentation) / 100
		if space > 0 && space < minBlockSize {
			space = minBlockSize
		}
	}
	w := space
	if n := uint64(len(ms.group.metaslabs)); ms.cfg.LBAWeighting && ms.group.rotational && n > 0 {
		// Lower offsets are on the faster outer tracks of a spinning disk.
		w = 2*w - (ms.id*w)/n
	}
	if ms.state == Loaded && ms.fragmentation != FragmentationInvalid && ms.fragmentation <= ms.cfg.FragmentationThreshold {
		w |= ms.weight & weightActiveMask
	}
	ms.weight = w
	return w
}

func fragmentation(hist [rangetree.HistogramSize]uint64) uint64 {
	var total, frag uint64
	for i, n := range hist {
		if n == 0 {
			continue
		}
		idx := min(max(i-minBlockShift, 0), len(fragTable)-1)
		space := n << i
		total += space
		frag += space * fragTable[idx]
	}
	if total == 0 {
		return 0
	}
	return frag / total
}

// Stats is a point in time view of a metaslab.
type Stats struct {
	ID            uint64
	Start         uint64
	Size          uint64
	State         State
	Weight        uint64
	Fragmentation uint64
	Allocated     uint64
	Deferred      uint64
	Object        uint64
}

func (ms *Metaslab) Stats() Stats {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s := Stats{
		ID:            ms.id,
		Start:         ms.start,
		Size:          ms.size,
		State:         ms.state,
		Weight:        ms.weight,
		Fragmentation: ms.fragmentation,
		Allocated:     ms.allocated(),
		Deferred:      uint64(ms.deferSpace),
	}
	if ms.sm != nil {
		s.Object = ms.sm.Object()
	}
	return s
}
