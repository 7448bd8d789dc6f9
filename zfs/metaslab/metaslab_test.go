package metaslab

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ReneHollander/zspa/zfs/rangetree"
	"github.com/ReneHollander/zspa/zfs/spacemap"
)

const (
	testMetaslabSize = 64 << 10
	testShift        = 9
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DebugUnload = true
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

// newTestClass builds a class of groups with metaslabs of testMetaslabSize each, all backed by one store.
func newTestClass(t *testing.T, cfg Config, groups, metaslabs int) (*Class, spacemap.Store) {
	t.Helper()
	store := spacemap.NewMemStore()
	c, err := NewClass(cfg)
	require.NoError(t, err)
	for v := range groups {
		g := NewGroup(c, uint64(v), false)
		for i := range metaslabs {
			_, err := g.AddMetaslab(uint64(i)*testMetaslabSize, testMetaslabSize, testShift, store, 0)
			require.NoError(t, err)
		}
		require.NoError(t, g.Activate())
	}
	return c, store
}

func syncTxg(t *testing.T, c *Class, txg uint64) {
	t.Helper()
	require.NoError(t, c.Sync(txg))
	require.NoError(t, c.SyncDone(txg))
}

var errReadFailed = errors.New("read failed")

// countingStore counts object reads and can be told to fail them. Reads are slowed down so that
// concurrent loads overlap.
type countingStore struct {
	*spacemap.MemStore
	reads     atomic.Int64
	failReads atomic.Bool
}

func (s *countingStore) Read(object uint64) ([]uint64, error) {
	s.reads.Add(1)
	if s.failReads.Load() {
		return nil, errReadFailed
	}
	time.Sleep(time.Millisecond)
	return s.MemStore.Read(object)
}

// reopen attaches a metaslab of a fresh class to the space map of ms.
func reopen(t *testing.T, ms *Metaslab, store spacemap.Store) *Metaslab {
	t.Helper()
	c, err := NewClass(testConfig())
	require.NoError(t, err)
	g := NewGroup(c, 0, false)
	ms2, err := g.AddMetaslab(ms.Start(), ms.Size(), testShift, store, ms.Object())
	require.NoError(t, err)
	return ms2
}

// sortedConsistently checks that every metaslab of g is indexed under its current weight.
func sortedConsistently(t *testing.T, g *Group) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, len(g.metaslabs), g.tree.Len())
	g.tree.Ascend(func(e groupEntry) bool {
		assert.Equal(t, e.ms.sortWeight, e.weight)
		assert.Equal(t, e.ms.Weight(), e.weight, "metaslab %d", e.ms.ID())
		return true
	})
}

func freeSpace(ms *Metaslab, offset, size uint64) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.tree.Contains(offset, size)
}

func TestFirstFitCursors(t *testing.T) {
	c, _ := newTestClass(t, testConfig(), 1, 1)
	ms := c.Groups()[0].Metaslabs()[0]

	for _, tc := range []struct{ size, want uint64 }{
		{4096, 0},
		{4096, 4096},
		// Each alignment has its own cursor.
		{8192, 8192},
		{512, 16384},
		{512, 16896},
		{4096, 20480},
	} {
		off, err := ms.Allocate(tc.size, 4)
		require.NoError(t, err)
		assert.Equal(t, tc.want, off, "size %d", tc.size)
	}
}

func TestFirstFitWraps(t *testing.T) {
	c, _ := newTestClass(t, testConfig(), 1, 1)
	ms := c.Groups()[0].Metaslabs()[0]

	for i := range testMetaslabSize / 4096 {
		off, err := ms.Allocate(4096, 4)
		require.NoError(t, err)
		require.Equal(t, uint64(i*4096), off)
	}
	_, err := ms.Allocate(4096, 4)
	require.ErrorIs(t, err, ErrAllocationFailure)

	// Freed in the txg it was allocated in, so it is free right away.
	require.NoError(t, ms.Free(0, 4096, 4))
	off, err := ms.Allocate(4096, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)
}

func TestDynamicBestFit(t *testing.T) {
	cfg := testConfig()
	cfg.Allocator = AllocatorDynamic
	cfg.DFAllocThreshold = 1 << 20
	c, _ := newTestClass(t, cfg, 1, 1)
	ms := c.Groups()[0].Metaslabs()[0]

	for range testMetaslabSize / 4096 {
		_, err := ms.Allocate(4096, 4)
		require.NoError(t, err)
	}
	for _, off := range []uint64{4096, 16384, 20480, 24576, 40960, 45056} {
		require.NoError(t, ms.Free(off, 4096, 4))
	}

	off, err := ms.Allocate(8192, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(40960), off)

	off, err = ms.Allocate(4096, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), off)

	_, err = ms.Allocate(16384, 4)
	assert.ErrorIs(t, err, ErrAllocationFailure)
}

func TestDeferredFrees(t *testing.T) {
	c, _ := newTestClass(t, testConfig(), 1, 1)
	ms := c.Groups()[0].Metaslabs()[0]

	dva, err := c.Allocate(8192, 4)
	require.NoError(t, err)
	syncTxg(t, c, 4)
	assert.False(t, freeSpace(ms, dva.Offset, dva.ASize))

	const freed = 5
	require.NoError(t, c.Free(dva, freed))
	for txg := uint64(freed); txg < freed+2; txg++ {
		assert.False(t, freeSpace(ms, dva.Offset, dva.ASize), "txg %d", txg)
		syncTxg(t, c, txg)
		assert.False(t, freeSpace(ms, dva.Offset, dva.ASize), "after sync of txg %d", txg)
	}
	assert.Equal(t, uint64(8192), c.Deferred())

	syncTxg(t, c, freed+2)
	assert.True(t, freeSpace(ms, dva.Offset, dva.ASize))
	assert.Zero(t, c.Deferred())
	assert.Zero(t, c.Alloc())
}

func TestInvalidFrees(t *testing.T) {
	c, _ := newTestClass(t, testConfig(), 1, 1)
	ms := c.Groups()[0].Metaslabs()[0]

	off, err := ms.Allocate(4096, 4)
	require.NoError(t, err)
	syncTxg(t, c, 4)

	require.NoError(t, ms.Free(off, 4096, 5))
	assert.ErrorIs(t, ms.Free(off, 4096, 5), ErrInvalidFree)
	syncTxg(t, c, 5)
	assert.ErrorIs(t, ms.Free(off, 4096, 6), ErrInvalidFree)

	assert.ErrorIs(t, ms.Free(32768, 4096, 6), ErrInvalidFree)
	assert.ErrorIs(t, ms.Free(100, 512, 6), ErrInvalidFree)
	assert.ErrorIs(t, ms.Free(testMetaslabSize-512, 1024, 6), ErrInvalidFree)
}

func TestGroupFallsThrough(t *testing.T) {
	c, _ := newTestClass(t, testConfig(), 1, 2)
	g := c.Groups()[0]
	ms0, ms1 := g.Metaslabs()[0], g.Metaslabs()[1]

	for range testMetaslabSize / 4096 {
		off, err := g.Allocate(4096, 4)
		require.NoError(t, err)
		require.Less(t, off, uint64(testMetaslabSize))
	}
	off, err := g.Allocate(4096, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(testMetaslabSize), off)
	assert.Zero(t, ms0.Weight())
	assert.NotZero(t, ms1.Weight()&weightPrimary)
}

func TestGroupAllocatesBelowWeight(t *testing.T) {
	c, _ := newTestClass(t, testConfig(), 1, 1)
	g := c.Groups()[0]
	ms := g.Metaslabs()[0]

	for range testMetaslabSize / 4096 {
		_, err := g.Allocate(4096, 4)
		require.NoError(t, err)
	}
	syncTxg(t, c, 4)
	for off := uint64(0); off < 16384; off += 4096 {
		require.NoError(t, ms.Free(off, 4096, 5))
	}
	for txg := uint64(5); txg < 8; txg++ {
		syncTxg(t, c, txg)
	}
	require.True(t, freeSpace(ms, 0, 16384))
	// Fragmentation scales the weight below the free segment.
	require.Less(t, ms.Weight(), uint64(8192))

	off, err := g.Allocate(8192, 8)
	require.NoError(t, err)
	assert.Less(t, off, uint64(16384))
}

func TestGroupSortsUnderConcurrentSync(t *testing.T) {
	c, _ := newTestClass(t, testConfig(), 1, 4)
	g := c.Groups()[0]
	for range 4 {
		_, err := g.Allocate(4096, 4)
		require.NoError(t, err)
	}

	var eg errgroup.Group
	for range 8 {
		eg.Go(func() error {
			for range 4 {
				if _, err := g.Allocate(4096, 5); err != nil {
					return err
				}
			}
			return nil
		})
	}
	syncTxg(t, c, 4)
	require.NoError(t, eg.Wait())
	sortedConsistently(t, g)

	syncTxg(t, c, 5)
	sortedConsistently(t, g)
	assert.Equal(t, uint64(36*4096), c.Alloc())
}

func TestGroupSkipsCondensing(t *testing.T) {
	c, _ := newTestClass(t, testConfig(), 1, 2)
	g := c.Groups()[0]
	ms0 := g.Metaslabs()[0]
	require.NoError(t, ms0.Load())

	ms0.mu.Lock()
	ms0.condensing = true
	ms0.mu.Unlock()

	_, err := ms0.Allocate(4096, 4)
	assert.ErrorIs(t, err, ErrCondensing)

	off, err := g.Allocate(4096, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(testMetaslabSize), off)
}

func TestClassRotor(t *testing.T) {
	c, _ := newTestClass(t, testConfig(), 3, 1)
	for _, want := range []uint64{0, 1, 2, 0} {
		dva, err := c.Allocate(4096, 4)
		require.NoError(t, err)
		assert.Equal(t, want, dva.Vdev)
	}
	assert.Equal(t, 1, c.Rotor())
}

func TestClassAliquot(t *testing.T) {
	cfg := testConfig()
	cfg.Aliquot = 8192
	c, _ := newTestClass(t, cfg, 2, 1)
	var vdevs []uint64
	for range 4 {
		dva, err := c.Allocate(4096, 4)
		require.NoError(t, err)
		vdevs = append(vdevs, dva.Vdev)
	}
	assert.Equal(t, []uint64{0, 0, 1, 1}, vdevs)
}

func TestClassEligibility(t *testing.T) {
	cfg := testConfig()
	cfg.NoAllocThreshold = 50
	// Weigh by free space alone so nearly full metaslabs are still tried.
	cfg.FragmentationFactor = false
	c, _ := newTestClass(t, cfg, 2, 1)
	g0, g1 := c.Groups()[0], c.Groups()[1]
	assert.Equal(t, 2, c.AllocatableGroups())

	for range 12 {
		_, err := g0.Allocate(4096, 4)
		require.NoError(t, err)
	}
	syncTxg(t, c, 4)
	assert.False(t, g0.Allocatable())
	assert.Equal(t, 1, c.AllocatableGroups())

	dva, err := c.Allocate(4096, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dva.Vdev)

	for range 12 {
		_, err := g1.Allocate(4096, 5)
		require.NoError(t, err)
	}
	syncTxg(t, c, 5)
	assert.False(t, g1.Allocatable())
	assert.Zero(t, c.AllocatableGroups())

	// With every group past the threshold all of them are eligible again.
	dva, err = c.Allocate(4096, 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), dva.Vdev)

	_, err = c.Allocate(1<<20, 6)
	assert.ErrorIs(t, err, ErrAllocationFailure)
}

func TestClassSkipsFailingGroup(t *testing.T) {
	store := &countingStore{MemStore: spacemap.NewMemStore()}
	c, err := NewClass(testConfig())
	require.NoError(t, err)
	for v := range 2 {
		var object uint64
		if v == 0 {
			object, err = store.Create()
			require.NoError(t, err)
		}
		g := NewGroup(c, uint64(v), false)
		_, err := g.AddMetaslab(0, testMetaslabSize, testShift, store, object)
		require.NoError(t, err)
		require.NoError(t, g.Activate())
	}
	store.failReads.Store(true)

	// Loading the only metaslab of vdev 0 fails, vdev 1 takes the allocation.
	dva, err := c.Allocate(4096, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dva.Vdev)

	_, err = c.Allocate(1<<20, 4)
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.ErrorIs(t, err, errReadFailed)
}

func TestConcurrentLoad(t *testing.T) {
	store := &countingStore{MemStore: spacemap.NewMemStore()}
	c, err := NewClass(testConfig())
	require.NoError(t, err)
	g := NewGroup(c, 0, false)
	ms, err := g.AddMetaslab(0, testMetaslabSize, testShift, store, 0)
	require.NoError(t, err)
	require.NoError(t, g.Activate())
	for range 8 {
		_, err := ms.Allocate(4096, 4)
		require.NoError(t, err)
	}
	syncTxg(t, c, 4)

	ms2 := reopen(t, ms, store)
	store.reads.Store(0)
	var eg errgroup.Group
	for range 16 {
		eg.Go(ms2.Load)
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, int64(1), store.reads.Load())
	assert.Equal(t, Loaded, ms2.State())
	assert.True(t, ms.tree.Equal(ms2.tree))
}

func TestCondense(t *testing.T) {
	cfg := testConfig()
	cfg.CondensePct = 100
	cfg.CondenseMinEntries = 1
	c, store := newTestClass(t, cfg, 1, 1)
	ms := c.Groups()[0].Metaslabs()[0]

	for range 8 {
		_, err := ms.Allocate(4096, 4)
		require.NoError(t, err)
	}
	syncTxg(t, c, 4)
	require.False(t, ms.SpaceMap().Condensed())

	require.NoError(t, ms.Free(28672, 4096, 5))
	// Allocated in the next txg before txg 5 syncs. The condensed map must still show it free.
	off, err := ms.Allocate(4096, 6)
	require.NoError(t, err)
	require.Equal(t, uint64(32768), off)

	require.NoError(t, c.Sync(5))
	sm := ms.SpaceMap()
	assert.True(t, sm.Condensed())
	assert.False(t, ms.Condensing())
	assert.Equal(t, uint64(2), sm.Length())
	assert.Equal(t, int64(28672), sm.Allocated())
	require.NoError(t, c.SyncDone(5))

	for txg := uint64(6); txg < 8; txg++ {
		syncTxg(t, c, txg)
	}
	assert.True(t, freeSpace(ms, 28672, 4096))

	ms2 := reopen(t, ms, store)
	require.NoError(t, ms2.Load())
	assert.True(t, ms.tree.Equal(ms2.tree))
	assert.True(t, freeSpace(ms2, 28672, 4096))
	assert.False(t, freeSpace(ms2, 32768, 4096))
	assert.Equal(t, uint64(8*4096), ms2.Stats().Allocated)
}

func TestPreload(t *testing.T) {
	cfg := testConfig()
	cfg.PreloadLimit = 2
	c, _ := newTestClass(t, cfg, 1, 3)
	require.NoError(t, c.Preload(context.Background()))

	var states []State
	for _, ms := range c.Groups()[0].Metaslabs() {
		states = append(states, ms.State())
	}
	assert.Equal(t, []State{Loaded, Loaded, Unloaded}, states)
}

func TestReloadFromSpaceMap(t *testing.T) {
	c, store := newTestClass(t, testConfig(), 1, 1)
	ms := c.Groups()[0].Metaslabs()[0]

	var dvas []uint64
	for range 8 {
		off, err := ms.Allocate(4096, 4)
		require.NoError(t, err)
		dvas = append(dvas, off)
	}
	syncTxg(t, c, 4)
	require.NoError(t, ms.Free(dvas[2], 4096, 5))
	require.NoError(t, ms.Free(dvas[5], 4096, 5))
	for txg := uint64(5); txg < 8; txg++ {
		syncTxg(t, c, txg)
	}
	require.NotZero(t, ms.Object())

	c2, err := NewClass(testConfig())
	require.NoError(t, err)
	g2 := NewGroup(c2, 0, false)
	ms2, err := g2.AddMetaslab(0, testMetaslabSize, testShift, store, ms.Object())
	require.NoError(t, err)
	require.NoError(t, ms2.Load())

	assert.True(t, ms.tree.Equal(ms2.tree))
	assert.Equal(t, uint64(6*4096), ms2.Stats().Allocated)
}

func TestFragmentation(t *testing.T) {
	var hist [rangetree.HistogramSize]uint64
	assert.Zero(t, fragmentation(hist))

	hist[9] = 1
	assert.Equal(t, uint64(100), fragmentation(hist))

	hist = [rangetree.HistogramSize]uint64{}
	hist[30] = 1
	assert.Zero(t, fragmentation(hist))
}
