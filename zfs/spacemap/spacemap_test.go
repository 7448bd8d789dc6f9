package spacemap

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/ReneHollander/zspa/zfs/rangetree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testStart = 1 << 20
	testSize  = 1 << 24
	testShift = 9
)

func treeOf(t *testing.T, segs ...rangetree.Segment) *rangetree.Tree {
	t.Helper()
	tree := rangetree.New()
	for _, s := range segs {
		require.NoError(t, tree.Add(s.Start, s.Size()))
	}
	return tree
}

func TestEntryRoundTrip(t *testing.T) {
	words, err := encodeRun(nil, Free, testStart+4096, 8192, testStart, testShift)
	require.NoError(t, err)
	require.Len(t, words, 1)

	e := decodeWord(words[0], testStart, testShift)
	assert.False(t, e.Debug)
	assert.Equal(t, Free, e.Type)
	assert.Equal(t, uint64(testStart+4096), e.Offset)
	assert.Equal(t, uint64(8192), e.Run)

	d := decodeWord(encodeDebug(ActionSync, 3, 12345), testStart, testShift)
	assert.True(t, d.Debug)
	assert.Equal(t, ActionSync, d.Action)
	assert.Equal(t, uint64(3), d.SyncPass)
	assert.Equal(t, uint64(12345), d.Txg)
}

func TestEncodeSplitsLongRuns(t *testing.T) {
	size := uint64(MaxRun+10) << testShift
	words, err := encodeRun(nil, Alloc, testStart, size, testStart, testShift)
	require.NoError(t, err)
	require.Len(t, words, 2)
	assert.Equal(t, uint64(2), entriesFor(size, testShift))

	first := decodeWord(words[0], testStart, testShift)
	second := decodeWord(words[1], testStart, testShift)
	assert.Equal(t, uint64(MaxRun)<<testShift, first.Run)
	assert.Equal(t, first.Offset+first.Run, second.Offset)
	assert.Equal(t, size, first.Run+second.Run)
}

func TestEncodeRejectsUnaligned(t *testing.T) {
	_, err := encodeRun(nil, Alloc, testStart+100, 512, testStart, testShift)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestLoadEmptyMapIsFullyFree(t *testing.T) {
	sm, err := Create(NewMemStore(), testStart, testSize, testShift)
	require.NoError(t, err)

	free := rangetree.New()
	require.NoError(t, sm.Load(free))
	assert.Equal(t, []rangetree.Segment{{Start: testStart, End: testStart + testSize}}, free.Segments())
}

func TestReplayMatchesOutstandingAllocations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sm, err := Create(NewMemStore(), testStart, testSize, testShift)
	require.NoError(t, err)

	free := rangetree.New()
	require.NoError(t, free.Add(testStart, testSize))
	outstanding := map[uint64]uint64{}
	var outstandingBytes uint64

	for txg := uint64(4); txg < 40; txg++ {
		allocs, frees := rangetree.New(), rangetree.New()
		for range 20 {
			size := uint64(rng.Intn(16)+1) << testShift
			off := testStart + uint64(rng.Intn(testSize>>testShift))<<testShift
			if off+size > testStart+testSize || !free.Contains(off, size) || allocs.Overlaps(off, size) {
				continue
			}
			require.NoError(t, free.Remove(off, size))
			require.NoError(t, allocs.Add(off, size))
			outstanding[off] = size
			outstandingBytes += size
		}
		for off, size := range outstanding {
			if rng.Intn(3) != 0 || allocs.Overlaps(off, size) {
				continue
			}
			require.NoError(t, frees.Add(off, size))
			require.NoError(t, free.Add(off, size))
			delete(outstanding, off)
			outstandingBytes -= size
		}
		require.NoError(t, sm.Write(allocs, Alloc, txg))
		require.NoError(t, sm.Write(frees, Free, txg))
	}

	loaded := rangetree.New()
	require.NoError(t, sm.Load(loaded))
	assert.Equal(t, uint64(testSize)-outstandingBytes, loaded.Space())
	assert.True(t, loaded.Equal(free))
	assert.Equal(t, int64(outstandingBytes), sm.Allocated())
}

func TestCondenseThenReloadIsIdentical(t *testing.T) {
	store := NewMemStore()
	sm, err := Create(store, testStart, testSize, testShift)
	require.NoError(t, err)

	// Allocate and free the same ranges over and over so the log grows far beyond its minimal form.
	for txg := uint64(4); txg < 20; txg++ {
		segs := treeOf(t, rangetree.Segment{Start: testStart, End: testStart + 8192}, rangetree.Segment{Start: testStart + 65536, End: testStart + 131072})
		require.NoError(t, sm.Write(segs, Alloc, txg))
		if txg != 19 {
			require.NoError(t, sm.Write(segs, Free, txg))
		}
	}

	before := rangetree.New()
	require.NoError(t, sm.Load(before))
	assert.True(t, sm.ShouldCondense(before, 200, 4))

	require.NoError(t, sm.Condense(before, 20))
	assert.Equal(t, uint64(3), sm.Length())
	assert.Equal(t, sm.MinimalEntries(before)+1, sm.Length())
	assert.Equal(t, int64(8192+65536), sm.Allocated())

	after := rangetree.New()
	require.NoError(t, sm.Load(after))
	assert.Equal(t, before.Segments(), after.Segments())

	reopened, err := Open(store, sm.Object(), testStart, testSize, testShift)
	require.NoError(t, err)
	assert.Equal(t, sm.Allocated(), reopened.Allocated())
	assert.Equal(t, sm.Length(), reopened.Length())
}

func TestCondenseIsIdempotent(t *testing.T) {
	sm, err := Create(NewMemStore(), testStart, testSize, testShift)
	require.NoError(t, err)
	require.NoError(t, sm.Write(treeOf(t, rangetree.Segment{Start: testStart, End: testStart + 4096}), Alloc, 4))

	free := rangetree.New()
	require.NoError(t, sm.Load(free))
	require.NoError(t, sm.Condense(free, 5))
	words, err := sm.store.Read(sm.Object())
	require.NoError(t, err)

	require.NoError(t, sm.Condense(free, 6))
	again, err := sm.store.Read(sm.Object())
	require.NoError(t, err)
	assert.Equal(t, words, again)
	assert.False(t, sm.ShouldCondense(free, 100, 0))

	require.NoError(t, sm.Write(treeOf(t, rangetree.Segment{Start: testStart + 4096, End: testStart + 8192}), Alloc, 7))
	assert.False(t, sm.Condensed())
}

func TestLoadDetectsDoubleFree(t *testing.T) {
	sm, err := Create(NewMemStore(), testStart, testSize, testShift)
	require.NoError(t, err)
	require.NoError(t, sm.Write(treeOf(t, rangetree.Segment{Start: testStart, End: testStart + 4096}), Free, 4))

	free := rangetree.New()
	assert.ErrorIs(t, sm.Load(free), ErrCorruption)
	assert.True(t, free.Empty())
}

func TestLoadDetectsNegativeFreeSpace(t *testing.T) {
	sm, err := Create(NewMemStore(), testStart, testSize, testShift)
	require.NoError(t, err)
	segs := treeOf(t, rangetree.Segment{Start: testStart, End: testStart + 4096})
	require.NoError(t, sm.Write(segs, Alloc, 4))
	require.NoError(t, sm.Write(segs, Alloc, 5))

	assert.ErrorIs(t, sm.Load(rangetree.New()), ErrCorruption)
}

func TestBoltStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spacemaps.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)

	sm, err := Create(store, testStart, testSize, testShift)
	require.NoError(t, err)
	empty, err := store.Read(sm.Object())
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, sm.Write(treeOf(t, rangetree.Segment{Start: testStart + 8192, End: testStart + 16384}), Alloc, 4))
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	reopened, err := Open(store, sm.Object(), testStart, testSize, testShift)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), reopened.Allocated())

	free := rangetree.New()
	require.NoError(t, reopened.Load(free))
	assert.Equal(t, []rangetree.Segment{
		{Start: testStart, End: testStart + 8192},
		{Start: testStart + 16384, End: testStart + testSize},
	}, free.Segments())

	_, err = store.Read(42)
	assert.ErrorIs(t, err, ErrNoObject)
}
