package spa

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ReneHollander/zspa/zfs/block"
	"github.com/ReneHollander/zspa/zfs/compress"
	"github.com/ReneHollander/zspa/zfs/spacemap"
	"github.com/ReneHollander/zspa/zfs/txg"
	"github.com/ReneHollander/zspa/zfs/uberblock"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

const testDeviceSize = 72 << 20

func memoryBackends(n int) []vdev.Backend {
	var out []vdev.Backend
	for range n {
		out = append(out, vdev.NewMemoryBackend(testDeviceSize))
	}
	return out
}

func createPool(t *testing.T, n int) *Pool {
	p, err := Create(context.Background(), "tank", memoryBackends(n), spacemap.NewMemStore(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func compressible(size int) []byte {
	return bytes.Repeat([]byte("all work and no play "), size/21+1)[:size]
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Queue.AsyncWriteMinActive = 20
	assert.ErrorContains(t, cfg.Validate(), "queue")

	cfg = DefaultConfig()
	cfg.Metaslab.CondensePct = 50
	assert.ErrorContains(t, cfg.Validate(), "metaslab")

	cfg = DefaultConfig()
	cfg.MetaslabShift = 4
	assert.Error(t, cfg.Validate())

	assert.Equal(t, uint8(24), DefaultConfig().metaslabShift(64<<20))
	assert.Equal(t, uint8(33), DefaultConfig().metaslabShift(1<<40))
}

func TestCreate(t *testing.T) {
	p := createPool(t, 2)

	assert.Equal(t, "tank", p.Name())
	assert.NotZero(t, p.GUID())
	assert.Equal(t, PoolStateActive, p.State())
	assert.Equal(t, uint64(txg.TXGInitial), p.Uberblock().Txg)
	assert.Equal(t, uint64(txg.TXGInitial+1), p.Txg())

	s := p.Stats()
	require.Len(t, s.Vdevs, 2)
	require.Len(t, s.Groups, 2)
	for _, g := range s.Groups {
		assert.Len(t, g.Metaslabs, 4)
		assert.True(t, g.Allocatable)
	}
	assert.Equal(t, uint64(2*4<<24), s.Space)
	assert.Zero(t, s.Alloc)
	assert.Equal(t, 2, s.AllocatableGroups)
	assert.Equal(t, "ONLINE", s.Vdevs[1].State)

	for _, v := range p.Vdevs() {
		lc, l, err := v.ReadBestConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, l)
		assert.Equal(t, "tank", lc.Name)
		assert.Equal(t, p.GUID(), lc.PoolGUID)
		assert.Equal(t, v.ID(), lc.Tree.ID)
		assert.Equal(t, uint64(24), lc.Tree.MetaslabShift)
		assert.Len(t, lc.Tree.MetaslabArray, 4)
	}

	_, err := Create(context.Background(), "", memoryBackends(1), spacemap.NewMemStore(), DefaultConfig())
	assert.Error(t, err)
	_, err = Create(context.Background(), "tank", nil, spacemap.NewMemStore(), DefaultConfig())
	assert.ErrorIs(t, err, ErrMissingDevice)
	_, err = Create(context.Background(), "tank", []vdev.Backend{vdev.NewMemoryBackend(1 << 20)}, spacemap.NewMemStore(), DefaultConfig())
	assert.ErrorIs(t, err, vdev.ErrTooSmall)
}

func TestWriteRead(t *testing.T) {
	p := createPool(t, 2)
	ctx := context.Background()

	text := compressible(16 << 10)
	bp, err := p.WriteBlock(ctx, text, compress.LZ4, vdev.PriorityAsyncWrite)
	require.NoError(t, err)
	assert.Equal(t, compress.LZ4, bp.Compression)
	assert.Equal(t, uint64(16<<10), bp.LSize)
	assert.Less(t, bp.PSize, bp.LSize)
	assert.Equal(t, p.Txg(), bp.Birth)
	assert.Equal(t, uint8(ChecksumFletcher4), bp.Checksum)

	noise := make([]byte, 8192)
	_, _ = rand.Read(noise)
	bp2, err := p.WriteBlock(ctx, noise, compress.Zstd, vdev.PriorityAsyncWrite)
	require.NoError(t, err)
	assert.Equal(t, compress.Off, bp2.Compression)
	assert.Equal(t, uint64(8192), bp2.PSize)
	// The rotor moves on after every allocation.
	assert.NotEqual(t, bp.DVAs[0].Vdev, bp2.DVAs[0].Vdev)

	hole, err := p.WriteBlock(ctx, make([]byte, 4096), compress.LZ4, vdev.PriorityAsyncWrite)
	require.NoError(t, err)
	assert.True(t, hole.IsHole())

	for _, tc := range []struct {
		bp   block.BlockPointer
		want []byte
	}{
		{bp, text},
		{bp2, noise},
		{hole, make([]byte, 4096)},
	} {
		got, err := p.ReadBlock(ctx, &tc.bp)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
	assert.Equal(t, bp.PSize+bp2.PSize, p.Stats().DirtyBytes)

	require.NoError(t, p.Sync(ctx))
	s := p.Stats()
	assert.Equal(t, bp.PSize+bp2.PSize, s.Alloc)
	assert.Zero(t, s.DirtyBytes)
	assert.Equal(t, bp.Birth, s.SyncedTxg)

	// Still readable after the sync, from the cache or the device.
	got, err := p.ReadBlock(ctx, &bp)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestFreeBlock(t *testing.T) {
	p := createPool(t, 1)
	ctx := context.Background()

	bp, err := p.WriteBlock(ctx, compressible(8192), compress.Off, vdev.PriorityAsyncWrite)
	require.NoError(t, err)
	require.NoError(t, p.Sync(ctx))
	assert.Equal(t, uint64(8192), p.Stats().Alloc)

	require.NoError(t, p.FreeBlock(&bp))
	assert.Error(t, p.FreeBlock(&bp))
	require.NoError(t, p.Sync(ctx))
	s := p.Stats()
	assert.Equal(t, uint64(8192), s.Alloc)
	assert.Equal(t, uint64(8192), s.Deferred)

	for range txg.DeferSize {
		require.NoError(t, p.Sync(ctx))
	}
	s = p.Stats()
	assert.Zero(t, s.Alloc)
	assert.Zero(t, s.Deferred)

	hole := block.BlockPointer{LSize: 4096}
	assert.NoError(t, p.FreeBlock(&hole))
}

func TestFreeSameTxg(t *testing.T) {
	p := createPool(t, 1)
	ctx := context.Background()

	bp, err := p.WriteBlock(ctx, compressible(4096), compress.Off, vdev.PriorityAsyncWrite)
	require.NoError(t, err)
	require.NoError(t, p.FreeBlock(&bp))
	require.NoError(t, p.Sync(ctx))
	s := p.Stats()
	assert.Zero(t, s.Alloc)
	assert.Zero(t, s.Deferred)
}

// gatedBackend holds the first write issued after arm until release is closed.
type gatedBackend struct {
	*vdev.MemoryBackend
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		MemoryBackend: vdev.NewMemoryBackend(testDeviceSize),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (b *gatedBackend) WriteSectors(sector uint64, data []byte) error {
	if b.armed.CompareAndSwap(true, false) {
		close(b.entered)
		<-b.release
	}
	return b.MemoryBackend.WriteSectors(sector, data)
}

func TestWriteBlockCancelled(t *testing.T) {
	b := newGatedBackend()
	p, err := Create(context.Background(), "tank", []vdev.Backend{b}, spacemap.NewMemStore(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	b.armed.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := p.WriteBlock(ctx, bytes.Repeat([]byte{0xaa}, 512), compress.Off, vdev.PriorityAsyncWrite)
		errc <- err
	}()
	<-b.entered
	<-ctx.Done()

	// The write is still on the device, so its space must not be handed out yet.
	select {
	case err := <-errc:
		t.Fatalf("WriteBlock returned before its write finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(b.release)
	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)
	assert.Zero(t, p.Stats().DirtyBytes)

	want := bytes.Repeat([]byte{0xbb}, 512)
	bp, err := p.WriteBlock(context.Background(), want, compress.Off, vdev.PriorityAsyncWrite)
	require.NoError(t, err)
	got, err := p.ReadBlock(context.Background(), &bp)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, p.Sync(context.Background()))
	assert.Equal(t, uint64(512), p.Stats().Alloc)
}

func TestConcurrentWrites(t *testing.T) {
	p := createPool(t, 2)
	ctx := context.Background()

	const n = 32
	bps := make([]block.BlockPointer, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(i + 1)}, 4096)
			bps[i], errs[i] = p.WriteBlock(ctx, data, compress.Off, vdev.PriorityAsyncWrite)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, p.Sync(ctx))

	seen := make(map[block.DVA]bool)
	for i, bp := range bps {
		assert.False(t, seen[bp.DVAs[0]], "dva %v handed out twice", bp.DVAs[0])
		seen[bp.DVAs[0]] = true
		got, err := p.ReadBlock(ctx, &bp)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 4096), got)
	}
	assert.Equal(t, uint64(n*4096), p.Stats().Alloc)
}

func TestClose(t *testing.T) {
	p := createPool(t, 1)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, PoolStateExported, p.State())

	ctx := context.Background()
	_, err := p.WriteBlock(ctx, compressible(512), compress.Off, vdev.PriorityAsyncWrite)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Sync(ctx), ErrClosed)
}

func fileBackends(t *testing.T, paths []string, create bool) []vdev.Backend {
	var out []vdev.Backend
	for _, path := range paths {
		var f *vdev.FileBackend
		var err error
		if create {
			f, err = vdev.CreateFile(path, testDeviceSize)
		} else {
			f, err = vdev.OpenFile(path)
		}
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func createFilePool(t *testing.T, dir, name string) []string {
	paths := []string{filepath.Join(dir, name+"0"), filepath.Join(dir, name+"1")}
	store, err := spacemap.OpenBoltStore(filepath.Join(dir, name+".db"))
	require.NoError(t, err)
	p, err := Create(context.Background(), name, fileBackends(t, paths, true), store, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	return paths
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "disk0"), filepath.Join(dir, "disk1")}
	dbPath := filepath.Join(dir, "spacemaps.db")
	ctx := context.Background()

	store, err := spacemap.OpenBoltStore(dbPath)
	require.NoError(t, err)
	p, err := Create(ctx, "tank", fileBackends(t, paths, true), store, DefaultConfig())
	require.NoError(t, err)
	guid := p.GUID()

	data := compressible(32 << 10)
	bp, err := p.WriteBlock(ctx, data, compress.Gzip6, vdev.PriorityAsyncWrite)
	require.NoError(t, err)
	p.SetRoot(bp)
	require.NoError(t, p.Sync(ctx))
	synced := p.Uberblock().Txg
	require.NoError(t, p.Close())

	store, err = spacemap.OpenBoltStore(dbPath)
	require.NoError(t, err)
	// Device order does not matter, the labels tell.
	p, err = Open(ctx, fileBackends(t, []string{paths[1], paths[0]}, false), store, DefaultConfig())
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "tank", p.Name())
	assert.Equal(t, guid, p.GUID())
	assert.Equal(t, synced, p.Uberblock().Txg)
	assert.Equal(t, synced+1, p.Txg())
	assert.Equal(t, bp.PSize, p.Stats().Alloc)
	assert.Equal(t, paths[0], p.Vdevs()[0].Path())

	root := p.Root()
	assert.Equal(t, bp.DVAs, root.DVAs)
	assert.Equal(t, bp.Birth, root.Birth)
	got, err := p.ReadBlock(ctx, &root)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Space in use before the export is not handed out again.
	next, err := p.WriteBlock(ctx, compressible(32<<10), compress.Off, vdev.PriorityAsyncWrite)
	require.NoError(t, err)
	if next.DVAs[0].Vdev == bp.DVAs[0].Vdev {
		a, b := bp.DVAs[0], next.DVAs[0]
		assert.True(t, b.Offset >= a.Offset+a.ASize || b.Offset+b.ASize <= a.Offset, "%v overlaps %v", b, a)
	}
	require.NoError(t, p.Sync(ctx))
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, memoryBackends(1), spacemap.NewMemStore(), DefaultConfig())
	assert.ErrorIs(t, err, uberblock.ErrBootstrap)

	dir := t.TempDir()
	a := createFilePool(t, dir, "a")
	b := createFilePool(t, dir, "b")

	_, err = Open(ctx, fileBackends(t, a[:1], false), spacemap.NewMemStore(), DefaultConfig())
	assert.ErrorIs(t, err, ErrMissingDevice)

	_, err = Open(ctx, fileBackends(t, []string{a[0], b[1]}, false), spacemap.NewMemStore(), DefaultConfig())
	assert.ErrorIs(t, err, ErrPoolMismatch)

	// A device that changed its guid no longer adds up to the sum in the uberblock.
	f, err := vdev.OpenFile(a[1])
	require.NoError(t, err)
	v, err := vdev.Open(f, vdev.DefaultQueueConfig(), nil)
	require.NoError(t, err)
	lc, _, err := v.ReadBestConfig(ctx)
	require.NoError(t, err)
	lc.GUID++
	lc.Tree.GUID++
	require.NoError(t, v.WriteConfig(ctx, &lc, 0, 1, 2, 3))
	require.NoError(t, v.Close())

	_, err = Open(ctx, fileBackends(t, a, false), spacemap.NewMemStore(), DefaultConfig())
	assert.ErrorIs(t, err, ErrBadGUIDSum)

	// Failed opens release the devices.
	for _, path := range a {
		f, err := vdev.OpenFile(path)
		require.NoError(t, err, fmt.Sprint(path))
		require.NoError(t, f.Close())
	}
}

func TestPoolStateString(t *testing.T) {
	assert.Equal(t, "ACTIVE", PoolStateActive.String())
	assert.Equal(t, "POTENTIALLY_ACTIVE", PoolStatePotentiallyActive.String())
	assert.Equal(t, "UNKNOWN", PoolState(42).String())
	assert.Contains(t, PoolStates, PoolStateExported.String())
}

func BenchmarkWriteBlock(b *testing.B) {
	p, err := Create(context.Background(), "bench", memoryBackends(2), spacemap.NewMemStore(), DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()
	ctx := context.Background()
	data := compressible(128 << 10)
	i := 0
	for b.Loop() {
		bp, err := p.WriteBlock(ctx, data, compress.LZ4, vdev.PriorityAsyncWrite)
		if err != nil {
			b.Fatal(err)
		}
		if err := p.FreeBlock(&bp); err != nil {
			b.Fatal(err)
		}
		if i++; i%64 == 0 {
			if err := p.Sync(ctx); err != nil {
				b.Fatal(err)
			}
		}
	}
}
