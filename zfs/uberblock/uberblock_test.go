package uberblock

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ReneHollander/zspa/zfs/block"
	"github.com/ReneHollander/zspa/zfs/compress"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

const ringBase = 0x20000

func putSlot(t *testing.T, ring []byte, slot int, ub *Uberblock, order binary.ByteOrder) {
	t.Helper()
	off := slot * vdev.UberblockSize
	b, err := ub.Encode(uint64(ringBase+off), order)
	require.NoError(t, err)
	copy(ring[off:], b)
}

func TestRoundTrip(t *testing.T) {
	ub := Uberblock{
		Version:   MaxVersion,
		Txg:       42,
		GUIDSum:   0xdeadbeef,
		Timestamp: 1700000000,
		RootBP: block.BlockPointer{
			DVAs:        [block.DVAsPerBP]block.DVA{{Vdev: 1, Offset: 0x40000, ASize: 0x1000}},
			LSize:       0x4000,
			PSize:       0x1000,
			Compression: compress.LZ4,
			Type:        block.TypeObjset,
			Birth:       42,
			PhysBirth:   42,
			Fill:        7,
		},
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			b, err := ub.Encode(0x21000, order)
			require.NoError(t, err)
			require.Len(t, b, vdev.UberblockSize)

			got, err := Decode(b, 0x21000)
			require.NoError(t, err)
			assert.Equal(t, ub.Txg, got.Txg)
			assert.Equal(t, ub.GUIDSum, got.GUIDSum)
			assert.Equal(t, ub.Timestamp, got.Timestamp)
			assert.Equal(t, ub.RootBP.DVAs, got.RootBP.DVAs)
			assert.Equal(t, ub.RootBP.LSize, got.RootBP.LSize)
			assert.Equal(t, compress.LZ4, got.RootBP.Compression)

			// Found at another offset the slot does not verify.
			_, err = Decode(b, 0x22000)
			assert.Error(t, err)
		})
	}

	empty := Uberblock{Version: 1, Txg: 4}
	b, err := empty.Encode(0, binary.LittleEndian)
	require.NoError(t, err)
	got, err := Decode(b, 0)
	require.NoError(t, err)
	assert.Equal(t, empty, got)
}

func TestSelectRing(t *testing.T) {
	ring := make([]byte, vdev.UberblockRingSize)
	_, _, ok := SelectRing(ring, ringBase)
	assert.False(t, ok)

	putSlot(t, ring, 5, &Uberblock{Version: 1, Txg: 10}, binary.LittleEndian)
	putSlot(t, ring, 120, &Uberblock{Version: 1, Txg: 40}, binary.LittleEndian)
	ub, slot, ok := SelectRing(ring, ringBase)
	require.True(t, ok)
	assert.Equal(t, 120, slot)
	assert.Equal(t, uint64(40), ub.Txg)

	// Newer but damaged.
	putSlot(t, ring, 50, &Uberblock{Version: 1, Txg: 90}, binary.LittleEndian)
	ring[50*vdev.UberblockSize+offGUIDSum] ^= 1
	// Newer but from a future version.
	putSlot(t, ring, 51, &Uberblock{Version: MaxVersion + 1, Txg: 91}, binary.LittleEndian)
	_, slot, _ = SelectRing(ring, ringBase)
	assert.Equal(t, 120, slot)

	// Same txg, later timestamp, other byte order.
	putSlot(t, ring, 7, &Uberblock{Version: 1, Txg: 40, Timestamp: 5}, binary.BigEndian)
	ub, slot, _ = SelectRing(ring, ringBase)
	assert.Equal(t, 7, slot)
	assert.Equal(t, uint64(5), ub.Timestamp)
}

func TestCompare(t *testing.T) {
	a := Uberblock{Txg: 2, Timestamp: 10}
	b := Uberblock{Txg: 3, Timestamp: 1}
	c := Uberblock{Txg: 3, Timestamp: 2}
	assert.Negative(t, Compare(&a, &b))
	assert.Negative(t, Compare(&b, &c))
	assert.Positive(t, Compare(&c, &a))
	assert.Zero(t, Compare(&c, &c))
}

func openDevice(t *testing.T) *vdev.Vdev {
	v, err := vdev.Open(vdev.NewMemoryBackend(vdev.MinDeviceSize), vdev.DefaultQueueConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	devs := []Device{openDevice(t), openDevice(t)}

	_, _, err := Select(ctx, devs)
	assert.ErrorIs(t, err, ErrBootstrap)

	for txg := uint64(4); txg < 8; txg++ {
		require.NoError(t, WriteRing(ctx, devs[0], &Uberblock{Version: 1, Txg: txg}))
	}
	require.NoError(t, WriteRing(ctx, devs[1], &Uberblock{Version: 1, Txg: 130}))

	ub, loc, err := Select(ctx, devs)
	require.NoError(t, err)
	assert.Equal(t, uint64(130), ub.Txg)
	assert.Equal(t, Location{Device: 1, Label: 0, Slot: 2}, loc)

	// Losing the front labels of a device still leaves the back ones.
	ring := make([]byte, vdev.UberblockSize)
	for l := range 2 {
		require.NoError(t, devs[1].WriteRingSlot(ctx, l, 2, ring))
	}
	ub, loc, err = Select(ctx, devs)
	require.NoError(t, err)
	assert.Equal(t, uint64(130), ub.Txg)
	assert.Equal(t, 2, loc.Label)

	ub, loc, err = Select(ctx, devs[:1])
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ub.Txg)
	assert.Equal(t, Slot(7), loc.Slot)
}
