// Package uberblock encodes uberblocks and finds the active one in the label rings of a pool's devices.
package uberblock

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ReneHollander/zspa/zfs/block"
	"github.com/ReneHollander/zspa/zfs/checksum"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

// ErrBootstrap is returned when no device carries a valid uberblock.
var ErrBootstrap = errors.New("no valid uberblock found")

var errInvalid = errors.New("invalid uberblock")

const (
	Magic = 0x00bab10c
	// MaxVersion is the newest on-disk version this package understands.
	MaxVersion = 5000
)

// Layout of an uberblock slot. The rest of the slot is zero up to the embedded checksum trailer.
//
//	0x00  magic
//	0x08  version
//	0x10  txg
//	0x18  guid_sum    sum of the guids of all vdevs
//	0x20  timestamp   seconds since the epoch
//	0x28  rootbp      128 byte block pointer
const (
	offMagic     = 0x00
	offVersion   = 0x08
	offTxg       = 0x10
	offGUIDSum   = 0x18
	offTimestamp = 0x20
	offRootBP    = 0x28
)

type Uberblock struct {
	Version   uint64
	Txg       uint64
	GUIDSum   uint64
	Timestamp uint64
	RootBP    block.BlockPointer
}

func (ub *Uberblock) String() string {
	return fmt.Sprintf("txg=%d version=%d guid_sum=%#x timestamp=%d", ub.Txg, ub.Version, ub.GUIDSum, ub.Timestamp)
}

// Compare orders uberblocks by txg, then by timestamp.
func Compare(a, b *Uberblock) int {
	if c := cmp.Compare(a.Txg, b.Txg); c != 0 {
		return c
	}
	return cmp.Compare(a.Timestamp, b.Timestamp)
}

// Encode returns the slot contents of ub for storage at the physical offset.
func (ub *Uberblock) Encode(offset uint64, order binary.ByteOrder) ([]byte, error) {
	b := make([]byte, vdev.UberblockSize)
	order.PutUint64(b[offMagic:], Magic)
	order.PutUint64(b[offVersion:], ub.Version)
	order.PutUint64(b[offTxg:], ub.Txg)
	order.PutUint64(b[offGUIDSum:], ub.GUIDSum)
	order.PutUint64(b[offTimestamp:], ub.Timestamp)
	// A pool without a root block yet leaves the field zero.
	if ub.RootBP != (block.BlockPointer{}) {
		if err := ub.RootBP.Encode(b[offRootBP:], order); err != nil {
			return nil, fmt.Errorf("error encoding root block pointer: %w", err)
		}
	}
	if err := checksum.Embed(b, offset, order); err != nil {
		return nil, err
	}
	return b, nil
}

// Decode parses and validates the slot read from the physical offset. A byte swapped magic means the
// uberblock was written on a machine of the other endianness.
func Decode(slot []byte, offset uint64) (Uberblock, error) {
	var ub Uberblock
	if len(slot) < vdev.UberblockSize {
		return ub, fmt.Errorf("slot of %d bytes: %w", len(slot), errInvalid)
	}
	slot = slot[:vdev.UberblockSize]

	var order binary.ByteOrder
	switch magic := binary.LittleEndian.Uint64(slot[offMagic:]); magic {
	case Magic:
		order = binary.LittleEndian
	case bits.ReverseBytes64(Magic):
		order = binary.BigEndian
	default:
		return ub, fmt.Errorf("bad magic %#x: %w", magic, errInvalid)
	}
	if _, err := checksum.Verify(slot, offset); err != nil {
		return ub, err
	}

	ub.Version = order.Uint64(slot[offVersion:])
	if ub.Version == 0 || ub.Version > MaxVersion {
		return ub, fmt.Errorf("unsupported version %d: %w", ub.Version, errInvalid)
	}
	ub.Txg = order.Uint64(slot[offTxg:])
	ub.GUIDSum = order.Uint64(slot[offGUIDSum:])
	ub.Timestamp = order.Uint64(slot[offTimestamp:])
	if [block.Size]byte(slot[offRootBP:offRootBP+block.Size]) == ([block.Size]byte{}) {
		return ub, nil
	}
	bp, err := block.Decode(slot[offRootBP:], order)
	if err != nil {
		return ub, err
	}
	ub.RootBP = bp
	return ub, nil
}

// SelectRing returns the best valid uberblock of a ring read from the physical offset base and its slot.
func SelectRing(ring []byte, base uint64) (Uberblock, int, bool) {
	var best Uberblock
	found := -1
	for slot := 0; slot < vdev.UberblockCount && (slot+1)*vdev.UberblockSize <= len(ring); slot++ {
		off := slot * vdev.UberblockSize
		ub, err := Decode(ring[off:off+vdev.UberblockSize], base+uint64(off))
		if err != nil {
			continue
		}
		if found < 0 || Compare(&ub, &best) > 0 {
			best, found = ub, slot
		}
	}
	return best, found, found >= 0
}

// Device is where uberblock rings live, implemented by *vdev.Vdev.
type Device interface {
	RingOffset(l int) uint64
	ReadRing(ctx context.Context, l int) ([]byte, error)
	WriteRingSlot(ctx context.Context, l, slot int, data []byte) error
}

var _ Device = (*vdev.Vdev)(nil)

// Location tells where an uberblock was found.
type Location struct {
	Device int
	Label  int
	Slot   int
}

// Select scans every label of every device and returns the best uberblock. Unreadable labels are skipped.
func Select(ctx context.Context, devs []Device) (Uberblock, Location, error) {
	var best Uberblock
	loc := Location{Device: -1}
	for d, dev := range devs {
		for l := range vdev.Labels {
			ring, err := dev.ReadRing(ctx, l)
			if err != nil {
				if ctx.Err() != nil {
					return best, loc, ctx.Err()
				}
				continue
			}
			ub, slot, ok := SelectRing(ring, dev.RingOffset(l))
			if !ok {
				continue
			}
			if loc.Device < 0 || Compare(&ub, &best) > 0 {
				best, loc = ub, Location{Device: d, Label: l, Slot: slot}
			}
		}
	}
	if loc.Device < 0 {
		return best, loc, ErrBootstrap
	}
	return best, loc, nil
}

// Slot is the ring slot of the uberblock written in txg.
func Slot(txg uint64) int {
	return int(txg % vdev.UberblockCount)
}

// WriteRing writes ub into its slot of every label of dev.
func WriteRing(ctx context.Context, dev Device, ub *Uberblock) error {
	slot := Slot(ub.Txg)
	for l := range vdev.Labels {
		b, err := ub.Encode(dev.RingOffset(l)+uint64(slot)*vdev.UberblockSize, binary.NativeEndian)
		if err != nil {
			return err
		}
		if err := dev.WriteRingSlot(ctx, l, slot, b); err != nil {
			return fmt.Errorf("error writing uberblock to label %d: %w", l, err)
		}
	}
	return nil
}
