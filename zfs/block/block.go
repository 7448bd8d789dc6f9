// Package block implements block pointers and the path from a block pointer to the bytes it describes.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ReneHollander/zspa/zfs/compress"
)

var ErrDecode = errors.New("error decoding block")

const (
	// Size is the encoded size of a block pointer.
	Size = 128
	// DVAsPerBP is the number of copies a block pointer can describe.
	DVAsPerBP = 3

	SectorShift = 9
	SectorSize  = 1 << SectorShift

	MinBlockSize = SectorSize
	MaxBlockSize = 16 << 20

	asizeBits = 24
	lsizeBits = 16
)

type Type uint8

const (
	TypeNone Type = iota
	TypeObjectDirectory
	TypeObjectArray
	TypePackedNvlist
	TypePackedNvlistSize
	TypeBpObject
	TypeBpObjectHeader
	TypeSpaceMapHeader
	TypeSpaceMap
	TypeIntentLog
	TypeDnode
	TypeObjset
	TypeDSLDir
	TypePlainFileContents Type = 19
)

// DVA locates one copy of a block on a top-level vdev.
type DVA struct {
	Vdev   uint64
	Offset uint64
	ASize  uint64
	Gang   bool
}

func (d DVA) String() string {
	return fmt.Sprintf("%d:%#x:%#x", d.Vdev, d.Offset, d.ASize)
}

// Valid reports whether the DVA points at allocated space.
func (d DVA) Valid() bool {
	return d.ASize != 0
}

// BlockPointer describes a block by its copies and how to turn them into the logical contents.
type BlockPointer struct {
	DVAs        [DVAsPerBP]DVA
	LSize       uint64
	PSize       uint64
	Compression compress.Algorithm
	Checksum    uint8
	Type        Type
	Level       uint8
	Dedup       bool
	BigEndian   bool
	PhysBirth   uint64
	Birth       uint64
	Fill        uint64
	Cksum       [4]uint64
}

// IsHole reports whether bp describes a block of zeros that was never allocated.
func (bp *BlockPointer) IsHole() bool {
	return !bp.DVAs[0].Valid()
}

// NDVAs returns the number of valid copies.
func (bp *BlockPointer) NDVAs() int {
	n := 0
	for _, d := range bp.DVAs {
		if d.Valid() {
			n++
		}
	}
	return n
}

func (bp *BlockPointer) String() string {
	if bp.IsHole() {
		return fmt.Sprintf("HOLE [L%d %d] size=%#xL birth=%d", bp.Level, bp.Type, bp.LSize, bp.Birth)
	}
	s := ""
	for _, d := range bp.DVAs {
		if d.Valid() {
			s += fmt.Sprintf("DVA=<%v> ", d)
		}
	}
	return fmt.Sprintf("%s[L%d %d] %v size=%#xL/%#xP birth=%d fill=%d", s, bp.Level, bp.Type, bp.Compression, bp.LSize, bp.PSize, bp.Birth, bp.Fill)
}

// Layout of an encoded block pointer:
//
//	0x00  dva[0..2]    two words each
//	                   word 0: vdev (63..32), grid (31..24), asize in sectors (23..0)
//	                   word 1: gang (63), offset in sectors (62..0)
//	0x30  prop         byteorder (63), dedup (62), level (60..56), type (55..48), checksum (47..40),
//	                   compression (38..32), psize sectors-1 (31..16), lsize sectors-1 (15..0)
//	0x38  pad[2]
//	0x48  phys_birth
//	0x50  birth
//	0x58  fill
//	0x60  cksum[4]
const (
	offDVA       = 0x00
	offProp      = 0x30
	offPhysBirth = 0x48
	offBirth     = 0x50
	offFill      = 0x58
	offCksum     = 0x60
)

// Decode parses an encoded block pointer.
func Decode(b []byte, order binary.ByteOrder) (BlockPointer, error) {
	var bp BlockPointer
	if len(b) < Size {
		return bp, fmt.Errorf("block pointer needs %d bytes, got %d: %w", Size, len(b), ErrDecode)
	}
	for i := range bp.DVAs {
		w0 := order.Uint64(b[offDVA+16*i:])
		w1 := order.Uint64(b[offDVA+16*i+8:])
		bp.DVAs[i] = DVA{
			Vdev:   w0 >> 32,
			ASize:  (w0 & (1<<asizeBits - 1)) << SectorShift,
			Gang:   w1>>63 != 0,
			Offset: (w1 &^ (1 << 63)) << SectorShift,
		}
	}
	prop := order.Uint64(b[offProp:])
	bp.LSize = (prop&(1<<lsizeBits-1) + 1) << SectorShift
	bp.PSize = (prop>>16&(1<<lsizeBits-1) + 1) << SectorShift
	if bp.IsHole() {
		bp.PSize = 0
	}
	bp.Compression = compress.Algorithm(prop >> 32 & 0x7f)
	bp.Checksum = uint8(prop >> 40)
	bp.Type = Type(prop >> 48)
	bp.Level = uint8(prop >> 56 & 0x1f)
	bp.Dedup = prop>>62&1 != 0
	bp.BigEndian = prop>>63 == 0
	bp.PhysBirth = order.Uint64(b[offPhysBirth:])
	bp.Birth = order.Uint64(b[offBirth:])
	bp.Fill = order.Uint64(b[offFill:])
	for i := range bp.Cksum {
		bp.Cksum[i] = order.Uint64(b[offCksum+8*i:])
	}
	return bp, nil
}

// Encode writes bp into b, which must hold Size bytes.
func (bp *BlockPointer) Encode(b []byte, order binary.ByteOrder) error {
	if len(b) < Size {
		return fmt.Errorf("block pointer needs %d bytes, got %d", Size, len(b))
	}
	for i, d := range bp.DVAs {
		if d.ASize%SectorSize != 0 || d.Offset%SectorSize != 0 || d.ASize>>SectorShift >= 1<<asizeBits || d.Vdev >= 1<<32 {
			return fmt.Errorf("dva %d %v cannot be encoded", i, d)
		}
		w0 := d.Vdev<<32 | d.ASize>>SectorShift
		w1 := d.Offset >> SectorShift
		if d.Gang {
			w1 |= 1 << 63
		}
		order.PutUint64(b[offDVA+16*i:], w0)
		order.PutUint64(b[offDVA+16*i+8:], w1)
	}
	psize := bp.PSize
	if bp.IsHole() {
		// Holes store nothing, the field is left at its smallest value.
		psize = SectorSize
	}
	for _, s := range []uint64{bp.LSize, psize} {
		if s == 0 || s%SectorSize != 0 || s>>SectorShift > 1<<lsizeBits {
			return fmt.Errorf("block size %#x cannot be encoded", s)
		}
	}
	prop := (bp.LSize>>SectorShift - 1) |
		(psize>>SectorShift-1)<<16 |
		uint64(bp.Compression&0x7f)<<32 |
		uint64(bp.Checksum)<<40 |
		uint64(bp.Type)<<48 |
		uint64(bp.Level&0x1f)<<56
	if bp.Dedup {
		prop |= 1 << 62
	}
	if !bp.BigEndian {
		prop |= 1 << 63
	}
	order.PutUint64(b[offProp:], prop)
	order.PutUint64(b[offProp+8:], 0)
	order.PutUint64(b[offProp+16:], 0)
	order.PutUint64(b[offPhysBirth:], bp.PhysBirth)
	order.PutUint64(b[offBirth:], bp.Birth)
	order.PutUint64(b[offFill:], bp.Fill)
	for i, c := range bp.Cksum {
		order.PutUint64(b[offCksum+8*i:], c)
	}
	return nil
}
