package metaslab

import (
	"fmt"
	"math/bits"

	"github.com/ReneHollander/zspa/zfs/rangetree"
)

// allocator picks a segment of a loaded metaslab. It is called with the metaslab lock held and only picks,
// the caller removes the segment from the free tree.
type allocator interface {
	alloc(ms *Metaslab, size uint64) (uint64, bool)
}

func newAllocator(cfg *Config) (allocator, error) {
	switch cfg.Allocator {
	case AllocatorFirstFit:
		return firstFit{}, nil
	case AllocatorDynamic:
		return dynamicFit{threshold: cfg.DFAllocThreshold, freePct: cfg.DFFreePct}, nil
	default:
		return nil, fmt.Errorf("unknown allocator %q", cfg.Allocator)
	}
}

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// cursor returns the cursor for allocations aligned like size. Allocations of the same alignment are
// packed together, starting from where the last one ended.
func cursor(ms *Metaslab, size uint64) (*uint64, uint64) {
	align := size & -size
	return &ms.cursors[bits.Len64(align)-1], align
}

// blockPicker returns the first segment at or after *cursor that fits size once its start is aligned. The
// search wraps around to the start of the tree once.
func blockPicker(tree *rangetree.Tree, cursor *uint64, size, align uint64) (uint64, bool) {
	for {
		var (
			offset uint64
			found  bool
		)
		tree.AscendFrom(*cursor, func(s rangetree.Segment) bool {
			off := roundUp(s.Start, align)
			if off+size <= s.End {
				offset, found = off, true
				return false
			}
			return true
		})
		if found {
			*cursor = offset + size
			return offset, true
		}
		// The whole tree was searched.
		if *cursor == 0 {
			return 0, false
		}
		*cursor = 0
	}
}

// firstFit hands out the first aligned segment after the cursor of the request's alignment.
type firstFit struct{}

func (firstFit) alloc(ms *Metaslab, size uint64) (uint64, bool) {
	c, align := cursor(ms, size)
	return blockPicker(ms.tree, c, size, align)
}

// dynamicFit behaves like first fit while the metaslab has plenty of contiguous free space and switches to
// best fit by segment size once it does not.
type dynamicFit struct {
	threshold uint64
	freePct   uint64
}

func (d dynamicFit) alloc(ms *Metaslab, size uint64) (uint64, bool) {
	c, _ := cursor(ms, size)
	largest, ok := ms.tree.Largest()
	if !ok || largest.Size() < size {
		return 0, false
	}
	freePct := ms.tree.Space() * 100 / ms.size
	if largest.Size() >= d.threshold && freePct >= d.freePct {
		return blockPicker(ms.tree, c, size, 1)
	}

	*c = 0
	var (
		offset uint64
		found  bool
	)
	ms.tree.AscendBySize(size, func(s rangetree.Segment) bool {
		offset, found = s.Start, true
		return false
	})
	return offset, found
}
