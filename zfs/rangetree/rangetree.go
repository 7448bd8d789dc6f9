// Package rangetree keeps sets of disjoint [start, end) extents in ordered trees. A tree can optionally
// maintain a second index ordered by extent size, which allocators use for best-fit searches.
package rangetree

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/google/btree"
)

var (
	ErrOverlap  = errors.New("segment overlaps an existing segment")
	ErrNotFound = errors.New("segment is not contained in the tree")
)

const (
	btreeDegree = 16

	// HistogramSize covers every power of two bucket of a uint64 size.
	HistogramSize = 64
)

// Segment is a half-open extent [Start, End).
type Segment struct {
	Start uint64
	End   uint64
}

func (s Segment) Size() uint64 {
	return s.End - s.Start
}

func (s Segment) String() string {
	return fmt.Sprintf("[%#x, %#x)", s.Start, s.End)
}

func byStart(a, b Segment) bool {
	return a.Start < b.Start
}

func bySize(a, b Segment) bool {
	if a.Size() != b.Size() {
		return a.Size() < b.Size()
	}
	return a.Start < b.Start
}

type Tree struct {
	byOffset *btree.BTreeG[Segment]
	bySize   *btree.BTreeG[Segment]

	space     uint64
	histogram [HistogramSize]uint64
}

// New returns a tree ordered by offset only.
func New() *Tree {
	return &Tree{
		byOffset: btree.NewG(btreeDegree, byStart),
	}
}

// NewSized returns a tree that additionally keeps a size ordered index of the same segments.
func NewSized() *Tree {
	t := New()
	t.bySize = btree.NewG(btreeDegree, bySize)
	return t
}

func bucket(size uint64) int {
	return bits.Len64(size) - 1
}

func (t *Tree) insert(s Segment) {
	t.byOffset.ReplaceOrInsert(s)
	if t.bySize != nil {
		t.bySize.ReplaceOrInsert(s)
	}
	t.histogram[bucket(s.Size())]++
}

func (t *Tree) delete(s Segment) {
	t.byOffset.Delete(s)
	if t.bySize != nil {
		t.bySize.Delete(s)
	}
	t.histogram[bucket(s.Size())]--
}

// floor returns the segment with the greatest start that is <= offset.
func (t *Tree) floor(offset uint64) (s Segment, ok bool) {
	t.byOffset.DescendLessOrEqual(Segment{Start: offset}, func(item Segment) bool {
		s, ok = item, true
		return false
	})
	return
}

// ceil returns the segment with the smallest start that is >= offset.
func (t *Tree) ceil(offset uint64) (s Segment, ok bool) {
	t.byOffset.AscendGreaterOrEqual(Segment{Start: offset}, func(item Segment) bool {
		s, ok = item, true
		return false
	})
	return
}

// Add inserts [start, start+size), merging it with adjacent segments.
func (t *Tree) Add(start, size uint64) error {
	if size == 0 {
		return nil
	}
	end := start + size
	if end < start {
		return fmt.Errorf("segment [%#x, +%#x) wraps around: %w", start, size, ErrOverlap)
	}

	before, hasBefore := t.floor(start)
	if hasBefore && before.End > start {
		return fmt.Errorf("adding %v over %v: %w", Segment{start, end}, before, ErrOverlap)
	}
	after, hasAfter := t.ceil(start)
	if hasAfter && after.Start < end {
		return fmt.Errorf("adding %v over %v: %w", Segment{start, end}, after, ErrOverlap)
	}

	merged := Segment{Start: start, End: end}
	if hasBefore && before.End == start {
		t.delete(before)
		merged.Start = before.Start
	}
	if hasAfter && after.Start == end {
		t.delete(after)
		merged.End = after.End
	}
	t.insert(merged)
	t.space += size
	return nil
}

// Remove takes [start, start+size) out of the tree. The range must lie entirely inside one segment.
func (t *Tree) Remove(start, size uint64) error {
	if size == 0 {
		return nil
	}
	end := start + size
	s, ok := t.floor(start)
	if !ok || s.End < end || end < start {
		return fmt.Errorf("removing %v: %w", Segment{start, end}, ErrNotFound)
	}

	t.delete(s)
	if s.Start < start {
		t.insert(Segment{Start: s.Start, End: start})
	}
	if end < s.End {
		t.insert(Segment{Start: end, End: s.End})
	}
	t.space -= size
	return nil
}

// Contains reports whether [start, start+size) lies entirely inside one segment.
func (t *Tree) Contains(start, size uint64) bool {
	s, ok := t.floor(start)
	return ok && s.End >= start+size
}

// Overlaps reports whether any byte of [start, start+size) is in the tree.
func (t *Tree) Overlaps(start, size uint64) bool {
	if size == 0 {
		return false
	}
	if s, ok := t.floor(start); ok && s.End > start {
		return true
	}
	if s, ok := t.ceil(start); ok && s.Start < start+size {
		return true
	}
	return false
}

func (t *Tree) Space() uint64 {
	return t.space
}

func (t *Tree) Len() int {
	return t.byOffset.Len()
}

func (t *Tree) Empty() bool {
	return t.byOffset.Len() == 0
}

// Walk visits all segments in offset order until fn returns false.
func (t *Tree) Walk(fn func(Segment) bool) {
	t.byOffset.Ascend(btree.ItemIteratorG[Segment](fn))
}

// Segments returns a copy of all segments in offset order.
func (t *Tree) Segments() []Segment {
	segs := make([]Segment, 0, t.Len())
	t.Walk(func(s Segment) bool {
		segs = append(segs, s)
		return true
	})
	return segs
}

// AscendFrom visits, in offset order, every segment that ends after offset, starting with the
// segment containing offset if there is one.
func (t *Tree) AscendFrom(offset uint64, fn func(Segment) bool) {
	pivot := Segment{Start: offset}
	if s, ok := t.floor(offset); ok && s.End > offset {
		pivot = s
	}
	t.byOffset.AscendGreaterOrEqual(pivot, btree.ItemIteratorG[Segment](fn))
}

// Largest returns the biggest segment. It needs a sized tree for anything better than a linear scan.
func (t *Tree) Largest() (Segment, bool) {
	if t.bySize != nil {
		return t.bySize.Max()
	}
	var (
		best  Segment
		found bool
	)
	t.Walk(func(s Segment) bool {
		if !found || s.Size() > best.Size() {
			best, found = s, true
		}
		return true
	})
	return best, found
}

// AscendBySize visits segments with a size of at least minSize from smallest to largest. The tree
// must have been created with NewSized.
func (t *Tree) AscendBySize(minSize uint64, fn func(Segment) bool) {
	if t.bySize == nil {
		panic("rangetree: size index not enabled")
	}
	// The smallest possible key of that size: start 0, end minSize.
	t.bySize.AscendGreaterOrEqual(Segment{Start: 0, End: minSize}, btree.ItemIteratorG[Segment](fn))
}

// Vacate removes every segment, handing each to fn (which may be nil).
func (t *Tree) Vacate(fn func(Segment)) {
	segs := t.Segments()
	t.Clear()
	if fn == nil {
		return
	}
	for _, s := range segs {
		fn(s)
	}
}

func (t *Tree) Clear() {
	t.byOffset.Clear(false)
	if t.bySize != nil {
		t.bySize.Clear(false)
	}
	t.space = 0
	t.histogram = [HistogramSize]uint64{}
}

// Clone returns an independent copy with the same indices.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		byOffset:  t.byOffset.Clone(),
		space:     t.space,
		histogram: t.histogram,
	}
	if t.bySize != nil {
		c.bySize = t.bySize.Clone()
	}
	return c
}

// Histogram returns segment counts bucketed by the highest set bit of the segment size.
func (t *Tree) Histogram() [HistogramSize]uint64 {
	return t.histogram
}

// Equal reports whether both trees hold exactly the same segments.
func (t *Tree) Equal(o *Tree) bool {
	if t.Len() != o.Len() || t.space != o.space {
		return false
	}
	a, b := t.Segments(), o.Segments()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
