// Package spacemap implements the persistent allocation log of a metaslab. Every sync appends a debug
// header followed by packed alloc/free entries; loading replays the log on top of a fully free region.
package spacemap

import (
	"errors"
	"fmt"

	"github.com/ReneHollander/zspa/zfs/rangetree"
)

var (
	ErrCorruption   = errors.New("space map corruption")
	ErrNoObject     = errors.New("space map object does not exist")
	ErrInvalidEntry = errors.New("invalid space map entry")
)

// SpaceMap is the log of one region [start, start+size). It is not safe for concurrent use, the owning
// metaslab serializes access.
type SpaceMap struct {
	store  Store
	object uint64

	start uint64
	size  uint64
	shift uint8

	length    uint64
	alloc     int64
	condensed bool
}

// Create allocates a new, empty log for the region.
func Create(store Store, start, size uint64, shift uint8) (*SpaceMap, error) {
	object, err := store.Create()
	if err != nil {
		return nil, err
	}
	return &SpaceMap{store: store, object: object, start: start, size: size, shift: shift}, nil
}

// Open attaches to an existing log and recomputes its synced accounting.
func Open(store Store, object, start, size uint64, shift uint8) (*SpaceMap, error) {
	sm := &SpaceMap{store: store, object: object, start: start, size: size, shift: shift}
	words, err := store.Read(object)
	if err != nil {
		return nil, err
	}
	sm.length = uint64(len(words))
	for _, w := range words {
		e := decodeWord(w, start, shift)
		if e.Debug {
			continue
		}
		if e.Type == Alloc {
			sm.alloc += int64(e.Run)
		} else {
			sm.alloc -= int64(e.Run)
		}
	}
	return sm, nil
}

func (sm *SpaceMap) Object() uint64 {
	return sm.object
}

func (sm *SpaceMap) Start() uint64 {
	return sm.start
}

func (sm *SpaceMap) Size() uint64 {
	return sm.size
}

// Allocated returns the net allocated bytes recorded in the log.
func (sm *SpaceMap) Allocated() int64 {
	return sm.alloc
}

// Length returns the number of words in the log.
func (sm *SpaceMap) Length() uint64 {
	return sm.length
}

// Entries decodes the whole log in recorded order.
func (sm *SpaceMap) Entries() ([]Entry, error) {
	words, err := sm.store.Read(sm.object)
	if err != nil {
		return nil, fmt.Errorf("error reading space map %d: %w", sm.object, err)
	}
	entries := make([]Entry, len(words))
	for i, w := range words {
		entries[i] = decodeWord(w, sm.start, sm.shift)
	}
	return entries, nil
}

// Load replays the log into free, which must be empty. The region starts out as one free segment; free
// entries add space back and alloc entries take it away.
func (sm *SpaceMap) Load(free *rangetree.Tree) error {
	if !free.Empty() {
		return fmt.Errorf("loading space map %d into a non-empty tree", sm.object)
	}
	entries, err := sm.Entries()
	if err != nil {
		return err
	}
	if err := free.Add(sm.start, sm.size); err != nil {
		return err
	}
	end := sm.start + sm.size
	for i, e := range entries {
		if e.Debug {
			continue
		}
		if e.Offset < sm.start || e.Offset+e.Run > end {
			free.Clear()
			return fmt.Errorf("entry %d %v outside of [%#x, %#x): %w", i, e, sm.start, end, ErrCorruption)
		}
		switch e.Type {
		case Free:
			err = free.Add(e.Offset, e.Run)
		case Alloc:
			err = free.Remove(e.Offset, e.Run)
		}
		if err != nil {
			free.Clear()
			return fmt.Errorf("replaying entry %d %v of space map %d: %w: %w", i, e, sm.object, ErrCorruption, err)
		}
	}
	return nil
}

// Write appends a debug header and one entry per segment of tree. Empty trees append nothing.
func (sm *SpaceMap) Write(tree *rangetree.Tree, t MapType, txg uint64) error {
	if tree.Empty() {
		return nil
	}
	action := ActionAlloc
	if t == Free {
		action = ActionFree
	}
	words := []uint64{encodeDebug(action, 1, txg)}
	var (
		err   error
		delta int64
	)
	tree.Walk(func(s rangetree.Segment) bool {
		words, err = encodeRun(words, t, s.Start, s.Size(), sm.start, sm.shift)
		delta += int64(s.Size())
		return err == nil
	})
	if err != nil {
		return err
	}
	if err := sm.store.Append(sm.object, words); err != nil {
		return fmt.Errorf("error appending to space map %d: %w", sm.object, err)
	}
	sm.length += uint64(len(words))
	if t == Alloc {
		sm.alloc += delta
	} else {
		sm.alloc -= delta
	}
	sm.condensed = false
	return nil
}

// MinimalEntries is the number of entries a condensed log describing free needs: one alloc entry per gap
// between free segments, split at MaxRun.
func (sm *SpaceMap) MinimalEntries(free *rangetree.Tree) uint64 {
	var n uint64
	sm.walkAllocated(free, func(start, size uint64) {
		n += entriesFor(size, sm.shift)
	})
	return n
}

// ShouldCondense reports whether the log has grown beyond pct percent of its minimal form and holds at
// least minEntries words.
func (sm *SpaceMap) ShouldCondense(free *rangetree.Tree, pct int, minEntries uint64) bool {
	if sm.condensed || sm.length < minEntries {
		return false
	}
	optimal := sm.MinimalEntries(free)
	return sm.length*100 > optimal*uint64(pct)
}

// Condense replaces the log with alloc entries covering the complement of free. It is a no-op when nothing
// was appended since the last condense.
func (sm *SpaceMap) Condense(free *rangetree.Tree, txg uint64) error {
	if sm.condensed {
		return nil
	}
	words := []uint64{encodeDebug(ActionSync, 1, txg)}
	var (
		err   error
		alloc int64
	)
	sm.walkAllocated(free, func(start, size uint64) {
		if err != nil {
			return
		}
		words, err = encodeRun(words, Alloc, start, size, sm.start, sm.shift)
		alloc += int64(size)
	})
	if err != nil {
		return err
	}
	if err := sm.store.Rewrite(sm.object, words); err != nil {
		return fmt.Errorf("error condensing space map %d: %w", sm.object, err)
	}
	sm.length = uint64(len(words))
	sm.alloc = alloc
	sm.condensed = true
	return nil
}

// Condensed reports whether the log is already in its minimal form.
func (sm *SpaceMap) Condensed() bool {
	return sm.condensed
}

// Destroy removes the backing object.
func (sm *SpaceMap) Destroy() error {
	return sm.store.Destroy(sm.object)
}

func (sm *SpaceMap) walkAllocated(free *rangetree.Tree, fn func(start, size uint64)) {
	cursor := sm.start
	free.Walk(func(s rangetree.Segment) bool {
		if s.Start > cursor {
			fn(cursor, s.Start-cursor)
		}
		cursor = s.End
		return true
	})
	if end := sm.start + sm.size; cursor < end {
		fn(cursor, end-cursor)
	}
}
