package spacemap

import (
	"fmt"
)

// MapType is the kind of a space map record.
type MapType uint8

const (
	Alloc MapType = iota
	Free
)

func (t MapType) String() string {
	switch t {
	case Alloc:
		return "ALLOC"
	case Free:
		return "FREE"
	default:
		return "UNKNOWN"
	}
}

// Debug actions recorded in the header written before every sync.
const (
	ActionAlloc uint8 = iota
	ActionFree
	ActionSync
)

// Entry word layout (one little-endian uint64 per entry):
//
//	bit  63      debug flag
//	non-debug:
//	bits 62..16  offset in (1 << shift) units relative to the map start
//	bit  15      type (0 alloc, 1 free)
//	bits 14..0   run length in units, minus one
//	debug:
//	bits 62..60  action
//	bits 59..50  sync pass
//	bits 49..0   txg
const (
	debugBit = 1 << 63

	offsetShift = 16
	offsetBits  = 47
	offsetMask  = 1<<offsetBits - 1
	typeShift   = 15
	runBits     = 15
	runMask     = 1<<runBits - 1

	// MaxRun is the longest run, in units, a single entry can describe.
	MaxRun = 1 << runBits

	actionShift   = 60
	actionMask    = 0x7
	syncPassShift = 50
	syncPassMask  = 0x3FF
	txgMask       = 1<<50 - 1
)

// Entry is a decoded space map record. Offset and Run are in bytes, Offset is absolute.
type Entry struct {
	Debug bool

	Type   MapType
	Offset uint64
	Run    uint64

	Action   uint8
	SyncPass uint64
	Txg      uint64
}

func (e Entry) String() string {
	if e.Debug {
		return fmt.Sprintf("DEBUG: action:%d sync_pass:%d txg:%d", e.Action, e.SyncPass, e.Txg)
	}
	return fmt.Sprintf("ENTRY: %s offset:%#x run:%#x", e.Type, e.Offset, e.Run)
}

func encodeDebug(action uint8, syncPass, txg uint64) uint64 {
	return debugBit |
		uint64(action&actionMask)<<actionShift |
		(syncPass&syncPassMask)<<syncPassShift |
		txg&txgMask
}

// encodeRun appends the words describing [offset, offset+size) relative to start. Runs longer than
// MaxRun units are split.
func encodeRun(dst []uint64, t MapType, offset, size, start uint64, shift uint8) ([]uint64, error) {
	unit := uint64(1) << shift
	if offset < start || offset%unit != 0 || size%unit != 0 {
		return dst, fmt.Errorf("segment [%#x, +%#x) not aligned to %#x in map at %#x: %w", offset, size, unit, start, ErrInvalidEntry)
	}
	pos := (offset - start) >> shift
	units := size >> shift
	for units > 0 {
		run := min(units, MaxRun)
		if pos > offsetMask {
			return dst, fmt.Errorf("offset %#x out of range: %w", offset, ErrInvalidEntry)
		}
		dst = append(dst, pos<<offsetShift|uint64(t)<<typeShift|(run-1))
		pos += run
		units -= run
	}
	return dst, nil
}

func decodeWord(w, start uint64, shift uint8) Entry {
	if w&debugBit != 0 {
		return Entry{
			Debug:    true,
			Action:   uint8(w >> actionShift & actionMask),
			SyncPass: w >> syncPassShift & syncPassMask,
			Txg:      w & txgMask,
		}
	}
	return Entry{
		Type:   MapType(w >> typeShift & 1),
		Offset: start + (w>>offsetShift&offsetMask)<<shift,
		Run:    (w&runMask + 1) << shift,
	}
}

// entriesFor returns how many words a segment of size bytes needs.
func entriesFor(size uint64, shift uint8) uint64 {
	units := size >> shift
	return (units + MaxRun - 1) / MaxRun
}
