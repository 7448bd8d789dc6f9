// Package checksum implements fletcher-4 and the embedded checksum trailer of self-describing on-disk
// structures such as labels and uberblocks.
package checksum

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMismatch = errors.New("checksum mismatch")

const (
	// EmbeddedMagic starts the trailer of a block with an embedded checksum.
	EmbeddedMagic = 0x0210da7ab10c7a11
	// TrailerSize is the size of the trailer: the magic followed by four checksum words.
	TrailerSize = 40
)

// Checksum is four 64 bit words, the size of every checksum in a block pointer.
type Checksum [4]uint64

func (c Checksum) String() string {
	return fmt.Sprintf("%x:%x:%x:%x", c[0], c[1], c[2], c[3])
}

// Fletcher4 sums b as 32 bit words in the given byte order. Trailing bytes that do not fill a word are
// ignored.
func Fletcher4(b []byte, order binary.ByteOrder) Checksum {
	var a, bb, c, d uint64
	for i := 0; i+4 <= len(b); i += 4 {
		a += uint64(order.Uint32(b[i:]))
		bb += a
		c += bb
		d += c
	}
	return Checksum{a, bb, c, d}
}

func putChecksum(b []byte, c Checksum, order binary.ByteOrder) {
	for i, w := range c {
		order.PutUint64(b[8*i:], w)
	}
}

// Embed seals b, which ends in a trailer, for storage at the device offset verifier. The verifier binds
// the contents to their location so that a copy found elsewhere does not verify.
func Embed(b []byte, verifier uint64, order binary.ByteOrder) error {
	if len(b) < TrailerSize {
		return fmt.Errorf("%d bytes is too small for an embedded checksum", len(b))
	}
	trailer := b[len(b)-TrailerSize:]
	order.PutUint64(trailer, EmbeddedMagic)
	putChecksum(trailer[8:], Checksum{verifier}, order)
	putChecksum(trailer[8:], Fletcher4(b, order), order)
	return nil
}

// Verify checks the trailer of b against its contents and the verifier. It reports the byte order the
// trailer was written in.
func Verify(b []byte, verifier uint64) (binary.ByteOrder, error) {
	if len(b) < TrailerSize {
		return nil, fmt.Errorf("%d bytes is too small for an embedded checksum: %w", len(b), ErrMismatch)
	}
	trailer := b[len(b)-TrailerSize:]
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint64(trailer) == EmbeddedMagic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint64(trailer) == EmbeddedMagic:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("no embedded checksum magic: %w", ErrMismatch)
	}

	var stored Checksum
	for i := range stored {
		stored[i] = order.Uint64(trailer[8+8*i:])
	}
	// The checksum was taken with the verifier in its place.
	tmp := make([]byte, len(b))
	copy(tmp, b)
	putChecksum(tmp[len(tmp)-TrailerSize+8:], Checksum{verifier}, order)
	if actual := Fletcher4(tmp, order); actual != stored {
		return nil, fmt.Errorf("expected %v, got %v: %w", stored, actual, ErrMismatch)
	}
	return order, nil
}
