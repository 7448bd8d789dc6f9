package compress

import "fmt"

// LZJB is a byte oriented Lempel-Ziv variant. Every group of eight items is preceded by a copy map byte;
// a set bit marks a two byte back reference, a clear bit a literal byte.
//
// Back reference: 6 bit match length minus lzjbMatchMin, 10 bit offset.
const (
	lzjbMatchBits  = 6
	lzjbMatchMin   = 3
	lzjbMatchMax   = 1<<lzjbMatchBits + lzjbMatchMin - 1
	lzjbOffsetMask = 1<<(16-lzjbMatchBits) - 1
	lzjbLempelSize = 1024
)

// lzjbCompress returns false when the output would not be smaller than src.
func lzjbCompress(src []byte) ([]byte, bool) {
	dLen := len(src)
	dst := make([]byte, 0, dLen)
	var (
		lempel   [lzjbLempelSize]uint16
		copyMask = 1 << 7
		copyMap  int
	)
	for s := 0; s < len(src); {
		copyMask <<= 1
		if copyMask == 1<<8 {
			if len(dst) >= dLen-1-2*8 {
				return src, false
			}
			copyMask = 1
			copyMap = len(dst)
			dst = append(dst, 0)
		}
		if s > len(src)-lzjbMatchMax {
			dst = append(dst, src[s])
			s++
			continue
		}
		hash := int(src[s])<<16 + int(src[s+1])<<8 + int(src[s+2])
		hash += hash >> 9
		hash += hash >> 5
		hp := &lempel[hash&(lzjbLempelSize-1)]
		offset := int(uint16(s)-*hp) & lzjbOffsetMask
		*hp = uint16(s)
		cpy := s - offset
		if cpy >= 0 && cpy != s && src[s] == src[cpy] && src[s+1] == src[cpy+1] && src[s+2] == src[cpy+2] {
			dst[copyMap] |= byte(copyMask)
			mlen := lzjbMatchMin
			for ; mlen < lzjbMatchMax; mlen++ {
				if src[s+mlen] != src[cpy+mlen] {
					break
				}
			}
			dst = append(dst, byte((mlen-lzjbMatchMin)<<(8-lzjbMatchBits)|offset>>8), byte(offset))
			s += mlen
		} else {
			dst = append(dst, src[s])
			s++
		}
	}
	return dst, len(dst) < len(src)
}

func lzjbDecompress(src []byte, size int) ([]byte, error) {
	dst := make([]byte, 0, size)
	var (
		copyMask = 1 << 7
		copyMap  byte
		s        int
	)
	for len(dst) < size {
		copyMask <<= 1
		if copyMask == 1<<8 {
			if s >= len(src) {
				return nil, fmt.Errorf("lzjb: input ends at %d of %d bytes: %w", len(dst), size, ErrCorrupt)
			}
			copyMask = 1
			copyMap = src[s]
			s++
		}
		if copyMap&byte(copyMask) != 0 {
			if s+1 >= len(src) {
				return nil, fmt.Errorf("lzjb: truncated back reference: %w", ErrCorrupt)
			}
			mlen := int(src[s]>>(8-lzjbMatchBits)) + lzjbMatchMin
			offset := (int(src[s])<<8 | int(src[s+1])) & lzjbOffsetMask
			s += 2
			cpy := len(dst) - offset
			if cpy < 0 || offset == 0 {
				return nil, fmt.Errorf("lzjb: back reference before start of block: %w", ErrCorrupt)
			}
			mlen = min(mlen, size-len(dst))
			// Overlapping copies repeat the pattern, so copy byte by byte.
			for i := range mlen {
				dst = append(dst, dst[cpy+i])
			}
		} else {
			if s >= len(src) {
				return nil, fmt.Errorf("lzjb: input ends at %d of %d bytes: %w", len(dst), size, ErrCorrupt)
			}
			dst = append(dst, src[s])
			s++
		}
	}
	return dst, nil
}
