package compress

import "fmt"

// ZLE only compresses runs of zeros. A length byte below n announces 1+len literal bytes, anything else a
// run of 1+len-n zeros.

func zleCompress(src []byte, n int) ([]byte, bool) {
	dLen := len(src)
	dst := make([]byte, 0, dLen)
	s := 0
	for s < len(src) && len(dst) < dLen-1 {
		first := s
		lenAt := len(dst)
		dst = append(dst, 0)
		if src[s] == 0 {
			last := min(s+(256-n), len(src))
			for s < last && src[s] == 0 {
				s++
			}
			dst[lenAt] = byte(s - first - 1 + n)
		} else {
			if dLen-len(dst) < n {
				break
			}
			last := min(s+n, len(src))
			for s < last-1 && (src[s]|src[s+1]) != 0 {
				dst = append(dst, src[s])
				s++
			}
			if src[s] != 0 {
				dst = append(dst, src[s])
				s++
			}
			dst[lenAt] = byte(s - first - 1)
		}
	}
	if s != len(src) {
		return src, false
	}
	return dst, len(dst) < len(src)
}

func zleDecompress(src []byte, size, n int) ([]byte, error) {
	dst := make([]byte, 0, size)
	s := 0
	for s < len(src) && len(dst) < size {
		l := 1 + int(src[s])
		s++
		if l <= n {
			if s+l > len(src) || len(dst)+l > size {
				return nil, fmt.Errorf("zle: literal run of %d overflows: %w", l, ErrCorrupt)
			}
			dst = append(dst, src[s:s+l]...)
			s += l
		} else {
			l -= n
			if len(dst)+l > size {
				return nil, fmt.Errorf("zle: zero run of %d overflows: %w", l, ErrCorrupt)
			}
			dst = append(dst, make([]byte, l)...)
		}
	}
	if len(dst) != size {
		return nil, fmt.Errorf("zle: decoded %d of %d bytes: %w", len(dst), size, ErrCorrupt)
	}
	return dst, nil
}
