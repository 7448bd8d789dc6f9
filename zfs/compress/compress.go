// Package compress implements the block compression algorithms of a pool. Algorithm values are the on-disk
// compression codes stored in block pointers.
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	ErrUnsupported = errors.New("unsupported compression")
	ErrCorrupt     = errors.New("corrupt compressed data")
)

type Algorithm uint8

const (
	Inherit Algorithm = iota
	On
	Off
	LZJB
	Empty
	Gzip1
	Gzip2
	Gzip3
	Gzip4
	Gzip5
	Gzip6
	Gzip7
	Gzip8
	Gzip9
	ZLE
	LZ4
	Zstd
)

var algorithmNames = [...]string{
	Inherit: "inherit",
	On:      "on",
	Off:     "off",
	LZJB:    "lzjb",
	Empty:   "empty",
	Gzip1:   "gzip-1",
	Gzip2:   "gzip-2",
	Gzip3:   "gzip-3",
	Gzip4:   "gzip-4",
	Gzip5:   "gzip-5",
	Gzip6:   "gzip-6",
	Gzip7:   "gzip-7",
	Gzip8:   "gzip-8",
	Gzip9:   "gzip-9",
	ZLE:     "zle",
	LZ4:     "lz4",
	Zstd:    "zstd",
}

func (a Algorithm) String() string {
	if int(a) < len(algorithmNames) {
		return algorithmNames[a]
	}
	return fmt.Sprintf("unknown(%d)", uint8(a))
}

// Parse accepts the names printed by String, plus "gzip" for gzip-6.
func Parse(name string) (Algorithm, error) {
	name = strings.ToLower(name)
	if name == "gzip" {
		return Gzip6, nil
	}
	for i, n := range algorithmNames {
		if n == name {
			return Algorithm(i), nil
		}
	}
	return 0, fmt.Errorf("compression %q: %w", name, ErrUnsupported)
}

func (a *Algorithm) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Resolve maps the generic "on" setting to the algorithm it stands for.
func (a Algorithm) Resolve() Algorithm {
	if a == On {
		return LZJB
	}
	return a
}

func (a Algorithm) gzipLevel() (int, bool) {
	if a >= Gzip1 && a <= Gzip9 {
		return int(a-Gzip1) + 1, true
	}
	return 0, false
}

const (
	zleLevel = 64

	lz4HeaderSize  = 4
	zstdHeaderSize = 8
	zstdVersion    = 10405
	zstdLevel      = 3
)

// Compress compresses src with a. The boolean is false when the result would not be smaller than src.
func Compress(a Algorithm, src []byte) ([]byte, bool, error) {
	a = a.Resolve()
	if level, ok := a.gzipLevel(); ok {
		return gzipCompress(src, level)
	}
	switch a {
	case Off, Inherit:
		return src, false, nil
	case LZJB:
		dst, ok := lzjbCompress(src)
		return dst, ok, nil
	case ZLE:
		dst, ok := zleCompress(src, zleLevel)
		return dst, ok, nil
	case LZ4:
		return lz4Compress(src)
	case Zstd:
		return zstdCompress(src)
	default:
		return nil, false, fmt.Errorf("%v: %w", a, ErrUnsupported)
	}
}

// Decompress expands src, which may carry trailing padding, into size bytes.
func Decompress(a Algorithm, src []byte, size int) ([]byte, error) {
	a = a.Resolve()
	if _, ok := a.gzipLevel(); ok {
		return gzipDecompress(src, size)
	}
	switch a {
	case Off:
		return bytes.Clone(src[:min(len(src), size)]), nil
	case Empty:
		return make([]byte, size), nil
	case LZJB:
		return lzjbDecompress(src, size)
	case ZLE:
		return zleDecompress(src, size, zleLevel)
	case LZ4:
		return lz4Decompress(src, size)
	case Zstd:
		return zstdDecompress(src, size)
	default:
		return nil, fmt.Errorf("%v: %w", a, ErrUnsupported)
	}
}

func gzipCompress(src []byte, level int) ([]byte, bool, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, false, fmt.Errorf("error creating gzip writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, false, fmt.Errorf("error compressing: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("error compressing: %w", err)
	}
	return buf.Bytes(), buf.Len() < len(src), nil
}

func gzipDecompress(src []byte, size int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer r.Close()
	dst := make([]byte, size)
	n, err := io.ReadFull(r, dst)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return dst[:n], nil
}

// LZ4 blocks are prefixed with their big-endian compressed length.
func lz4Compress(src []byte) ([]byte, bool, error) {
	dst := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst[lz4HeaderSize:])
	if err != nil {
		return nil, false, fmt.Errorf("error compressing: %w", err)
	}
	if n == 0 || lz4HeaderSize+n >= len(src) {
		return src, false, nil
	}
	binary.BigEndian.PutUint32(dst, uint32(n))
	return dst[:lz4HeaderSize+n], true, nil
}

func lz4Decompress(src []byte, size int) ([]byte, error) {
	if len(src) < lz4HeaderSize {
		return nil, fmt.Errorf("lz4 block of %d bytes: %w", len(src), ErrCorrupt)
	}
	n := int(binary.BigEndian.Uint32(src))
	if n > len(src)-lz4HeaderSize {
		return nil, fmt.Errorf("lz4 length %d exceeds block: %w", n, ErrCorrupt)
	}
	dst := make([]byte, size)
	m, err := lz4.UncompressBlock(src[lz4HeaderSize:lz4HeaderSize+n], dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return dst[:m], nil
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

// Zstd frames are prefixed with their big-endian length and a word holding the encoder version and level.
func zstdCompress(src []byte) ([]byte, bool, error) {
	enc, err := zstdEncoder()
	if err != nil {
		return nil, false, fmt.Errorf("error creating zstd encoder: %w", err)
	}
	dst := enc.EncodeAll(src, make([]byte, zstdHeaderSize, zstdHeaderSize+len(src)))
	n := len(dst) - zstdHeaderSize
	if len(dst) >= len(src) {
		return src, false, nil
	}
	binary.BigEndian.PutUint32(dst, uint32(n))
	binary.BigEndian.PutUint32(dst[4:], zstdVersion<<8|zstdLevel)
	return dst, true, nil
}

func zstdDecompress(src []byte, size int) ([]byte, error) {
	if len(src) < zstdHeaderSize {
		return nil, fmt.Errorf("zstd block of %d bytes: %w", len(src), ErrCorrupt)
	}
	n := int(binary.BigEndian.Uint32(src))
	if n > len(src)-zstdHeaderSize {
		return nil, fmt.Errorf("zstd length %d exceeds block: %w", n, ErrCorrupt)
	}
	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("error creating zstd decoder: %w", err)
	}
	dst, err := dec.DecodeAll(src[zstdHeaderSize:zstdHeaderSize+n], make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return dst, nil
}

// IsZero reports whether every byte of b is zero. Such blocks compress to Empty.
func IsZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
