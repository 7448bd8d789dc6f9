package block

import (
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ReneHollander/zspa/zfs/compress"
)

// Reader reads the raw bytes of one copy of a block.
type Reader interface {
	ReadDVA(dva DVA, size uint64) ([]byte, error)
}

type ReaderFunc func(dva DVA, size uint64) ([]byte, error)

func (f ReaderFunc) ReadDVA(dva DVA, size uint64) ([]byte, error) {
	return f(dva, size)
}

type cacheKey struct {
	vdev   uint64
	offset uint64
	birth  uint64
}

func keyOf(bp *BlockPointer) cacheKey {
	return cacheKey{vdev: bp.DVAs[0].Vdev, offset: bp.DVAs[0].Offset, birth: bp.Birth}
}

// Decoder turns block pointers into the logical contents of their blocks. Decoded blocks are kept in a
// 2Q cache so that hot metadata is not read and decompressed over and over.
type Decoder struct {
	r     Reader
	cache *lru.TwoQueueCache[cacheKey, []byte]
}

// NewDecoder returns a decoder reading through r. A cacheSize of 0 disables caching.
func NewDecoder(r Reader, cacheSize int) (*Decoder, error) {
	d := &Decoder{r: r}
	if cacheSize > 0 {
		c, err := lru.New2Q[cacheKey, []byte](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("error creating block cache: %w", err)
		}
		d.cache = c
	}
	return d, nil
}

// Read returns the logical contents of bp. Holes read as zeros. Only the first copy is read and nothing is
// retried.
func (d *Decoder) Read(bp *BlockPointer) ([]byte, error) {
	if bp.IsHole() {
		return make([]byte, bp.LSize), nil
	}
	key := keyOf(bp)
	if d.cache != nil {
		if data, ok := d.cache.Get(key); ok {
			return bytes.Clone(data), nil
		}
	}

	raw, err := d.r.ReadDVA(bp.DVAs[0], bp.PSize)
	if err != nil {
		return nil, fmt.Errorf("error reading %v: %w", bp.DVAs[0], err)
	}
	if uint64(len(raw)) < bp.PSize {
		return nil, fmt.Errorf("short read of %v, %d of %d bytes: %w", bp.DVAs[0], len(raw), bp.PSize, ErrDecode)
	}
	data, err := compress.Decompress(bp.Compression, raw[:bp.PSize], int(bp.LSize))
	if err != nil {
		return nil, fmt.Errorf("%v: %w: %w", bp.DVAs[0], ErrDecode, err)
	}
	if uint64(len(data)) != bp.LSize {
		return nil, fmt.Errorf("%v: decoded %d bytes, expected %d: %w", bp.DVAs[0], len(data), bp.LSize, ErrDecode)
	}

	if d.cache != nil {
		d.cache.Add(key, bytes.Clone(data))
	}
	return data, nil
}

// Forget drops a freed block from the cache.
func (d *Decoder) Forget(bp *BlockPointer) {
	if d.cache != nil && !bp.IsHole() {
		d.cache.Remove(keyOf(bp))
	}
}

// Encode prepares data for a new block compressed with a. Blocks of zeros become Empty and carry no
// payload; results that do not save an eighth of the size are stored uncompressed. The payload is padded
// to whole sectors.
func Encode(a compress.Algorithm, data []byte) ([]byte, compress.Algorithm, error) {
	if len(data) == 0 || len(data)%SectorSize != 0 || len(data) > MaxBlockSize {
		return nil, 0, fmt.Errorf("invalid block size %d", len(data))
	}
	a = a.Resolve()
	if a == compress.Inherit || a == compress.Empty {
		a = compress.Off
	}
	if a != compress.Off && compress.IsZero(data) {
		return nil, compress.Empty, nil
	}
	if a == compress.Off {
		return data, compress.Off, nil
	}

	c, ok, err := compress.Compress(a, data)
	if err != nil {
		return nil, 0, err
	}
	if !ok || len(c) > len(data)-len(data)/8 {
		return data, compress.Off, nil
	}
	psize := (len(c) + SectorSize - 1) &^ (SectorSize - 1)
	if psize >= len(data) {
		return data, compress.Off, nil
	}
	out := make([]byte, psize)
	copy(out, c)
	return out, a, nil
}
