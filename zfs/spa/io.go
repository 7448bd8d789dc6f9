package spa

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/ReneHollander/zspa/zfs/block"
	"github.com/ReneHollander/zspa/zfs/checksum"
	"github.com/ReneHollander/zspa/zfs/compress"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

// ChecksumFletcher4 is the checksum function recorded in block pointers written by the pool.
const ChecksumFletcher4 = 7

func (p *Pool) vdev(id uint64) (*vdev.Vdev, error) {
	if id >= uint64(len(p.vdevs)) {
		return nil, fmt.Errorf("vdev %d does not exist", id)
	}
	return p.vdevs[id], nil
}

// ReadDVA reads one copy of a block for the decoder. Reads are synchronous and are not cancelled once
// queued.
func (p *Pool) ReadDVA(dva block.DVA, size uint64) ([]byte, error) {
	v, err := p.vdev(dva.Vdev)
	if err != nil {
		return nil, err
	}
	return v.Read(context.Background(), dva.Offset, size, vdev.PrioritySyncRead)
}

// WriteBlock compresses data with comp, allocates space for it in the open txg and writes it out.
// Blocks of zeros are not written at all, they come back as holes.
func (p *Pool) WriteBlock(ctx context.Context, data []byte, comp compress.Algorithm, priority vdev.Priority) (block.BlockPointer, error) {
	if err := p.checkOpen(); err != nil {
		return block.BlockPointer{}, err
	}
	payload, alg, err := block.Encode(comp, data)
	if err != nil {
		return block.BlockPointer{}, err
	}

	t := p.txgs.Hold()
	defer p.txgs.Release(t)

	bp := block.BlockPointer{
		LSize:       uint64(len(data)),
		Compression: alg,
		Type:        block.TypePlainFileContents,
		Birth:       t,
	}
	if alg == compress.Empty {
		return bp, nil
	}

	psize := uint64(len(payload))
	dva, err := p.class.Allocate(psize, t)
	if err != nil {
		return block.BlockPointer{}, err
	}
	v, err := p.vdev(dva.Vdev)
	var z *vdev.Zio
	if err == nil {
		z, err = v.StartWrite(dva.Offset, payload, priority)
	}
	if err == nil {
		if err = z.Wait(ctx); err != nil && ctx.Err() != nil {
			// The queued write still lands on the device. Its space is released only after that.
			<-z.Done()
		}
	}
	if err != nil {
		if ferr := p.class.Free(dva, t); ferr != nil {
			err = multierror.Append(err, ferr)
		}
		return block.BlockPointer{}, fmt.Errorf("error writing %v: %w", dva, err)
	}
	p.txgs.Dirty(t, int64(psize))

	bp.DVAs[0] = dva
	bp.PSize = psize
	bp.PhysBirth = t
	bp.Fill = 1
	bp.Checksum = ChecksumFletcher4
	bp.Cksum = checksum.Fletcher4(payload, binary.NativeEndian)
	return bp, nil
}

// ReadBlock returns the logical contents of bp.
func (p *Pool) ReadBlock(ctx context.Context, bp *block.BlockPointer) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.decoder.Read(bp)
}

// FreeBlock releases every copy of bp in the open txg.
func (p *Pool) FreeBlock(bp *block.BlockPointer) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if bp.IsHole() {
		return nil
	}
	t := p.txgs.Hold()
	defer p.txgs.Release(t)

	var merr *multierror.Error
	for _, dva := range bp.DVAs {
		if !dva.Valid() {
			continue
		}
		if err := p.class.Free(dva, t); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	p.decoder.Forget(bp)
	return merr.ErrorOrNil()
}
