package spa

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ReneHollander/zspa/zfs/uberblock"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

var (
	evenLabels = []int{0, 2}
	oddLabels  = []int{1, 3}
)

// Sync closes the open txg and writes it out: the space maps of every group, then the labels and the
// uberblock that makes the txg the active one.
func (p *Pool) Sync(ctx context.Context) error {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	if err := p.checkOpen(); err != nil {
		return err
	}

	p.txgs.SetSyncPending(true)
	defer p.txgs.SetSyncPending(false)
	t := p.txgs.Quiesce()
	start := time.Now()

	if err := p.class.Sync(t); err != nil {
		return fmt.Errorf("error syncing txg %d: %w", t, err)
	}

	p.mu.Lock()
	ub := uberblock.Uberblock{
		Version:   Version,
		Txg:       t,
		GUIDSum:   p.guidSum(),
		Timestamp: uint64(time.Now().Unix()),
		RootBP:    p.root,
	}
	p.mu.Unlock()
	if err := p.writeLabels(ctx, &ub); err != nil {
		return fmt.Errorf("error writing labels of txg %d: %w", t, err)
	}

	if err := p.class.SyncDone(t); err != nil {
		return fmt.Errorf("error finishing txg %d: %w", t, err)
	}
	p.txgs.Synced(t)

	p.mu.Lock()
	p.ub = ub
	p.mu.Unlock()
	p.logger.Debug("synced txg", "pool", p.name, "txg", t, "duration", time.Since(start))
	return nil
}

// labelConfig describes v as of txg.
func (p *Pool) labelConfig(v *vdev.Vdev, txg uint64) (*vdev.LabelConfig, error) {
	g, ok := p.class.Group(v.ID())
	if !ok {
		return nil, fmt.Errorf("vdev %d has no metaslab group", v.ID())
	}
	metaslabs := g.Metaslabs()
	lc := &vdev.LabelConfig{
		Version:      Version,
		Name:         p.name,
		State:        uint64(PoolStateActive),
		Txg:          txg,
		PoolGUID:     p.guid,
		GUID:         v.GUID(),
		VdevChildren: uint64(len(p.vdevs)),
		Tree: vdev.VdevTree{
			Type:          "disk",
			ID:            v.ID(),
			GUID:          v.GUID(),
			Path:          v.Path(),
			Ashift:        vdev.SectorShift,
			ASize:         v.ASize(),
			IsRotational:  v.Rotational(),
			MetaslabArray: make([]uint64, len(metaslabs)),
		},
	}
	if v.Path() != "" {
		lc.Tree.Type = "file"
	}
	for i, ms := range metaslabs {
		lc.Tree.MetaslabArray[i] = ms.Object()
	}
	if len(metaslabs) > 0 {
		lc.Tree.MetaslabShift = uint64(bits.TrailingZeros64(metaslabs[0].Size()))
	}
	return lc, nil
}

// writeLabels makes ub durable. The even labels get the new config first and the odd ones last, so that
// a crash at any point leaves a consistent pair of labels and uberblock ring behind.
func (p *Pool) writeLabels(ctx context.Context, ub *uberblock.Uberblock) error {
	configs := make([]*vdev.LabelConfig, len(p.vdevs))
	for i, v := range p.vdevs {
		lc, err := p.labelConfig(v, ub.Txg)
		if err != nil {
			return err
		}
		configs[i] = lc
	}

	steps := []func(ctx context.Context, i int, v *vdev.Vdev) error{
		func(ctx context.Context, i int, v *vdev.Vdev) error {
			return v.WriteConfig(ctx, configs[i], evenLabels...)
		},
		func(ctx context.Context, i int, v *vdev.Vdev) error {
			return uberblock.WriteRing(ctx, v, ub)
		},
		func(ctx context.Context, i int, v *vdev.Vdev) error {
			return v.WriteConfig(ctx, configs[i], oddLabels...)
		},
	}
	for _, step := range steps {
		eg, ctx := errgroup.WithContext(ctx)
		for i, v := range p.vdevs {
			eg.Go(func() error {
				if err := step(ctx, i, v); err != nil {
					return fmt.Errorf("vdev %d: %w", v.ID(), err)
				}
				return v.Flush()
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}
