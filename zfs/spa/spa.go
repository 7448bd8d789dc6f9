// Package spa ties devices, allocation classes and transaction groups together into a pool.
package spa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/ReneHollander/zspa/zfs/block"
	"github.com/ReneHollander/zspa/zfs/metaslab"
	"github.com/ReneHollander/zspa/zfs/spacemap"
	"github.com/ReneHollander/zspa/zfs/txg"
	"github.com/ReneHollander/zspa/zfs/uberblock"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

// Version is the on-disk version written by this package.
const Version = uberblock.MaxVersion

var (
	ErrBadGUIDSum    = errors.New("vdev guid sum does not match")
	ErrPoolMismatch  = errors.New("devices belong to different pools")
	ErrMissingDevice = errors.New("pool is missing devices")
	ErrClosed        = errors.New("pool is closed")
)

// Pool is an open pool. Blocks are written into the open txg and become durable with Sync.
type Pool struct {
	name   string
	guid   uint64
	cfg    Config
	logger *slog.Logger

	vdevs   []*vdev.Vdev
	class   *metaslab.Class
	store   spacemap.Store
	txgs    *txg.Tracker
	decoder *block.Decoder

	// syncMu serializes Sync and Close.
	syncMu sync.Mutex

	mu     sync.Mutex
	state  PoolState
	ub     uberblock.Uberblock
	root   block.BlockPointer
	closed bool
}

// DirtyBytes and HasPendingSyncTask let the pool drive the async write limit of its device queues.
func (p *Pool) DirtyBytes() uint64 {
	if p.txgs == nil {
		return 0
	}
	return p.txgs.DirtyBytes()
}

func (p *Pool) HasPendingSyncTask() bool {
	return p.txgs != nil && p.txgs.HasPendingSyncTask()
}

func newPool(cfg Config, store spacemap.Store) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withLogger()
	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		store:  store,
		state:  PoolStateUninitialized,
	}
	class, err := metaslab.NewClass(cfg.Metaslab)
	if err != nil {
		return nil, err
	}
	p.class = class
	p.decoder, err = block.NewDecoder(p, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) openVdevs(backends []vdev.Backend) error {
	for _, b := range backends {
		v, err := vdev.Open(b, p.cfg.Queue, p)
		if err != nil {
			return err
		}
		p.vdevs = append(p.vdevs, v)
	}
	return nil
}

// abort closes whatever was opened so far on a failed create or open.
func (p *Pool) abort(backends []vdev.Backend, err error) error {
	var merr *multierror.Error
	merr = multierror.Append(merr, err)
	for _, b := range backends {
		if cerr := b.Close(); cerr != nil {
			merr = multierror.Append(merr, cerr)
		}
	}
	if len(merr.Errors) == 1 {
		return err
	}
	return merr
}

func (p *Pool) addGroup(v *vdev.Vdev, shift, ashift uint8, objects []uint64) error {
	g := metaslab.NewGroup(p.class, v.ID(), v.Rotational())
	for i, object := range objects {
		start := uint64(i) << shift
		if _, err := g.AddMetaslab(start, 1<<shift, ashift, p.store, object); err != nil {
			return fmt.Errorf("vdev %d: %w", v.ID(), err)
		}
	}
	return g.Activate()
}

// Create writes a new pool named name onto backends and syncs its first txg. The pool owns the backends
// from then on, they are closed on failure too.
func Create(ctx context.Context, name string, backends []vdev.Backend, store spacemap.Store, cfg Config) (*Pool, error) {
	if name == "" {
		return nil, errors.New("pool name must not be empty")
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("creating %q: %w", name, ErrMissingDevice)
	}
	p, err := newPool(cfg, store)
	if err != nil {
		return nil, err
	}
	p.name = name
	p.guid = rand.Uint64() | 1
	p.txgs = txg.NewTracker(txg.TXGInitial)

	if err := p.openVdevs(backends); err != nil {
		return nil, p.abort(backends, err)
	}
	for id, v := range p.vdevs {
		v.SetIdentity(uint64(id), rand.Uint64()|1)
		shift := p.cfg.metaslabShift(v.ASize())
		count := v.ASize() >> shift
		if count == 0 {
			err := fmt.Errorf("vdev %d: %s is smaller than one metaslab of %s: %w", id,
				humanize.IBytes(v.ASize()), humanize.IBytes(1<<shift), vdev.ErrTooSmall)
			return nil, p.abort(backends, err)
		}
		if err := p.addGroup(v, shift, vdev.SectorShift, make([]uint64, count)); err != nil {
			return nil, p.abort(backends, err)
		}
	}

	p.ub = uberblock.Uberblock{Version: Version, GUIDSum: p.guidSum()}
	p.state = PoolStateActive
	if err := p.Sync(ctx); err != nil {
		return nil, p.abort(backends, fmt.Errorf("error syncing new pool %q: %w", name, err))
	}
	p.logger.Info("created pool", "pool", name, "guid", p.guid, "vdevs", len(p.vdevs),
		"space", humanize.IBytes(p.class.Space()))
	return p, nil
}

// Open imports the pool found on backends. The active uberblock decides the txg, the labels of each
// device describe its metaslabs.
func Open(ctx context.Context, backends []vdev.Backend, store spacemap.Store, cfg Config) (*Pool, error) {
	p, err := newPool(cfg, store)
	if err != nil {
		return nil, err
	}
	if err := p.openVdevs(backends); err != nil {
		return nil, p.abort(backends, err)
	}

	devs := make([]uberblock.Device, len(p.vdevs))
	for i, v := range p.vdevs {
		devs[i] = v
	}
	ub, loc, err := uberblock.Select(ctx, devs)
	if err != nil {
		return nil, p.abort(backends, err)
	}
	p.logger.Debug("selected uberblock", "uberblock", ub.String(), "device", loc.Device, "label", loc.Label, "slot", loc.Slot)

	configs := make([]vdev.LabelConfig, len(p.vdevs))
	for i, v := range p.vdevs {
		lc, _, err := v.ReadBestConfig(ctx)
		if err != nil {
			return nil, p.abort(backends, fmt.Errorf("device %d: %w", i, err))
		}
		if lc.Version > uberblock.MaxVersion {
			v.SetState(vdev.StateCantOpen, vdev.AuxVersionNewer)
			return nil, p.abort(backends, fmt.Errorf("device %d: unsupported version %d", i, lc.Version))
		}
		configs[i] = lc
	}
	if err := p.arrange(configs); err != nil {
		return nil, p.abort(backends, err)
	}

	if sum := p.guidSum(); sum != ub.GUIDSum {
		for _, v := range p.vdevs {
			v.SetState(vdev.StateCantOpen, vdev.AuxBadGUIDSum)
		}
		return nil, p.abort(backends, fmt.Errorf("pool %q: expected %#x, got %#x: %w", p.name, ub.GUIDSum, sum, ErrBadGUIDSum))
	}

	p.txgs = txg.NewTracker(ub.Txg + 1)
	for i, v := range p.vdevs {
		tree := configs[i].Tree
		if err := p.addGroup(v, uint8(tree.MetaslabShift), uint8(tree.Ashift), tree.MetaslabArray); err != nil {
			return nil, p.abort(backends, err)
		}
	}
	if err := p.class.Preload(ctx); err != nil {
		return nil, p.abort(backends, fmt.Errorf("error preloading metaslabs: %w", err))
	}

	p.ub = ub
	p.root = ub.RootBP
	p.state = PoolStateActive
	p.logger.Info("opened pool", "pool", p.name, "guid", p.guid, "txg", ub.Txg,
		"alloc", humanize.IBytes(p.class.Alloc()), "space", humanize.IBytes(p.class.Space()))
	return p, nil
}

// arrange checks that the devices form one complete pool and orders them by their id.
func (p *Pool) arrange(configs []vdev.LabelConfig) error {
	first := configs[0]
	if uint64(len(configs)) != first.VdevChildren {
		return fmt.Errorf("pool %q has %d devices, got %d: %w", first.Name, first.VdevChildren, len(configs), ErrMissingDevice)
	}
	vdevs := make([]*vdev.Vdev, len(configs))
	ordered := make([]vdev.LabelConfig, len(configs))
	for i, lc := range configs {
		if lc.PoolGUID != first.PoolGUID {
			return fmt.Errorf("device %d: pool guid %#x, expected %#x: %w", i, lc.PoolGUID, first.PoolGUID, ErrPoolMismatch)
		}
		id := lc.Tree.ID
		if id >= uint64(len(vdevs)) || vdevs[id] != nil {
			return fmt.Errorf("device %d: invalid vdev id %d", i, id)
		}
		p.vdevs[i].SetIdentity(id, lc.Tree.GUID)
		vdevs[id] = p.vdevs[i]
		ordered[id] = lc
	}
	p.vdevs = vdevs
	copy(configs, ordered)
	p.name = first.Name
	p.guid = first.PoolGUID
	return nil
}

func (p *Pool) guidSum() uint64 {
	var sum uint64
	for _, v := range p.vdevs {
		sum += v.GUID()
	}
	return sum
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) GUID() uint64 {
	return p.guid
}

func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) Vdevs() []*vdev.Vdev {
	return slices.Clone(p.vdevs)
}

func (p *Pool) Class() *metaslab.Class {
	return p.class
}

// Uberblock returns the uberblock of the last synced txg.
func (p *Pool) Uberblock() uberblock.Uberblock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ub
}

// Txg returns the open txg.
func (p *Pool) Txg() uint64 {
	return p.txgs.Current()
}

// SetRoot makes bp the root block recorded by the next sync.
func (p *Pool) SetRoot(bp block.BlockPointer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.root = bp
}

func (p *Pool) Root() block.BlockPointer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

func (p *Pool) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the devices and the space map store. Unsynced changes are lost.
func (p *Pool) Close() error {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = PoolStateExported
	p.mu.Unlock()

	var merr *multierror.Error
	for _, v := range p.vdevs {
		if err := v.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("vdev %d: %w", v.ID(), err))
		}
	}
	if err := p.store.Close(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("space map store: %w", err))
	}
	return merr.ErrorOrNil()
}

// Stats is a point in time view of a pool.
type Stats struct {
	Name              string
	GUID              uint64
	State             PoolState
	Txg               uint64
	SyncedTxg         uint64
	DirtyBytes        uint64
	Alloc             uint64
	Deferred          uint64
	Space             uint64
	AllocatableGroups int
	Vdevs             []vdev.Stats
	Groups            []metaslab.GroupStats
}

func (p *Pool) Stats() Stats {
	s := Stats{
		Name:              p.name,
		GUID:              p.guid,
		State:             p.State(),
		Txg:               p.txgs.Current(),
		SyncedTxg:         p.txgs.LastSynced(),
		DirtyBytes:        p.txgs.DirtyBytes(),
		Alloc:             p.class.Alloc(),
		Deferred:          p.class.Deferred(),
		Space:             p.class.Space(),
		AllocatableGroups: p.class.AllocatableGroups(),
	}
	for _, v := range p.vdevs {
		s.Vdevs = append(s.Vdevs, v.Stats())
	}
	for _, g := range p.class.Groups() {
		s.Groups = append(s.Groups, g.Stats())
	}
	return s
}
