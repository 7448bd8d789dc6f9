// Package vdev implements leaf devices: their backends, the I/O scheduler in front of them and the labels
// that describe them.
package vdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var ErrTooSmall = errors.New("device is too small")

// Vdev is a leaf device with its I/O queue. All I/O goes through the queue.
type Vdev struct {
	id      atomic.Uint64
	guid    atomic.Uint64
	path    string
	backend Backend
	queue   *Queue
	logger  *slog.Logger

	// psize is the device size rounded down to whole labels, asize what is left for data.
	psize uint64
	asize uint64

	mu    sync.Mutex
	state State
	aux   Aux

	readErrors  atomic.Uint64
	writeErrors atomic.Uint64
}

// Open puts a queue in front of backend. dirty drives the async write limit and may be nil.
func Open(backend Backend, cfg QueueConfig, dirty DirtySource) (*Vdev, error) {
	v := &Vdev{
		backend: backend,
		logger:  cfg.logger(),
		state:   StateClosed,
	}
	if p, ok := backend.(interface{ Path() string }); ok {
		v.path = p.Path()
	}
	q, err := NewQueue(cfg, dirty, v.startIO)
	if err != nil {
		return nil, err
	}
	v.queue = q

	v.psize = backend.Size() &^ (LabelSize - 1)
	if v.psize < MinDeviceSize {
		v.setState(StateCantOpen, AuxTooSmall)
		return nil, fmt.Errorf("%d bytes, need at least %d: %w", backend.Size(), MinDeviceSize, ErrTooSmall)
	}
	v.asize = v.psize - LabelStartSize - LabelEndSize
	v.setState(StateHealthy, AuxNone)
	return v, nil
}

// SetIdentity records the position of the vdev in the pool and its guid.
func (v *Vdev) SetIdentity(id, guid uint64) {
	v.id.Store(id)
	v.guid.Store(guid)
}

func (v *Vdev) ID() uint64 {
	return v.id.Load()
}

func (v *Vdev) GUID() uint64 {
	return v.guid.Load()
}

func (v *Vdev) Path() string {
	return v.path
}

// PSize is the device size in whole labels.
func (v *Vdev) PSize() uint64 {
	return v.psize
}

// ASize is the size of the data area between the front and the back labels.
func (v *Vdev) ASize() uint64 {
	return v.asize
}

// Rotational reports whether the device seeks. Image files and memory are treated as solid state.
func (v *Vdev) Rotational() bool {
	if r, ok := v.backend.(interface{ Rotational() bool }); ok {
		return r.Rotational()
	}
	return false
}

func (v *Vdev) setState(state State, aux Aux) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state, v.aux = state, aux
}

// SetState is used by the pool to report open failures found above the device, like a bad guid sum.
func (v *Vdev) SetState(state State, aux Aux) {
	v.setState(state, aux)
}

func (v *Vdev) State() (State, Aux) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, v.aux
}

func (v *Vdev) startIO(z *Zio) {
	go func() {
		var err error
		sector := z.Offset >> SectorShift
		if z.Type == TypeRead {
			var data []byte
			data, err = v.backend.ReadSectors(sector, z.Size>>SectorShift)
			if err == nil {
				copy(z.Data, data)
			} else {
				v.readErrors.Add(1)
				v.logger.Warn("read failed", "vdev", v.ID(), "zio", z.String(), "error", err)
			}
		} else {
			err = v.backend.WriteSectors(sector, z.Data[:z.Size])
			if err != nil {
				v.writeErrors.Add(1)
				v.logger.Warn("write failed", "vdev", v.ID(), "zio", z.String(), "error", err)
			}
		}
		v.queue.Done(z, err)
	}()
}

// Submit queues a request at a physical offset.
func (v *Vdev) Submit(z *Zio) error {
	if z.Offset%SectorSize != 0 || z.Size%SectorSize != 0 || z.Size == 0 {
		return fmt.Errorf("vdev %d: %v is not sector aligned", v.ID(), z)
	}
	if z.Offset > v.psize || z.Size > v.psize-z.Offset {
		return fmt.Errorf("vdev %d: %v: %w", v.ID(), z, ErrOutOfRange)
	}
	return v.queue.Submit(z)
}

// ReadPhys reads size bytes at a physical offset and waits for them.
func (v *Vdev) ReadPhys(ctx context.Context, offset, size uint64, priority Priority) ([]byte, error) {
	z := NewRead(offset, size, priority, 0)
	if err := v.Submit(z); err != nil {
		return nil, err
	}
	if err := z.Wait(ctx); err != nil {
		return nil, err
	}
	return z.Data, nil
}

// WritePhys writes data at a physical offset and waits for it.
func (v *Vdev) WritePhys(ctx context.Context, offset uint64, data []byte, priority Priority) error {
	z := NewWrite(offset, data, priority, 0)
	if err := v.Submit(z); err != nil {
		return err
	}
	return z.Wait(ctx)
}

func (v *Vdev) checkData(offset, size uint64) error {
	if offset > v.asize || size > v.asize-offset {
		return fmt.Errorf("vdev %d: [%#x, %#x) is outside the data area: %w", v.ID(), offset, offset+size, ErrOutOfRange)
	}
	return nil
}

// Read reads from the data area. Offsets are relative to its start, the way DVAs address it.
func (v *Vdev) Read(ctx context.Context, offset, size uint64, priority Priority) ([]byte, error) {
	if err := v.checkData(offset, size); err != nil {
		return nil, err
	}
	return v.ReadPhys(ctx, offset+LabelStartSize, size, priority)
}

// Write writes to the data area.
func (v *Vdev) Write(ctx context.Context, offset uint64, data []byte, priority Priority) error {
	z, err := v.StartWrite(offset, data, priority)
	if err != nil {
		return err
	}
	return z.Wait(ctx)
}

// StartWrite queues a write to the data area and returns the request without waiting for it.
func (v *Vdev) StartWrite(offset uint64, data []byte, priority Priority) (*Zio, error) {
	if err := v.checkData(offset, uint64(len(data))); err != nil {
		return nil, err
	}
	z := NewWrite(offset+LabelStartSize, data, priority, 0)
	if err := v.Submit(z); err != nil {
		return nil, err
	}
	return z, nil
}

func (v *Vdev) Flush() error {
	return v.backend.Flush()
}

func (v *Vdev) Close() error {
	v.setState(StateClosed, AuxNone)
	return v.backend.Close()
}

func (v *Vdev) Queue() *Queue {
	return v.queue
}

// Stats is a point in time view of a vdev.
type Stats struct {
	ID          uint64
	GUID        uint64
	Path        string
	State       string
	PSize       uint64
	ASize       uint64
	ReadErrors  uint64
	WriteErrors uint64
	Queue       QueueStats
}

func (v *Vdev) Stats() Stats {
	state, aux := v.State()
	return Stats{
		ID:          v.ID(),
		GUID:        v.GUID(),
		Path:        v.path,
		State:       state.String(aux),
		PSize:       v.psize,
		ASize:       v.asize,
		ReadErrors:  v.readErrors.Load(),
		WriteErrors: v.writeErrors.Load(),
		Queue:       v.queue.Stats(),
	}
}
