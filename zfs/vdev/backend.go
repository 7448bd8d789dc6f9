package vdev

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ReneHollander/zspa/zfs/ioctl"
)

const (
	SectorShift = 9
	SectorSize  = 1 << SectorShift
)

var (
	ErrOutOfRange = errors.New("access beyond the end of the device")
	ErrInUse      = errors.New("device is in use by another process")
	ErrClosed     = errors.New("device is closed")
)

// Backend is the physical device under a vdev. It is addressed in 512 byte sectors and must allow
// concurrent calls.
type Backend interface {
	ReadSectors(sector, count uint64) ([]byte, error)
	WriteSectors(sector uint64, data []byte) error
	// Size is the usable size in bytes, a multiple of SectorSize.
	Size() uint64
	Flush() error
	Close() error
}

func checkRange(size, sector, bytes uint64) error {
	off := sector << SectorShift
	if bytes%SectorSize != 0 {
		return fmt.Errorf("transfer of %d bytes is not sector aligned", bytes)
	}
	if off > size || bytes > size-off {
		return fmt.Errorf("sector %d, %d bytes: %w", sector, bytes, ErrOutOfRange)
	}
	return nil
}

// MemoryBackend keeps the device contents in memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend(size uint64) *MemoryBackend {
	return &MemoryBackend{data: make([]byte, size&^(SectorSize-1))}
}

func (m *MemoryBackend) ReadSectors(sector, count uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if err := checkRange(uint64(len(m.data)), sector, count<<SectorShift); err != nil {
		return nil, err
	}
	off := sector << SectorShift
	out := make([]byte, count<<SectorShift)
	copy(out, m.data[off:])
	return out, nil
}

func (m *MemoryBackend) WriteSectors(sector uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := checkRange(uint64(len(m.data)), sector, uint64(len(data))); err != nil {
		return err
	}
	copy(m.data[sector<<SectorShift:], data)
	return nil
}

func (m *MemoryBackend) Size() uint64 {
	return uint64(len(m.data))
}

func (m *MemoryBackend) Flush() error {
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FileBackend is a regular file or a block device. The file is locked exclusively while open so that two
// pools cannot share a device.
type FileBackend struct {
	path       string
	fd         int
	size       uint64
	block      bool
	rotational bool

	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*FileBackend)(nil)

// CreateFile creates a new image file of the given size. It fails if path exists.
func CreateFile(path string, size uint64) (*FileBackend, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error creating %q: %w", path, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error sizing %q: %w", path, err)
	}
	return newFileBackend(path, fd)
}

// OpenFile opens an existing image file or device.
func OpenFile(path string) (*FileBackend, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("error opening %q: %w", path, err)
	}
	return newFileBackend(path, fd)
}

func newFileBackend(path string, fd int) (*FileBackend, error) {
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%q: %w", path, ErrInUse)
		}
		return nil, fmt.Errorf("error locking %q: %w", path, err)
	}
	f := &FileBackend{path: path, fd: fd}
	if err := f.probe(); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error probing %q: %w", path, err)
	}
	return f, nil
}

// probe sizes the device. Block devices are asked for their size and whether they rotate, files use their
// length and count as solid state.
func (f *FileBackend) probe() error {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		f.size = uint64(st.Size) &^ (SectorSize - 1)
		return nil
	}

	f.block = true
	size, err := ioctl.DeviceSize(f.fd)
	if err != nil {
		return fmt.Errorf("error getting size: %w", err)
	}
	f.size = size &^ (SectorSize - 1)
	if sector, err := ioctl.SectorSize(f.fd); err == nil && sector > SectorSize {
		return fmt.Errorf("logical sector size %d is not supported", sector)
	}
	// Kernels without BLKROTATIONAL leave the device solid state.
	f.rotational, _ = ioctl.Rotational(f.fd)
	return nil
}

func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) ReadSectors(sector, count uint64) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	if err := checkRange(f.size, sector, count<<SectorShift); err != nil {
		return nil, err
	}
	buf := make([]byte, count<<SectorShift)
	off := int64(sector << SectorShift)
	for done := 0; done < len(buf); {
		n, err := unix.Pread(f.fd, buf[done:], off+int64(done))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("error reading %q at %d: %w", f.path, off+int64(done), err)
		}
		if n == 0 {
			// Sparse tail of a file that was never written.
			break
		}
		done += n
	}
	return buf, nil
}

func (f *FileBackend) WriteSectors(sector uint64, data []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	if err := checkRange(f.size, sector, uint64(len(data))); err != nil {
		return err
	}
	off := int64(sector << SectorShift)
	for done := 0; done < len(data); {
		n, err := unix.Pwrite(f.fd, data[done:], off+int64(done))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("error writing %q at %d: %w", f.path, off+int64(done), err)
		}
		done += n
	}
	return nil
}

func (f *FileBackend) Size() uint64 {
	return f.size
}

func (f *FileBackend) Rotational() bool {
	return f.rotational
}

func (f *FileBackend) Flush() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	if err := unix.Fdatasync(f.fd); err != nil {
		return fmt.Errorf("error flushing %q: %w", f.path, err)
	}
	if f.block {
		if err := ioctl.FlushBuffers(f.fd); err != nil {
			return fmt.Errorf("error flushing buffers of %q: %w", f.path, err)
		}
	}
	return nil
}

// Close releases the lock and the descriptor. Closing twice is a no-op.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return unix.Close(f.fd)
}
