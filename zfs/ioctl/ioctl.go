// Package ioctl provides a pure-Go low-level wrapper around the Linux block device ioctls a vdev needs to
// size and classify the disk under it.
package ioctl

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

type Ioctl uintptr

// Request numbers from linux/fs.h.
const (
	BLKFLSBUF     Ioctl = 0x1261     /* flush buffer cache			*/
	BLKSSZGET     Ioctl = 0x1268     /* logical sector size		*/
	BLKROTATIONAL Ioctl = 0x127e     /* seeks, returns unsigned short	*/
	BLKGETSIZE64  Ioctl = 0x80081272 /* device size in bytes		*/
)

// Do issues a low-level ioctl syscall on fd. All unsafety is contained in here.
func Do(fd int, ioctl Ioctl, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(ioctl), uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

// DeviceSize returns the size of the block device fd in bytes.
func DeviceSize(fd int) (uint64, error) {
	var size uint64
	err := Do(fd, BLKGETSIZE64, unsafe.Pointer(&size))
	runtime.KeepAlive(&size)
	return size, err
}

// SectorSize returns the logical sector size of the block device fd.
func SectorSize(fd int) (int, error) {
	var size int32
	err := Do(fd, BLKSSZGET, unsafe.Pointer(&size))
	runtime.KeepAlive(&size)
	return int(size), err
}

// Rotational reports whether the block device fd is a spinning disk.
func Rotational(fd int) (bool, error) {
	var rot uint16
	err := Do(fd, BLKROTATIONAL, unsafe.Pointer(&rot))
	runtime.KeepAlive(&rot)
	return rot != 0, err
}

// FlushBuffers drops the buffer cache of the block device fd after writing it back.
func FlushBuffers(fd int) error {
	return Do(fd, BLKFLSBUF, nil)
}
