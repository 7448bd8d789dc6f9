package vdev

import (
	"context"
	"fmt"
)

type IOType uint8

const (
	TypeRead IOType = iota
	TypeWrite
)

func (t IOType) String() string {
	if t == TypeRead {
		return "read"
	}
	return "write"
}

// Priority is the I/O class of a request. The queue serves classes in this order.
type Priority int

const (
	PrioritySyncRead Priority = iota
	PrioritySyncWrite
	PriorityAsyncRead
	PriorityAsyncWrite
	PriorityScrub
	NumQueueable
)

var priorityNames = [...]string{
	PrioritySyncRead:   "sync_read",
	PrioritySyncWrite:  "sync_write",
	PriorityAsyncRead:  "async_read",
	PriorityAsyncWrite: "async_write",
	PriorityScrub:      "scrub",
}

func (p Priority) String() string {
	if p >= 0 && p < NumQueueable {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// sync classes are served first come first served, the others in offset order.
func (p Priority) fifo() bool {
	return p == PrioritySyncRead || p == PrioritySyncWrite
}

type Flags uint32

const (
	FlagDontAggregate Flags = 1 << iota
	FlagRepair
	FlagSelfHeal
	FlagResilver
	FlagScrub
	FlagPhysical

	// FlagOptional marks a write that may be dropped or used to fill a gap between two aggregated writes.
	FlagOptional
	// FlagNoData marks a write without payload. It completes without touching the device unless it
	// becomes part of an aggregate, where it is written as zeros.
	FlagNoData

	// AggInherit are the flags an aggregate takes from its children. Only requests that agree on them
	// are aggregated.
	AggInherit = FlagDontAggregate | FlagRepair | FlagSelfHeal | FlagResilver | FlagScrub | FlagPhysical
)

// Zio is one I/O request against a vdev. Offsets are physical byte offsets on the device.
type Zio struct {
	Offset   uint64
	Size     uint64
	Type     IOType
	Priority Priority
	Flags    Flags
	// Data is the payload of a write or the destination of a read.
	Data []byte

	timestamp int64
	seq       uint64
	children  []*Zio

	err  error
	done chan struct{}
}

func NewRead(offset, size uint64, priority Priority, flags Flags) *Zio {
	return &Zio{
		Offset:   offset,
		Size:     size,
		Type:     TypeRead,
		Priority: priority,
		Flags:    flags,
		Data:     make([]byte, size),
		done:     make(chan struct{}),
	}
}

func NewWrite(offset uint64, data []byte, priority Priority, flags Flags) *Zio {
	return &Zio{
		Offset:   offset,
		Size:     uint64(len(data)),
		Type:     TypeWrite,
		Priority: priority,
		Flags:    flags,
		Data:     data,
		done:     make(chan struct{}),
	}
}

// NewGapWrite returns an optional write of zeros that only reaches the device as part of an aggregate.
func NewGapWrite(offset, size uint64, priority Priority) *Zio {
	return &Zio{
		Offset:   offset,
		Size:     size,
		Type:     TypeWrite,
		Priority: priority,
		Flags:    FlagOptional | FlagNoData,
		done:     make(chan struct{}),
	}
}

func (z *Zio) String() string {
	return fmt.Sprintf("%v %v [%#x, %#x) flags=%#x", z.Priority, z.Type, z.Offset, z.Offset+z.Size, uint32(z.Flags))
}

func (z *Zio) end() uint64 {
	return z.Offset + z.Size
}

// Done is closed once the request completed.
func (z *Zio) Done() <-chan struct{} {
	return z.done
}

// Err is the result of a completed request.
func (z *Zio) Err() error {
	<-z.done
	return z.err
}

// Wait blocks until the request completed or ctx is done. An accepted request is never cancelled, giving
// up on the wait leaves it running.
func (z *Zio) Wait(ctx context.Context) error {
	select {
	case <-z.done:
		return z.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete finishes z and, for an aggregate, every request it carried. Aggregated reads are scattered to
// their children first.
func (z *Zio) complete(err error) {
	for _, c := range z.children {
		if err == nil && c.Type == TypeRead {
			copy(c.Data, z.Data[c.Offset-z.Offset:])
		}
		c.complete(err)
	}
	z.err = err
	close(z.done)
}
