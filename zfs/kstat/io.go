package kstat

import (
	"fmt"
	"io"
	"strconv"
	"time"
)

var epoch = time.Now()

// Now returns a monotonic timestamp in nanoseconds, the clock the IO counters run on.
func Now() int64 {
	return int64(time.Since(epoch))
}

// IO accumulates queue statistics the way kstat_io does: how much was transferred, and for the wait and
// run queue the time spent non-empty and the integral of the queue length over time. It is not safe for
// concurrent use, callers serialize on the lock of the queue they account for.
type IO struct {
	NRead    uint64
	NWritten uint64
	Reads    uint64
	Writes   uint64

	WTime       int64
	WLenTime    int64
	WLastUpdate int64
	RTime       int64
	RLenTime    int64
	RLastUpdate int64

	WCnt uint32
	RCnt uint32
}

func (k *IO) waitUpdate(now int64) {
	if k.WCnt > 0 {
		delta := now - k.WLastUpdate
		k.WTime += delta
		k.WLenTime += delta * int64(k.WCnt)
	}
	k.WLastUpdate = now
}

func (k *IO) runUpdate(now int64) {
	if k.RCnt > 0 {
		delta := now - k.RLastUpdate
		k.RTime += delta
		k.RLenTime += delta * int64(k.RCnt)
	}
	k.RLastUpdate = now
}

func (k *IO) WaitQEnter(now int64) {
	k.waitUpdate(now)
	k.WCnt++
}

func (k *IO) WaitQExit(now int64) {
	k.waitUpdate(now)
	if k.WCnt > 0 {
		k.WCnt--
	}
}

func (k *IO) RunQEnter(now int64) {
	k.runUpdate(now)
	k.RCnt++
}

func (k *IO) RunQExit(now int64) {
	k.runUpdate(now)
	if k.RCnt > 0 {
		k.RCnt--
	}
}

// Complete counts a finished transfer of size bytes.
func (k *IO) Complete(read bool, size uint64) {
	if read {
		k.Reads++
		k.NRead += size
	} else {
		k.Writes++
		k.NWritten += size
	}
}

// Named returns the counters as rows of a named kstat.
func (k *IO) Named() []Named {
	return []Named{
		{Name: "nread", Type: DataUint64, Value: k.NRead},
		{Name: "nwritten", Type: DataUint64, Value: k.NWritten},
		{Name: "reads", Type: DataUint64, Value: k.Reads},
		{Name: "writes", Type: DataUint64, Value: k.Writes},
		{Name: "wtime", Type: DataInt64, Value: uint64(k.WTime)},
		{Name: "wlentime", Type: DataInt64, Value: uint64(k.WLenTime)},
		{Name: "wupdate", Type: DataInt64, Value: uint64(k.WLastUpdate)},
		{Name: "rtime", Type: DataInt64, Value: uint64(k.RTime)},
		{Name: "rlentime", Type: DataInt64, Value: uint64(k.RLenTime)},
		{Name: "rupdate", Type: DataInt64, Value: uint64(k.RLastUpdate)},
		{Name: "wcnt", Type: DataUint32, Value: uint64(k.WCnt)},
		{Name: "rcnt", Type: DataUint32, Value: uint64(k.RCnt)},
	}
}

// ParseIO reads back the counters written from Named.
func ParseIO(r *Reader) (IO, error) {
	var k IO
	for {
		name, err := r.Next()
		if err == io.EOF {
			return k, nil
		}
		if err != nil {
			return k, err
		}
		var dst *uint64
		switch name {
		case "nread":
			dst = &k.NRead
		case "nwritten":
			dst = &k.NWritten
		case "reads":
			dst = &k.Reads
		case "writes":
			dst = &k.Writes
		}
		if dst != nil {
			*dst, err = r.RowDataAsUInt64()
			if err != nil {
				return k, fmt.Errorf("error reading %q row: %w", name, err)
			}
			continue
		}

		v, err := strconv.ParseInt(r.RowData(), 10, 64)
		if err != nil {
			return k, fmt.Errorf("error reading %q row: %w", name, err)
		}
		switch name {
		case "wtime":
			k.WTime = v
		case "wlentime":
			k.WLenTime = v
		case "wupdate":
			k.WLastUpdate = v
		case "rtime":
			k.RTime = v
		case "rlentime":
			k.RLenTime = v
		case "rupdate":
			k.RLastUpdate = v
		case "wcnt":
			k.WCnt = uint32(v)
		case "rcnt":
			k.RCnt = uint32(v)
		}
	}
}
