// Package kstat reads and writes statistics in the text format of the Linux SPL kstat files and keeps the
// I/O queue accounting behind them.
package kstat

import (
	"bufio"
	"fmt"
	"io"
)

type Type uint8

const (
	TypeRaw Type = iota
	TypeNamed
	TypeIntr
	TypeIO
	TypeTimer
)

type DataType uint8

const (
	DataChar DataType = iota
	DataInt32
	DataUint32
	DataInt64
	DataUint64
)

// namedSize is the in-kernel size of one named entry, reported in the header.
const namedSize = 48

// Named is one row of a named kstat.
type Named struct {
	Name  string
	Type  DataType
	Value uint64
}

func (n Named) format() string {
	switch n.Type {
	case DataInt32, DataInt64:
		return fmt.Sprintf("%d", int64(n.Value))
	default:
		return fmt.Sprintf("%d", n.Value)
	}
}

// WriteNamed writes rows as a named kstat with the given id. Names must not contain spaces.
func WriteNamed(w io.Writer, kid uint64, crtime, snaptime int64, rows []Named) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d %d 0x%02x %d %d %d %d\n", kid, TypeNamed, 0, len(rows), len(rows)*namedSize, crtime, snaptime)
	fmt.Fprintf(bw, "%-31s %-4s %s\n", "name", "type", "data")
	for _, r := range rows {
		if r.Name == "" {
			return fmt.Errorf("kstat %d: row without a name", kid)
		}
		fmt.Fprintf(bw, "%-31s %-4d %s\n", r.Name, r.Type, r.format())
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error writing kstat %d: %w", kid, err)
	}
	return nil
}
