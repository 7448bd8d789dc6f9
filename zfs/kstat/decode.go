package kstat

import (
	"fmt"
	"io"
	"strconv"
	"unsafe"
)

// Header is the first line of a kstat file.
type Header struct {
	KID      uint64
	Type     Type
	Flags    uint8
	NData    uint64
	DataSize uint64
	CrTime   int64
	SnapTime int64
}

// Reader walks the rows of a named kstat. Strings returned by Next and RowData alias Data and are only
// valid as long as Data is.
type Reader struct {
	Data []byte
	pos  int

	Header Header

	rowName string
	rowType string
	rowData string
}

func (r *Reader) readUntilExclude(b byte) (string, error) {
	data := r.Data
	pos := r.pos

	for {
		if pos >= len(data) {
			return "", io.EOF
		}
		if data[pos] == b {
			break
		}
		pos++
	}
	d := data[r.pos:pos]
	// Eat the character we want to exclude
	pos++
	r.pos = pos

	s := unsafe.String(unsafe.SliceData(d), len(d))
	return s, nil
}

func (r *Reader) readUntilExcludeIgnoringPrefix(b byte, ignorePrefix byte) (string, error) {
	data := r.Data
	pos := r.pos

	for {
		if pos >= len(data) {
			return "", io.EOF
		}
		if data[pos] != ignorePrefix {
			break
		}
		pos++
	}

	r.pos = pos

	return r.readUntilExclude(b)
}

func (r *Reader) readHeaderField(name string, sep byte) (uint64, error) {
	s, err := r.readUntilExclude(sep)
	if err != nil {
		return 0, fmt.Errorf("error reading %s from header: %w", name, err)
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing %s from header: %w", name, err)
	}
	return v, nil
}

func (r *Reader) readHeader() error {
	var fields [7]uint64
	for i, name := range []string{"kid", "type", "flags", "ndata", "data size", "crtime", "snaptime"} {
		sep := byte(' ')
		if i == len(fields)-1 {
			sep = '\n'
		}
		v, err := r.readHeaderField(name, sep)
		if err != nil {
			return err
		}
		fields[i] = v
	}

	r.Header = Header{
		KID:      fields[0],
		Type:     Type(fields[1]),
		Flags:    uint8(fields[2]),
		NData:    fields[3],
		DataSize: fields[4],
		CrTime:   int64(fields[5]),
		SnapTime: int64(fields[6]),
	}
	return nil
}

func (r *Reader) readColumnHeaders() error {
	for i, want := range []string{"name", "type", "data"} {
		sep := byte(' ')
		if i == 2 {
			sep = '\n'
		}
		c, err := r.readUntilExcludeIgnoringPrefix(sep, ' ')
		if err != nil {
			return fmt.Errorf("error reading column header")
		}
		if c != want {
			return fmt.Errorf("unexpected column header: want %q, got %q", want, c)
		}
	}
	return nil
}

// Next advances to the next row and returns its name. It returns io.EOF after the last row.
func (r *Reader) Next() (string, error) {
	if r.pos == 0 {
		err := r.readHeader()
		if err != nil {
			return "", err
		}

		if r.Header.Type != TypeNamed {
			return "", fmt.Errorf("only kstats of type key-value pair are supported, got type %d", r.Header.Type)
		}

		err = r.readColumnHeaders()
		if err != nil {
			return "", fmt.Errorf("error reading column headers: %w", err)
		}
	}

	if r.pos == len(r.Data) {
		return "", io.EOF
	}

	var err error
	r.rowName, err = r.readUntilExcludeIgnoringPrefix(' ', ' ')
	if err != nil {
		return "", fmt.Errorf("error reading value of column name")
	}
	r.rowType, err = r.readUntilExcludeIgnoringPrefix(' ', ' ')
	if err != nil {
		return "", fmt.Errorf("error reading value of column type")
	}
	r.rowData, err = r.readUntilExcludeIgnoringPrefix('\n', ' ')
	if err != nil {
		return "", fmt.Errorf("error reading value of column data")
	}

	return r.rowName, nil
}

func (r *Reader) RowData() string {
	return r.rowData
}

func (r *Reader) RowType() (DataType, error) {
	t, err := strconv.ParseUint(r.rowType, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("error parsing row type: %w", err)
	}
	return DataType(t), nil
}

func (r *Reader) RowDataAsUInt64() (uint64, error) {
	i, err := strconv.ParseUint(r.RowData(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing row data as uint64: %w", err)
	}
	return i, nil
}
