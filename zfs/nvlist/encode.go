package nvlist

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Writer builds a packed nvlist in native encoding and host byte order. Errors are sticky and reported by
// Bytes.
type Writer struct {
	buf   []byte
	order byteOrder
	open  int
	err   error
}

func NewWriter() *Writer {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return newWriter(binary.LittleEndian)
	}
	return newWriter(binary.BigEndian)
}

func newWriter(order byteOrder) *Writer {
	w := &Writer{order: order}
	endian := byte(bigEndian)
	if order == binary.LittleEndian {
		endian = littleEndian
	}
	w.buf = append(w.buf, byte(EncodingNative), endian, 0, 0)
	w.buf = w.order.AppendUint32(w.buf, 0)
	w.buf = w.order.AppendUint32(w.buf, FlagUniqueName)
	return w
}

func (w *Writer) pair(name string, t NVType, n int, value []byte) {
	if w.err != nil {
		return
	}
	if name == "" || strings.IndexByte(name, 0) >= 0 || len(name) >= 1<<15 {
		w.err = fmt.Errorf("invalid pair name %q: %w", name, ErrInvalidValue)
		return
	}
	nameEnd := align(pairHeaderSize + len(name) + 1)
	size := nameEnd + align(len(value))

	start := len(w.buf)
	w.buf = w.order.AppendUint32(w.buf, uint32(size))
	w.buf = w.order.AppendUint16(w.buf, uint16(len(name)+1))
	w.buf = w.order.AppendUint16(w.buf, 0)
	w.buf = w.order.AppendUint32(w.buf, uint32(n))
	w.buf = w.order.AppendUint32(w.buf, uint32(t))
	w.buf = append(w.buf, name...)
	w.buf = append(w.buf, 0)
	w.buf = append(w.buf, make([]byte, start+nameEnd-len(w.buf))...)
	w.buf = append(w.buf, value...)
	w.buf = append(w.buf, make([]byte, start+size-len(w.buf))...)
}

func (w *Writer) AddBoolean(name string) {
	w.pair(name, TypeBoolean, 0, nil)
}

func (w *Writer) AddBool(name string, v bool) {
	var b uint32
	if v {
		b = 1
	}
	w.pair(name, TypeBooleanValue, 1, w.order.AppendUint32(nil, b))
}

func (w *Writer) AddUint32(name string, v uint32) {
	w.pair(name, TypeUint32, 1, w.order.AppendUint32(nil, v))
}

func (w *Writer) AddUint64(name string, v uint64) {
	w.pair(name, TypeUint64, 1, w.order.AppendUint64(nil, v))
}

func (w *Writer) AddInt64(name string, v int64) {
	w.pair(name, TypeInt64, 1, w.order.AppendUint64(nil, uint64(v)))
}

func (w *Writer) AddString(name, v string) {
	if strings.IndexByte(v, 0) >= 0 {
		w.err = fmt.Errorf("string %q contains a null byte: %w", name, ErrInvalidValue)
		return
	}
	w.pair(name, TypeString, 1, append([]byte(v), 0))
}

func (w *Writer) AddByteArray(name string, v []byte) {
	w.pair(name, TypeByteArray, len(v), v)
}

func (w *Writer) AddUint64Array(name string, v []uint64) {
	value := make([]byte, 0, 8*len(v))
	for _, x := range v {
		value = w.order.AppendUint64(value, x)
	}
	w.pair(name, TypeUint64Array, len(v), value)
}

func (w *Writer) AddStringArray(name string, v []string) {
	// Pointer slots come first, they carry no information in a packed list.
	value := make([]byte, 8*len(v))
	for _, s := range v {
		if strings.IndexByte(s, 0) >= 0 {
			w.err = fmt.Errorf("string array %q contains a null byte: %w", name, ErrInvalidValue)
			return
		}
		value = append(append(value, s...), 0)
	}
	w.pair(name, TypeStringArray, len(v), value)
}

func (w *Writer) embedded() []byte {
	v := make([]byte, nvlistSize)
	w.order.PutUint32(v[4:], FlagUniqueName)
	return v
}

// BeginList starts an embedded list. Its pairs follow until the matching EndList.
func (w *Writer) BeginList(name string) {
	w.pair(name, TypeNvlist, 1, w.embedded())
	w.open++
}

// BeginListArray starts an array of n embedded lists. Each element is written as pairs followed by
// EndList.
func (w *Writer) BeginListArray(name string, n int) {
	value := make([]byte, 0, n*nvlistSize)
	for range n {
		value = append(value, w.embedded()...)
	}
	w.pair(name, TypeNvlistArray, n, value)
	w.open += n
}

func (w *Writer) EndList() {
	if w.open == 0 {
		w.err = fmt.Errorf("EndList without an open list: %w", ErrInvalidValue)
		return
	}
	w.open--
	w.buf = w.order.AppendUint32(w.buf, 0)
}

// Bytes terminates the top level list and returns the packed result.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.open != 0 {
		return nil, fmt.Errorf("%d embedded lists not ended: %w", w.open, ErrInvalidValue)
	}
	return w.order.AppendUint32(slices.Clone(w.buf), 0), nil
}

// Marshal packs a struct or a map with string keys. Struct fields are named by their `nvlist:"name"` tag
// or their Go name; the omitempty option skips zero values.
func Marshal(v any) ([]byte, error) {
	w := NewWriter()
	if err := w.marshal(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return w.Bytes()
}

func (w *Writer) marshal(v reflect.Value) error {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name, opts, _ := strings.Cut(field.Tag.Get("nvlist"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = field.Name
			}
			fv := v.Field(i)
			if opts == "omitempty" && fv.IsZero() {
				continue
			}
			if err := w.value(name, fv); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return ErrInvalidValue
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := w.value(k, v.MapIndex(reflect.ValueOf(k))); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("cannot marshal %v: %w", v.Kind(), ErrInvalidValue)
	}
	return nil
}

func (w *Writer) value(name string, v reflect.Value) error {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Bool:
		w.AddBool(name, v.Bool())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		w.AddUint32(name, uint32(v.Uint()))
	case reflect.Uint, reflect.Uint64:
		w.AddUint64(name, v.Uint())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.AddInt64(name, v.Int())
	case reflect.String:
		w.AddString(name, v.String())
	case reflect.Struct, reflect.Map:
		w.BeginList(name)
		if err := w.marshal(v); err != nil {
			return err
		}
		w.EndList()
	case reflect.Slice:
		switch elem := v.Type().Elem(); elem.Kind() {
		case reflect.Uint8:
			w.AddByteArray(name, v.Bytes())
		case reflect.Uint64:
			w.AddUint64Array(name, v.Convert(reflect.TypeOf([]uint64(nil))).Interface().([]uint64))
		case reflect.String:
			w.AddStringArray(name, v.Convert(reflect.TypeOf([]string(nil))).Interface().([]string))
		case reflect.Struct, reflect.Map:
			w.BeginListArray(name, v.Len())
			for i := range v.Len() {
				if err := w.marshal(v.Index(i)); err != nil {
					return err
				}
				w.EndList()
			}
		default:
			return fmt.Errorf("%q: cannot marshal slices of %v: %w", name, elem, ErrInvalidValue)
		}
	default:
		return fmt.Errorf("%q: cannot marshal %v: %w", name, v.Kind(), ErrInvalidValue)
	}
	return w.err
}
