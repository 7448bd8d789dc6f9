// Package nvlist implements encoding and decoding of ZFS-style nvlists with an interface similar to
// that of encoding/json. Only the "native" encoding is supported, in either byte order.
package nvlist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"unsafe"
)

var (
	ErrInvalidEncoding  = errors.New("this nvlist is not in native encoding")
	ErrInvalidEndianess = errors.New("this nvlist is neither in big nor in little endian")
	ErrInvalidData      = errors.New("this nvlist contains invalid data")
	ErrInvalidValue     = errors.New("the value provided to unmarshal contains invalid types")
	ErrUnsupportedType  = errors.New("this nvlist contains an unsupported type")
)

// Encoding represents the encoding used for serialization/deserialization
type Encoding uint8

const (
	// EncodingNative is used in syscalls, cache files and vdev labels
	EncodingNative Encoding = 0x00
	// EncodingXDR is used on-disk by some producers (and is not actually XDR)
	EncodingXDR  Encoding = 0x01
	bigEndian             = 0x00
	littleEndian          = 0x01
)

// Unmarshal parses a ZFS-style nvlist in native encoding into a struct or a map[string]any.
func Unmarshal(data []byte, val any) error {
	r := Reader{Data: data}
	return r.Unmarshal(reflect.ValueOf(val))
}

// Reader tokenizes a packed nvlist. Embedded lists are flattened: after a TypeNvlist token the pairs of the
// embedded list follow, terminated by io.EOF, and then the pairs of the enclosing list continue.
type Reader struct {
	Data []byte
	pos  int

	order   binary.ByteOrder
	version int32
	flags   uint32

	nameBytes    []byte
	numElements  int
	dataPos      int
	dataLen      int
	currentToken NVType
}

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.Data) {
		return ErrInvalidData
	}
	return nil
}

func (r *Reader) readUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.order.Uint16(r.Data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) readUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.order.Uint32(r.Data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) readBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.Data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) readNvHeader() error {
	if len(r.Data) < headerSize {
		return ErrInvalidData
	}
	if Encoding(r.Data[0]) != EncodingNative {
		return ErrInvalidEncoding
	}
	switch r.Data[1] {
	case bigEndian:
		r.order = binary.BigEndian
	case littleEndian:
		r.order = binary.LittleEndian
	default:
		return ErrInvalidEndianess
	}
	// Two reserved bytes follow the encoding and endianness.
	r.pos = 4

	version, err := r.readUint32()
	if err != nil {
		return err
	}
	r.version = int32(version)
	r.flags, err = r.readUint32()
	return err
}

// Next advances to the next pair and returns its type. It returns io.EOF at the end of the current list.
func (r *Reader) Next() (NVType, error) {
	if r.order == nil {
		if err := r.readNvHeader(); err != nil {
			return TypeUnknown, err
		}
	}

	startPos := r.pos

	size, err := r.readUint32()
	if err != nil {
		return TypeUnknown, err
	}
	if int32(size) < 0 {
		return TypeUnknown, ErrInvalidData
	}
	if size == 0 { // End indicated by zero size
		return TypeUnknown, io.EOF
	}
	nextNVPairPos := startPos + int(size)
	if size < pairHeaderSize || nextNVPairPos > len(r.Data) {
		return TypeUnknown, ErrInvalidData
	}

	nameSize, err := r.readUint16()
	if err != nil {
		return TypeUnknown, err
	}
	if int16(nameSize) <= 0 { // Null terminated, so at least size 1 is required
		return TypeUnknown, ErrInvalidData
	}
	// reserve
	if _, err := r.readUint16(); err != nil {
		return TypeUnknown, err
	}
	numElements, err := r.readUint32()
	if err != nil {
		return TypeUnknown, err
	}
	if numElements > 65535 { // 64K entries are enough
		return TypeUnknown, ErrInvalidData
	}
	nvType, err := r.readUint32()
	if err != nil {
		return TypeUnknown, err
	}

	nameBytes, err := r.readBytes(int(nameSize))
	if err != nil {
		return TypeUnknown, err
	}
	if nameBytes[len(nameBytes)-1] != 0 {
		return TypeUnknown, ErrInvalidData
	}
	r.nameBytes = nameBytes[:len(nameBytes)-1]

	r.pos = startPos + align(r.pos-startPos)
	if r.pos > nextNVPairPos {
		return TypeUnknown, ErrInvalidData
	}

	r.numElements = int(numElements)
	r.currentToken = NVType(nvType)
	r.dataPos = r.pos
	r.dataLen = nextNVPairPos - r.pos
	r.pos = nextNVPairPos

	if n := r.currentToken.fixedSize(); n*r.numElements > r.dataLen {
		return TypeUnknown, ErrInvalidData
	}
	if r.currentToken == TypeStringArray {
		// ignore the space for the pointers
		if 8*r.numElements > r.dataLen {
			return TypeUnknown, ErrInvalidData
		}
		r.dataPos += 8 * r.numElements
		r.dataLen -= 8 * r.numElements
	}

	return r.currentToken, nil
}

func align(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

func (r *Reader) Token() NVType {
	return r.currentToken
}

func (r *Reader) NameBytes() []byte {
	return r.nameBytes
}

// Name returns the name of the current pair. It aliases Data.
func (r *Reader) Name() string {
	return unsafe.String(unsafe.SliceData(r.nameBytes), len(r.nameBytes))
}

func (r *Reader) NumElements() int {
	return r.numElements
}

func (r *Reader) data() []byte {
	return r.Data[r.dataPos : r.dataPos+r.dataLen]
}

func (r *Reader) UInt8() uint8 {
	return r.Data[r.dataPos]
}

func (r *Reader) Int8() int8 {
	return int8(r.Data[r.dataPos])
}

func (r *Reader) Byte() byte {
	return r.Data[r.dataPos]
}

func (r *Reader) UInt16() uint16 {
	return r.order.Uint16(r.data())
}

func (r *Reader) Int16() int16 {
	return int16(r.UInt16())
}

func (r *Reader) UInt32() uint32 {
	return r.order.Uint32(r.data())
}

func (r *Reader) Int32() int32 {
	return int32(r.UInt32())
}

func (r *Reader) UInt64() uint64 {
	return r.order.Uint64(r.data())
}

func (r *Reader) Int64() int64 {
	return int64(r.UInt64())
}

// ByteArray returns the payload of byte and uint8 arrays. It aliases Data.
func (r *Reader) ByteArray() []byte {
	return r.data()[:r.numElements]
}

func (r *Reader) UInt32Array() []uint32 {
	out := make([]uint32, r.numElements)
	for i := range out {
		out[i] = r.order.Uint32(r.Data[r.dataPos+4*i:])
	}
	return out
}

func (r *Reader) UInt64Array() []uint64 {
	out := make([]uint64, r.numElements)
	for i := range out {
		out[i] = r.order.Uint64(r.Data[r.dataPos+8*i:])
	}
	return out
}

func (r *Reader) Int64Array() []int64 {
	out := make([]int64, r.numElements)
	for i := range out {
		out[i] = int64(r.order.Uint64(r.Data[r.dataPos+8*i:]))
	}
	return out
}

func parseBool(v uint32) (bool, error) {
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidData
	}
}

func (r *Reader) Boolean() (bool, error) {
	return parseBool(r.UInt32())
}

func (r *Reader) BooleanArray() ([]bool, error) {
	out := make([]bool, r.numElements)
	for i := range out {
		b, err := parseBool(r.order.Uint32(r.Data[r.dataPos+4*i:]))
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// String returns the value of a string pair. It aliases Data.
func (r *Reader) String() (string, error) {
	s, _, err := cString(r.data())
	return s, err
}

// StringArray returns copies of the strings of a string array.
func (r *Reader) StringArray() ([]string, error) {
	out := make([]string, 0, r.numElements)
	rest := r.data()
	for range r.numElements {
		s, n, err := cString(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, strings.Clone(s))
		rest = rest[n:]
	}
	return out, nil
}

// cString returns the NUL terminated string at the start of b and how many bytes it used.
func cString(b []byte) (string, int, error) {
	for i, c := range b {
		if c == 0x00 {
			return unsafe.String(unsafe.SliceData(b), i), i + 1, nil
		}
	}
	return "", 0, ErrInvalidData
}

// Skip consumes the rest of the current list, embedded lists included.
func (r *Reader) Skip() error {
	for {
		token, err := r.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if err := r.skipEmbedded(token); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) skipEmbedded(token NVType) error {
	switch token {
	case TypeNvlist:
		return r.Skip()
	case TypeNvlistArray:
		for range r.NumElements() {
			if err := r.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

// primitive returns the value of the current pair as a Go value.
func (r *Reader) primitive() (any, error) {
	switch r.currentToken {
	case TypeBoolean:
		return true, nil
	case TypeBooleanValue:
		return r.Boolean()
	case TypeByte:
		return r.Byte(), nil
	case TypeInt8:
		return r.Int8(), nil
	case TypeUint8:
		return r.UInt8(), nil
	case TypeInt16:
		return r.Int16(), nil
	case TypeUint16:
		return r.UInt16(), nil
	case TypeInt32:
		return r.Int32(), nil
	case TypeUint32:
		return r.UInt32(), nil
	case TypeInt64:
		return r.Int64(), nil
	case TypeUint64:
		return r.UInt64(), nil
	case TypeString:
		s, err := r.String()
		return strings.Clone(s), err
	case TypeByteArray, TypeUint8Array:
		return append([]byte(nil), r.ByteArray()...), nil
	case TypeUint32Array:
		return r.UInt32Array(), nil
	case TypeUint64Array:
		return r.UInt64Array(), nil
	case TypeInt64Array:
		return r.Int64Array(), nil
	case TypeStringArray:
		return r.StringArray()
	case TypeBooleanArray:
		return r.BooleanArray()
	default:
		return nil, fmt.Errorf("%q of type %v: %w", r.Name(), r.currentToken, ErrUnsupportedType)
	}
}

func isNumeric(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Uint64) || k == reflect.Float32 || k == reflect.Float64
}

func assign(dst, src reflect.Value) error {
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case isNumeric(src.Kind()) && isNumeric(dst.Kind()):
		dst.Set(src.Convert(dst.Type()))
	default:
		return fmt.Errorf("cannot store %v in %v: %w", src.Type(), dst.Type(), ErrInvalidValue)
	}
	return nil
}

// structFields maps nvlist names to the fields of v, honoring `nvlist:"name"` tags.
func structFields(v reflect.Value) map[string]reflect.Value {
	fields := make(map[string]reflect.Value)
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("nvlist"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		fields[name] = v.Field(i)
	}
	return fields
}

// Unmarshal decodes the rest of the current list into v, a struct or a map with string keys.
func (r *Reader) Unmarshal(v reflect.Value) error {
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() == reflect.Interface && v.NumMethod() == 0 {
		val := make(map[string]any)
		v.Set(reflect.ValueOf(val))
		v = v.Elem()
	}

	var fields map[string]reflect.Value
	switch v.Kind() {
	case reflect.Struct:
		fields = structFields(v)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return ErrInvalidValue
		}
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
	default:
		return ErrInvalidValue
	}

	for {
		token, err := r.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		name := strings.Clone(r.Name())

		var field reflect.Value
		if fields != nil {
			field = fields[name]
			if !field.IsValid() || !field.CanSet() {
				if err := r.skipEmbedded(token); err != nil {
					return err
				}
				continue
			}
		}

		switch token {
		case TypeUnknown:
			return ErrInvalidData
		case TypeNvlist:
			if err := r.unmarshalNested(v, field, name); err != nil {
				return err
			}
		case TypeNvlistArray:
			if err := r.unmarshalNestedArray(v, field, name); err != nil {
				return err
			}
		default:
			val, err := r.primitive()
			if err != nil {
				return err
			}
			dst := field
			if fields == nil {
				dst = reflect.New(v.Type().Elem()).Elem()
			}
			if err := assign(dst, reflect.ValueOf(val)); err != nil {
				return fmt.Errorf("%q: %w", name, err)
			}
			if fields == nil {
				v.SetMapIndex(reflect.ValueOf(name), dst)
			}
		}
	}
	return nil
}

func (r *Reader) unmarshalNested(v, field reflect.Value, name string) error {
	if field.IsValid() {
		if field.Kind() == reflect.Ptr {
			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}
			field = field.Elem()
		}
		return r.Unmarshal(field)
	}
	elem := v.Type().Elem()
	var val reflect.Value
	switch elem.Kind() {
	case reflect.Interface:
		val = reflect.ValueOf(make(map[string]any))
	case reflect.Map:
		val = reflect.MakeMap(elem)
	case reflect.Struct:
		val = reflect.New(elem)
	default:
		return fmt.Errorf("embedded list %q into %v: %w", name, elem, ErrInvalidValue)
	}
	if err := r.Unmarshal(val); err != nil {
		return err
	}
	v.SetMapIndex(reflect.ValueOf(name), reflect.Indirect(val))
	return nil
}

func (r *Reader) unmarshalNestedArray(v, field reflect.Value, name string) error {
	n := r.NumElements()
	var slice reflect.Value
	if field.IsValid() {
		if field.Kind() != reflect.Slice {
			return fmt.Errorf("list array %q into %v: %w", name, field.Type(), ErrInvalidValue)
		}
		slice = reflect.MakeSlice(field.Type(), n, n)
	} else {
		slice = reflect.MakeSlice(reflect.TypeOf([]map[string]any{}), n, n)
	}
	for i := range n {
		elem := slice.Index(i)
		if elem.Kind() == reflect.Map {
			elem.Set(reflect.MakeMap(elem.Type()))
		}
		if err := r.Unmarshal(elem); err != nil {
			return err
		}
	}
	if field.IsValid() {
		field.Set(slice)
	} else {
		v.SetMapIndex(reflect.ValueOf(name), slice)
	}
	return nil
}
