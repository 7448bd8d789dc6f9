package nvlist

type NVType uint32

const (
	TypeUnknown NVType = iota
	TypeBoolean
	TypeByte
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeString
	TypeByteArray
	TypeInt16Array
	TypeUint16Array
	TypeInt32Array
	TypeUint32Array
	TypeInt64Array
	TypeUint64Array
	TypeStringArray
	TypeHrtime
	TypeNvlist
	TypeNvlistArray
	TypeBooleanValue
	TypeInt8
	TypeUint8
	TypeBooleanArray
	TypeInt8Array
	TypeUint8Array
	TypeDouble
)

var typeNames = [...]string{
	TypeUnknown:      "unknown",
	TypeBoolean:      "boolean",
	TypeByte:         "byte",
	TypeInt16:        "int16",
	TypeUint16:       "uint16",
	TypeInt32:        "int32",
	TypeUint32:       "uint32",
	TypeInt64:        "int64",
	TypeUint64:       "uint64",
	TypeString:       "string",
	TypeByteArray:    "bytearray",
	TypeInt16Array:   "int16array",
	TypeUint16Array:  "uint16array",
	TypeInt32Array:   "int32array",
	TypeUint32Array:  "uint32array",
	TypeInt64Array:   "int64array",
	TypeUint64Array:  "uint64array",
	TypeStringArray:  "stringarray",
	TypeHrtime:       "hrtime",
	TypeNvlist:       "nvlist",
	TypeNvlistArray:  "nvlistarray",
	TypeBooleanValue: "booleanvalue",
	TypeInt8:         "int8",
	TypeUint8:        "uint8",
	TypeBooleanArray: "booleanarray",
	TypeInt8Array:    "int8array",
	TypeUint8Array:   "uint8array",
	TypeDouble:       "double",
}

func (t NVType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// fixedSize is the size of one element of the fixed width types. Zero means variable or no payload.
func (t NVType) fixedSize() int {
	switch t {
	case TypeByte, TypeInt8, TypeUint8, TypeByteArray, TypeInt8Array, TypeUint8Array:
		return 1
	case TypeInt16, TypeUint16, TypeInt16Array, TypeUint16Array:
		return 2
	case TypeInt32, TypeUint32, TypeInt32Array, TypeUint32Array, TypeBooleanValue, TypeBooleanArray:
		return 4
	case TypeInt64, TypeUint64, TypeInt64Array, TypeUint64Array, TypeHrtime, TypeDouble:
		return 8
	default:
		return 0
	}
}

const (
	// FlagUniqueName marks lists where every name occurs at most once.
	FlagUniqueName uint32 = 0x1

	// headerSize covers encoding, endianness, two reserved bytes, version and flags.
	headerSize = 12
	// pairHeaderSize covers size, name size, reserve, element count and type.
	pairHeaderSize = 16
	// nvlistSize is the placeholder an embedded list occupies inside its pair.
	nvlistSize = 24
	alignment  = 8
)
