package zcl

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ZCL data type IDs
const (
	TypeNoData     uint8 = 0x00
	TypeData8      uint8 = 0x08
	TypeData16     uint8 = 0x09
	TypeData24     uint8 = 0x0A
	TypeData32     uint8 = 0x0B
	TypeBool       uint8 = 0x10
	TypeBitmap8    uint8 = 0x18
	TypeBitmap16   uint8 = 0x19
	TypeBitmap24   uint8 = 0x1A
	TypeBitmap32   uint8 = 0x1B
	TypeUint8      uint8 = 0x20
	TypeUint16     uint8 = 0x21
	TypeUint24     uint8 = 0x22
	TypeUint32     uint8 = 0x23
	TypeUint40     uint8 = 0x24
	TypeUint48     uint8 = 0x25
	TypeUint56     uint8 = 0x26
	TypeUint64     uint8 = 0x27
	TypeInt8       uint8 = 0x28
	TypeInt16      uint8 = 0x29
	TypeInt24      uint8 = 0x2A
	TypeInt32      uint8 = 0x2B
	TypeInt48      uint8 = 0x2D
	TypeInt64      uint8 = 0x2F
	TypeEnum8      uint8 = 0x30
	TypeEnum16     uint8 = 0x31
	TypeFloat16    uint8 = 0x38
	TypeFloat32    uint8 = 0x39
	TypeFloat64    uint8 = 0x3A
	TypeOctetStr   uint8 = 0x41
	TypeCharStr    uint8 = 0x42
	TypeOctetStr16 uint8 = 0x43
	TypeCharStr16  uint8 = 0x44
	TypeArray      uint8 = 0x48
	TypeStruct     uint8 = 0x4C
	TypeToD        uint8 = 0xE0
	TypeDate       uint8 = 0xE1
	TypeUTC        uint8 = 0xE2
	TypeClusterID  uint8 = 0xE8
	TypeAttrID     uint8 = 0xE9
	TypeEUI64      uint8 = 0xF0
	TypeKey128     uint8 = 0xF1
)

// Length prefixes for variable-size types, returned by TypeSize.
const (
	SizeVar8    = -1 // 1-byte length prefix
	SizeVar16   = -2 // 2-byte length prefix
	SizeUnknown = -3
)

type kind uint8

const (
	kindRaw kind = iota
	kindBool
	kindUnsigned
	kindSigned
	kindFloat
	kindString
	kindBytes
	kindEUI64
)

type typeInfo struct {
	name string
	size int
	kind kind
}

var typeTable = map[uint8]typeInfo{
	TypeNoData:     {"nodata", 0, kindRaw},
	TypeData8:      {"data8", 1, kindRaw},
	TypeData16:     {"data16", 2, kindRaw},
	TypeData24:     {"data24", 3, kindRaw},
	TypeData32:     {"data32", 4, kindRaw},
	TypeBool:       {"bool", 1, kindBool},
	TypeBitmap8:    {"map8", 1, kindUnsigned},
	TypeBitmap16:   {"map16", 2, kindUnsigned},
	TypeBitmap24:   {"map24", 3, kindUnsigned},
	TypeBitmap32:   {"map32", 4, kindUnsigned},
	TypeUint8:      {"uint8", 1, kindUnsigned},
	TypeUint16:     {"uint16", 2, kindUnsigned},
	TypeUint24:     {"uint24", 3, kindUnsigned},
	TypeUint32:     {"uint32", 4, kindUnsigned},
	TypeUint40:     {"uint40", 5, kindUnsigned},
	TypeUint48:     {"uint48", 6, kindUnsigned},
	TypeUint56:     {"uint56", 7, kindUnsigned},
	TypeUint64:     {"uint64", 8, kindUnsigned},
	TypeInt8:       {"int8", 1, kindSigned},
	TypeInt16:      {"int16", 2, kindSigned},
	TypeInt24:      {"int24", 3, kindSigned},
	TypeInt32:      {"int32", 4, kindSigned},
	TypeInt48:      {"int48", 6, kindSigned},
	TypeInt64:      {"int64", 8, kindSigned},
	TypeEnum8:      {"enum8", 1, kindUnsigned},
	TypeEnum16:     {"enum16", 2, kindUnsigned},
	TypeFloat16:    {"semi", 2, kindUnsigned},
	TypeFloat32:    {"single", 4, kindFloat},
	TypeFloat64:    {"double", 8, kindFloat},
	TypeOctetStr:   {"octstr", SizeVar8, kindBytes},
	TypeCharStr:    {"string", SizeVar8, kindString},
	TypeOctetStr16: {"octstr16", SizeVar16, kindBytes},
	TypeCharStr16:  {"string16", SizeVar16, kindString},
	TypeArray:      {"array", SizeUnknown, kindRaw},
	TypeStruct:     {"struct", SizeUnknown, kindRaw},
	TypeToD:        {"ToD", 4, kindUnsigned},
	TypeDate:       {"date", 4, kindUnsigned},
	TypeUTC:        {"UTC", 4, kindUnsigned},
	TypeClusterID:  {"clusterId", 2, kindUnsigned},
	TypeAttrID:     {"attribId", 2, kindUnsigned},
	TypeEUI64:      {"EUI64", 8, kindEUI64},
	TypeKey128:     {"key128", 16, kindRaw},
}

// TypeSize returns the fixed size of a type in bytes, or one of SizeVar8,
// SizeVar16 and SizeUnknown.
func TypeSize(typeID uint8) int {
	if ti, ok := typeTable[typeID]; ok {
		return ti.size
	}
	return SizeUnknown
}

// TypeName returns the short ZCL name of a type.
func TypeName(typeID uint8) string {
	if ti, ok := typeTable[typeID]; ok {
		return ti.name
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// TypeByName resolves a type given by name ("uint16", "string") or by
// numeric literal ("0x21", "33").
func TypeByName(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(s, 0, 8); err == nil {
		return uint8(v), nil
	}
	for id, ti := range typeTable {
		if strings.EqualFold(ti.name, s) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("zcl: unknown data type %q", s)
}

// ValueLength returns how many bytes the encoded value of typeID occupies at
// the start of data, including any length prefix.
func ValueLength(typeID uint8, data []byte) (int, error) {
	switch size := TypeSize(typeID); size {
	case SizeVar8:
		if len(data) < 1 {
			return 0, fmt.Errorf("zcl: missing length for %s", TypeName(typeID))
		}
		n := int(data[0])
		if n == 0xFF {
			n = 0
		}
		if len(data) < 1+n {
			return 0, fmt.Errorf("zcl: %s truncated: need %d, have %d", TypeName(typeID), 1+n, len(data))
		}
		return 1 + n, nil
	case SizeVar16:
		if len(data) < 2 {
			return 0, fmt.Errorf("zcl: missing length for %s", TypeName(typeID))
		}
		n := int(binary.LittleEndian.Uint16(data))
		if n == 0xFFFF {
			n = 0
		}
		if len(data) < 2+n {
			return 0, fmt.Errorf("zcl: %s truncated: need %d, have %d", TypeName(typeID), 2+n, len(data))
		}
		return 2 + n, nil
	case SizeUnknown:
		return 0, fmt.Errorf("zcl: cannot size type 0x%02X", typeID)
	default:
		if len(data) < size {
			return 0, fmt.Errorf("zcl: not enough data for %s: need %d, have %d", TypeName(typeID), size, len(data))
		}
		return size, nil
	}
}

func readUintLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUintLE(v uint64, size int) []byte {
	b := make([]byte, size)
	for i := 0; i < size; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// DecodeValue decodes one value of typeID from the start of data and
// returns it with the number of bytes consumed.
func DecodeValue(typeID uint8, data []byte) (interface{}, int, error) {
	n, err := ValueLength(typeID, data)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, 0, nil
	}
	ti := typeTable[typeID]
	raw := data[:n]

	switch ti.kind {
	case kindBool:
		return raw[0] != 0, n, nil
	case kindUnsigned:
		v := readUintLE(raw)
		switch n {
		case 1:
			return uint8(v), n, nil
		case 2:
			return uint16(v), n, nil
		case 3, 4:
			return uint32(v), n, nil
		}
		return v, n, nil
	case kindSigned:
		v := readUintLE(raw)
		shift := 64 - 8*uint(n)
		s := int64(v<<shift) >> shift
		switch n {
		case 1:
			return int8(s), n, nil
		case 2:
			return int16(s), n, nil
		case 3, 4:
			return int32(s), n, nil
		}
		return s, n, nil
	case kindFloat:
		if n == 4 {
			return math.Float32frombits(binary.LittleEndian.Uint32(raw)), n, nil
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(raw)), n, nil
	case kindString, kindBytes:
		prefix := 1
		if ti.size == SizeVar16 {
			prefix = 2
		}
		body := raw[prefix:]
		if (prefix == 1 && raw[0] == 0xFF) || (prefix == 2 && binary.LittleEndian.Uint16(raw) == 0xFFFF) {
			return nil, n, nil
		}
		if ti.kind == kindString {
			return string(body), n, nil
		}
		b := make([]byte, len(body))
		copy(b, body)
		return b, n, nil
	case kindEUI64:
		var addr [8]byte
		for i := 0; i < 8; i++ {
			addr[i] = raw[7-i]
		}
		return addr, n, nil
	}
	b := make([]byte, n)
	copy(b, raw)
	return b, n, nil
}

// EncodeValue encodes a Go value into the wire format of typeID.
func EncodeValue(typeID uint8, val interface{}) ([]byte, error) {
	ti, ok := typeTable[typeID]
	if !ok || ti.size == SizeUnknown {
		return nil, fmt.Errorf("zcl: encode not implemented for type 0x%02X", typeID)
	}

	switch ti.kind {
	case kindBool:
		v, ok := toBool(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to bool", val)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case kindUnsigned:
		v, ok := toUint64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, ti.name)
		}
		if ti.size < 8 && v > 1<<(8*uint(ti.size))-1 {
			return nil, fmt.Errorf("zcl: value %d overflows %s", v, ti.name)
		}
		return putUintLE(v, ti.size), nil

	case kindSigned:
		v, ok := toInt64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, ti.name)
		}
		if ti.size < 8 {
			limit := int64(1) << (8*uint(ti.size) - 1)
			if v < -limit || v >= limit {
				return nil, fmt.Errorf("zcl: value %d overflows %s (range %d..%d)", v, ti.name, -limit, limit-1)
			}
		}
		return putUintLE(uint64(v), ti.size), nil

	case kindFloat:
		v, ok := toFloat64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, ti.name)
		}
		if ti.size == 4 {
			return putUintLE(uint64(math.Float32bits(float32(v))), 4), nil
		}
		return putUintLE(math.Float64bits(v), 8), nil

	case kindString, kindBytes:
		var body []byte
		switch v := val.(type) {
		case string:
			body = []byte(v)
		case []byte:
			body = v
		default:
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, ti.name)
		}
		if ti.size == SizeVar8 {
			if len(body) > 254 {
				return nil, fmt.Errorf("zcl: %s too long: %d (max 254)", ti.name, len(body))
			}
			return append([]byte{uint8(len(body))}, body...), nil
		}
		if len(body) > 65534 {
			return nil, fmt.Errorf("zcl: %s too long: %d (max 65534)", ti.name, len(body))
		}
		return append(putUintLE(uint64(len(body)), 2), body...), nil

	case kindEUI64:
		var addr []byte
		switch a := val.(type) {
		case [8]byte:
			addr = a[:]
		case []byte:
			addr = a
		default:
			return nil, fmt.Errorf("zcl: cannot convert %T to EUI64", val)
		}
		if len(addr) != 8 {
			return nil, fmt.Errorf("zcl: EUI64 requires 8 bytes, got %d", len(addr))
		}
		out := make([]byte, 8)
		for i := 0; i < 8; i++ {
			out[i] = addr[7-i]
		}
		return out, nil
	}

	b, ok := val.([]byte)
	if !ok || len(b) != ti.size {
		return nil, fmt.Errorf("zcl: %s needs %d raw bytes", ti.name, ti.size)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ParseValue converts a textual value (as given on a service call) into
// the Go value EncodeValue expects for typeID.
func ParseValue(typeID uint8, s string) (interface{}, error) {
	ti, ok := typeTable[typeID]
	if !ok {
		return nil, fmt.Errorf("zcl: unknown data type 0x%02X", typeID)
	}
	s = strings.TrimSpace(s)
	switch ti.kind {
	case kindBool:
		return strconv.ParseBool(s)
	case kindUnsigned:
		return strconv.ParseUint(s, 0, 64)
	case kindSigned:
		return strconv.ParseInt(s, 0, 64)
	case kindFloat:
		return strconv.ParseFloat(s, 64)
	case kindString:
		return s, nil
	case kindBytes, kindEUI64, kindRaw:
		clean := strings.NewReplacer(":", "", " ", "").Replace(strings.TrimPrefix(s, "0x"))
		b, err := hex.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("zcl: %s expects hex: %w", ti.name, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("zcl: cannot parse %s", ti.name)
}

func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	case uint64:
		return val != 0, true
	case int64:
		return val != 0, true
	}
	return false, false
}

func toUint64(v interface{}) (uint64, bool) {
	switch val := v.(type) {
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case int:
		return uint64(val), val >= 0
	case int64:
		return uint64(val), val >= 0
	case float64:
		if val < 0 || val != math.Trunc(val) {
			return 0, false
		}
		return uint64(val), true
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), val <= math.MaxInt64
	case float64:
		if val > math.MaxInt64 || val < math.MinInt64 || val != math.Trunc(val) {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}
