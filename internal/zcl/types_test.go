package zcl

import (
	"bytes"
	"math"
	"reflect"
	"testing"
)

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name     string
		typeID   uint8
		data     []byte
		want     interface{}
		consumed int
	}{
		{"bool true", TypeBool, []byte{0x01}, true, 1},
		{"bool false", TypeBool, []byte{0x00}, false, 1},
		{"uint8", TypeUint8, []byte{0x42}, uint8(0x42), 1},
		{"enum8", TypeEnum8, []byte{0x03, 0xFF}, uint8(3), 1},
		{"uint16", TypeUint16, []byte{0x34, 0x12}, uint16(0x1234), 2},
		{"uint24", TypeUint24, []byte{0x01, 0x02, 0x03}, uint32(0x030201), 3},
		{"uint32", TypeUint32, []byte{0x78, 0x56, 0x34, 0x12}, uint32(0x12345678), 4},
		{"uint48", TypeUint48, []byte{1, 0, 0, 0, 0, 1}, uint64(0x010000000001), 6},
		{"int8 negative", TypeInt8, []byte{0xFE}, int8(-2), 1},
		{"int16 negative", TypeInt16, []byte{0x9C, 0xFF}, int16(-100), 2},
		{"int24 negative", TypeInt24, []byte{0xFF, 0xFF, 0xFF}, int32(-1), 3},
		{"int32", TypeInt32, []byte{0x00, 0x00, 0x00, 0x80}, int32(math.MinInt32), 4},
		{"single", TypeFloat32, []byte{0x00, 0x00, 0x80, 0x3F}, float32(1.0), 4},
		{"string", TypeCharStr, []byte{5, 'H', 'e', 'l', 'l', 'o', 0x00}, "Hello", 6},
		{"string invalid", TypeCharStr, []byte{0xFF}, nil, 1},
		{"octstr", TypeOctetStr, []byte{2, 0xAA, 0xBB}, []byte{0xAA, 0xBB}, 3},
		{"string16", TypeCharStr16, []byte{2, 0, 'o', 'k'}, "ok", 4},
		{"eui64", TypeEUI64, []byte{8, 7, 6, 5, 4, 3, 2, 1}, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, 8},
		{"nodata", TypeNoData, []byte{0x01}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := DecodeValue(tt.typeID, tt.data)
			if err != nil {
				t.Fatalf("DecodeValue: %v", err)
			}
			if n != tt.consumed {
				t.Errorf("consumed %d, want %d", n, tt.consumed)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeValueErrors(t *testing.T) {
	tests := []struct {
		name   string
		typeID uint8
		data   []byte
	}{
		{"short uint16", TypeUint16, []byte{0x01}},
		{"truncated string", TypeCharStr, []byte{5, 'a'}},
		{"missing length", TypeCharStr16, []byte{1}},
		{"array unsupported", TypeArray, []byte{0x20, 0x01, 0x00, 0x05}},
		{"unknown type", 0xFE, []byte{0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeValue(tt.typeID, tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name   string
		typeID uint8
		val    interface{}
		want   []byte
	}{
		{"bool", TypeBool, true, []byte{0x01}},
		{"uint8 from float", TypeUint8, float64(200), []byte{0xC8}},
		{"uint16", TypeUint16, uint16(0x1234), []byte{0x34, 0x12}},
		{"uint24", TypeUint24, 0x030201, []byte{0x01, 0x02, 0x03}},
		{"int16 negative", TypeInt16, -100, []byte{0x9C, 0xFF}},
		{"int24 negative", TypeInt24, int64(-1), []byte{0xFF, 0xFF, 0xFF}},
		{"enum8", TypeEnum8, uint64(2), []byte{0x02}},
		{"single", TypeFloat32, 1.0, []byte{0x00, 0x00, 0x80, 0x3F}},
		{"string", TypeCharStr, "abc", []byte{3, 'a', 'b', 'c'}},
		{"octstr from string", TypeOctetStr, "\x01", []byte{1, 0x01}},
		{"string16", TypeCharStr16, "ok", []byte{2, 0, 'o', 'k'}},
		{"eui64", TypeEUI64, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, []byte{8, 7, 6, 5, 4, 3, 2, 1}},
		{"key128 raw", TypeKey128, bytes.Repeat([]byte{0xAB}, 16), bytes.Repeat([]byte{0xAB}, 16)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeValue(tt.typeID, tt.val)
			if err != nil {
				t.Fatalf("EncodeValue: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got %X, want %X", got, tt.want)
			}
		})
	}
}

func TestEncodeValueOverflow(t *testing.T) {
	tests := []struct {
		name   string
		typeID uint8
		val    interface{}
	}{
		{"uint8 overflow", TypeUint8, 256},
		{"uint16 overflow", TypeUint16, uint64(0x10000)},
		{"uint24 overflow", TypeUint24, uint64(0x1000000)},
		{"int8 overflow", TypeInt8, 128},
		{"int8 underflow", TypeInt8, -129},
		{"negative unsigned", TypeUint16, -1},
		{"fractional unsigned", TypeUint8, 1.5},
		{"wrong type", TypeBool, "yes"},
		{"long string", TypeCharStr, string(bytes.Repeat([]byte{'x'}, 255))},
		{"eui64 short", TypeEUI64, []byte{1, 2}},
		{"array", TypeArray, []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeValue(tt.typeID, tt.val); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseValueRoundTrip(t *testing.T) {
	tests := []struct {
		typeID uint8
		text   string
		want   []byte
	}{
		{TypeUint8, "0x10", []byte{0x10}},
		{TypeUint16, "300", []byte{0x2C, 0x01}},
		{TypeInt16, "-2", []byte{0xFE, 0xFF}},
		{TypeBool, "true", []byte{0x01}},
		{TypeCharStr, "lamp", []byte{4, 'l', 'a', 'm', 'p'}},
		{TypeOctetStr, "0a:0b", []byte{2, 0x0A, 0x0B}},
		{TypeEUI64, "00:12:4b:00:00:00:00:01", []byte{0x01, 0, 0, 0, 0, 0x4B, 0x12, 0x00}},
	}
	for _, tt := range tests {
		t.Run(TypeName(tt.typeID)+"/"+tt.text, func(t *testing.T) {
			v, err := ParseValue(tt.typeID, tt.text)
			if err != nil {
				t.Fatalf("ParseValue: %v", err)
			}
			got, err := EncodeValue(tt.typeID, v)
			if err != nil {
				t.Fatalf("EncodeValue: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got %X, want %X", got, tt.want)
			}
		})
	}
}

func TestTypeByName(t *testing.T) {
	tests := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"uint16", TypeUint16, false},
		{"UINT16", TypeUint16, false},
		{"0x42", TypeCharStr, false},
		{"33", TypeUint16, false},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := TypeByName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("TypeByName(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("TypeByName(%q) = 0x%02X, want 0x%02X", tt.in, got, tt.want)
		}
	}
}

func TestTypeNameUnknown(t *testing.T) {
	if got := TypeName(0xFE); got != "0xFE" {
		t.Errorf("TypeName(0xFE) = %q", got)
	}
	if got := TypeSize(0xFE); got != SizeUnknown {
		t.Errorf("TypeSize(0xFE) = %d", got)
	}
}
