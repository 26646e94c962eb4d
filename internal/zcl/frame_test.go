package zcl

import (
	"bytes"
	"testing"
)

func TestFrameMarshalParse(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
		wire  []byte
	}{
		{
			"global read",
			NewGlobal(7, FoundationReadAttributes, 0, []byte{0x04, 0x00}),
			[]byte{0x00, 0x07, 0x00, 0x04, 0x00},
		},
		{
			"manufacturer specific",
			NewGlobal(1, FoundationReadAttributes, 0x115F, []byte{0xF7, 0xFF}),
			[]byte{0x04, 0x5F, 0x11, 0x01, 0x00, 0xF7, 0xFF},
		},
		{
			"cluster command server to client",
			NewClusterCommand(9, CmdOTAImageNotify, true, 0, []byte{0x00, 0x64}),
			[]byte{0x09, 0x09, 0x00, 0x00, 0x64},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.frame.Marshal()
			if !bytes.Equal(got, tt.wire) {
				t.Fatalf("Marshal = %X, want %X", got, tt.wire)
			}
			back, err := ParseFrame(got)
			if err != nil {
				t.Fatal(err)
			}
			if back.Header != tt.frame.Header {
				t.Errorf("header = %+v, want %+v", back.Header, tt.frame.Header)
			}
			if !bytes.Equal(back.Payload, tt.frame.Payload) {
				t.Errorf("payload = %X, want %X", back.Payload, tt.frame.Payload)
			}
		})
	}
}

func TestParseFrameShort(t *testing.T) {
	for _, data := range [][]byte{nil, {0x00, 0x01}, {0x04, 0x5F, 0x11, 0x01}} {
		if _, err := ParseFrame(data); err == nil {
			t.Errorf("ParseFrame(%X) expected error", data)
		}
	}
}

func TestFrameControlDisableDefaultResponse(t *testing.T) {
	h := Header{FrameType: FrameTypeCluster, DisableDefaultResponse: true}
	if fc := h.FrameControl(); fc != 0x11 {
		t.Errorf("FrameControl = 0x%02X, want 0x11", fc)
	}
}
