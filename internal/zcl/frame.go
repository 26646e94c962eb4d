package zcl

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame types (frame control bits 0-1).
const (
	FrameTypeGlobal  uint8 = 0x00
	FrameTypeCluster uint8 = 0x01
)

// Frame control flags.
const (
	flagManufacturerSpecific uint8 = 0x04
	flagServerToClient       uint8 = 0x08
	flagDisableDefaultResp   uint8 = 0x10
)

// ErrShortFrame is returned when a frame is too short to hold its header.
var ErrShortFrame = errors.New("zcl: frame too short")

// Header is the ZCL frame header.
type Header struct {
	FrameType              uint8
	ManufacturerSpecific   bool
	ServerToClient         bool
	DisableDefaultResponse bool
	Manufacturer           uint16
	Seq                    uint8
	CommandID              uint8
}

// Frame is a ZCL header plus its command payload.
type Frame struct {
	Header
	Payload []byte
}

// FrameControl returns the encoded frame control byte.
func (h Header) FrameControl() uint8 {
	fc := h.FrameType & 0x03
	if h.ManufacturerSpecific {
		fc |= flagManufacturerSpecific
	}
	if h.ServerToClient {
		fc |= flagServerToClient
	}
	if h.DisableDefaultResponse {
		fc |= flagDisableDefaultResp
	}
	return fc
}

// IsGlobal reports whether the frame carries a foundation command.
func (h Header) IsGlobal() bool {
	return h.FrameType == FrameTypeGlobal
}

// Marshal encodes the frame to wire bytes.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, 0, 5+len(f.Payload))
	buf = append(buf, f.FrameControl())
	if f.ManufacturerSpecific {
		buf = binary.LittleEndian.AppendUint16(buf, f.Manufacturer)
	}
	buf = append(buf, f.Seq, f.CommandID)
	return append(buf, f.Payload...)
}

// ParseFrame decodes a ZCL frame. The payload aliases data.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < 3 {
		return nil, ErrShortFrame
	}
	fc := data[0]
	f := &Frame{Header: Header{
		FrameType:              fc & 0x03,
		ManufacturerSpecific:   fc&flagManufacturerSpecific != 0,
		ServerToClient:         fc&flagServerToClient != 0,
		DisableDefaultResponse: fc&flagDisableDefaultResp != 0,
	}}
	pos := 1
	if f.ManufacturerSpecific {
		if len(data) < 5 {
			return nil, ErrShortFrame
		}
		f.Manufacturer = binary.LittleEndian.Uint16(data[1:3])
		pos = 3
	}
	f.Seq = data[pos]
	f.CommandID = data[pos+1]
	f.Payload = data[pos+2:]
	return f, nil
}

// NewGlobal builds a foundation command frame sent client to server.
func NewGlobal(seq, commandID uint8, manufacturer uint16, payload []byte) *Frame {
	return &Frame{
		Header: Header{
			FrameType:            FrameTypeGlobal,
			ManufacturerSpecific: manufacturer != 0,
			Manufacturer:         manufacturer,
			Seq:                  seq,
			CommandID:            commandID,
		},
		Payload: payload,
	}
}

// NewClusterCommand builds a cluster-specific command frame.
func NewClusterCommand(seq, commandID uint8, serverToClient bool, manufacturer uint16, payload []byte) *Frame {
	return &Frame{
		Header: Header{
			FrameType:            FrameTypeCluster,
			ManufacturerSpecific: manufacturer != 0,
			ServerToClient:       serverToClient,
			Manufacturer:         manufacturer,
			Seq:                  seq,
			CommandID:            commandID,
		},
		Payload: payload,
	}
}

func (f *Frame) String() string {
	kind := "cluster"
	if f.IsGlobal() {
		kind = "global"
	}
	return fmt.Sprintf("zcl %s cmd=0x%02X seq=%d len=%d", kind, f.CommandID, f.Seq, len(f.Payload))
}
