// Package zdo encodes Zigbee Device Object requests and decodes their
// responses. Payloads exclude the leading transaction sequence number,
// which the radio layer prepends and matches.
package zdo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"zigbee-toolkit/internal/zigbee"
)

// ZDO cluster IDs. Responses are the request ID with bit 15 set.
const (
	NWKAddrReq           uint16 = 0x0000
	IEEEAddrReq          uint16 = 0x0001
	NodeDescReq          uint16 = 0x0002
	SimpleDescReq        uint16 = 0x0004
	ActiveEPReq          uint16 = 0x0005
	DeviceAnnce          uint16 = 0x0013
	ParentAnnce          uint16 = 0x001F
	BindReq              uint16 = 0x0021
	UnbindReq            uint16 = 0x0022
	MgmtLqiReq           uint16 = 0x0031
	MgmtRtgReq           uint16 = 0x0032
	MgmtBindReq          uint16 = 0x0033
	MgmtLeaveReq         uint16 = 0x0034
	MgmtPermitJoiningReq uint16 = 0x0036
	MgmtNWKUpdateReq     uint16 = 0x0038

	ResponseBit uint16 = 0x8000
)

// Status values.
const (
	StatusSuccess        uint8 = 0x00
	StatusInvRequest     uint8 = 0x80
	StatusDeviceNotFound uint8 = 0x81
	StatusNotSupported   uint8 = 0x84
	StatusTimeout        uint8 = 0x85
	StatusNoEntry        uint8 = 0x88
	StatusNotPermitted   uint8 = 0x8D
)

// ErrShort is returned for truncated responses.
var ErrShort = errors.New("zdo: response too short")

// StatusError reports a non-success ZDO status.
type StatusError struct {
	Cluster uint16
	Status  uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zdo 0x%04X: status 0x%02X", e.Cluster, e.Status)
}

// CheckStatus returns a *StatusError when the first payload byte is not
// SUCCESS.
func CheckStatus(cluster uint16, payload []byte) error {
	if len(payload) < 1 {
		return ErrShort
	}
	if payload[0] != StatusSuccess {
		return &StatusError{Cluster: cluster, Status: payload[0]}
	}
	return nil
}

func appendIEEE(buf []byte, ieee zigbee.IEEE) []byte {
	w := ieee.Wire()
	return append(buf, w[:]...)
}

// IEEEAddrRequest asks nwk for its extended address (single response).
func IEEEAddrRequest(nwk zigbee.NWK) []byte {
	buf := binary.LittleEndian.AppendUint16(nil, uint16(nwk))
	return append(buf, 0x00, 0x00)
}

// NWKAddrRequest asks the network for the short address of ieee.
func NWKAddrRequest(ieee zigbee.IEEE) []byte {
	return append(appendIEEE(nil, ieee), 0x00, 0x00)
}

// AddrResponse is the body of IEEE_addr_rsp and NWK_addr_rsp.
type AddrResponse struct {
	IEEE zigbee.IEEE `json:"ieee"`
	NWK  zigbee.NWK  `json:"nwk"`
}

// ParseAddrResponse decodes IEEE_addr_rsp / NWK_addr_rsp.
func ParseAddrResponse(cluster uint16, payload []byte) (*AddrResponse, error) {
	if err := CheckStatus(cluster, payload); err != nil {
		return nil, err
	}
	if len(payload) < 11 {
		return nil, ErrShort
	}
	return &AddrResponse{
		IEEE: zigbee.IEEEFromWire(payload[1:9]),
		NWK:  zigbee.NWK(binary.LittleEndian.Uint16(payload[9:11])),
	}, nil
}

// Neighbor is one Mgmt_Lqi_rsp table entry.
type Neighbor struct {
	ExtPanID     zigbee.IEEE `json:"extended_pan_id"`
	IEEE         zigbee.IEEE `json:"ieee"`
	NWK          zigbee.NWK  `json:"nwk"`
	DeviceType   string      `json:"device_type"`
	RxOnWhenIdle string      `json:"rx_on_when_idle"`
	Relationship string      `json:"relationship"`
	PermitJoin   string      `json:"permit_joining"`
	Depth        uint8       `json:"depth"`
	LQI          uint8       `json:"lqi"`
}

// TablePage is one page of a paged management table.
type TablePage[T any] struct {
	Total   int
	Start   int
	Entries []T
}

var (
	deviceTypes   = []string{"Coordinator", "Router", "EndDevice", "Unknown"}
	rxOnIdle      = []string{"Off", "On", "Unknown", "Unknown"}
	relationships = []string{"Parent", "Child", "Sibling", "None", "PreviousChild", "Unknown", "Unknown", "Unknown"}
	permitJoin    = []string{"NotAccepting", "Accepting", "Unknown", "Unknown"}
	routeStatus   = []string{"Active", "DiscoveryUnderway", "DiscoveryFailed", "Inactive", "ValidationUnderway", "Reserved", "Reserved", "Reserved"}
)

// MgmtLqiRequest requests the neighbor table starting at index.
func MgmtLqiRequest(start uint8) []byte { return []byte{start} }

// ParseMgmtLqiResponse decodes a page of the neighbor table.
func ParseMgmtLqiResponse(payload []byte) (*TablePage[Neighbor], error) {
	if err := CheckStatus(MgmtLqiReq|ResponseBit, payload); err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, ErrShort
	}
	page := &TablePage[Neighbor]{Total: int(payload[1]), Start: int(payload[2])}
	count := int(payload[3])
	const entryLen = 22
	body := payload[4:]
	if len(body) < count*entryLen {
		return nil, fmt.Errorf("zdo: lqi table: %d entries need %d bytes, have %d: %w", count, count*entryLen, len(body), ErrShort)
	}
	for i := 0; i < count; i++ {
		e := body[i*entryLen : (i+1)*entryLen]
		flags := e[18]
		page.Entries = append(page.Entries, Neighbor{
			ExtPanID:     zigbee.IEEEFromWire(e[0:8]),
			IEEE:         zigbee.IEEEFromWire(e[8:16]),
			NWK:          zigbee.NWK(binary.LittleEndian.Uint16(e[16:18])),
			DeviceType:   deviceTypes[flags&0x03],
			RxOnWhenIdle: rxOnIdle[(flags>>2)&0x03],
			Relationship: relationships[(flags>>4)&0x07],
			PermitJoin:   permitJoin[e[19]&0x03],
			Depth:        e[20],
			LQI:          e[21],
		})
	}
	return page, nil
}

// Route is one Mgmt_Rtg_rsp table entry.
type Route struct {
	Destination         zigbee.NWK `json:"destination"`
	Status              string     `json:"status"`
	MemoryConstrained   bool       `json:"memory_constrained"`
	ManyToOne           bool       `json:"many_to_one"`
	RouteRecordRequired bool       `json:"route_record_required"`
	NextHop             zigbee.NWK `json:"next_hop"`
}

// MgmtRtgRequest requests the routing table starting at index.
func MgmtRtgRequest(start uint8) []byte { return []byte{start} }

// ParseMgmtRtgResponse decodes a page of the routing table.
func ParseMgmtRtgResponse(payload []byte) (*TablePage[Route], error) {
	if err := CheckStatus(MgmtRtgReq|ResponseBit, payload); err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, ErrShort
	}
	page := &TablePage[Route]{Total: int(payload[1]), Start: int(payload[2])}
	count := int(payload[3])
	const entryLen = 5
	body := payload[4:]
	if len(body) < count*entryLen {
		return nil, fmt.Errorf("zdo: routing table: %d entries need %d bytes, have %d: %w", count, count*entryLen, len(body), ErrShort)
	}
	for i := 0; i < count; i++ {
		e := body[i*entryLen : (i+1)*entryLen]
		flags := e[2]
		page.Entries = append(page.Entries, Route{
			Destination:         zigbee.NWK(binary.LittleEndian.Uint16(e[0:2])),
			Status:              routeStatus[flags&0x07],
			MemoryConstrained:   flags&0x08 != 0,
			ManyToOne:           flags&0x10 != 0,
			RouteRecordRequired: flags&0x20 != 0,
			NextHop:             zigbee.NWK(binary.LittleEndian.Uint16(e[3:5])),
		})
	}
	return page, nil
}

// Leave option flags for Mgmt_Leave_req.
const (
	LeaveRemoveChildren uint8 = 0x40
	LeaveRejoin         uint8 = 0x80
)

// MgmtLeaveRequest asks the target to remove ieee (itself or a child).
func MgmtLeaveRequest(ieee zigbee.IEEE, flags uint8) []byte {
	return append(appendIEEE(nil, ieee), flags)
}

// MgmtPermitJoiningRequest opens joining on the target for duration seconds.
func MgmtPermitJoiningRequest(duration uint8) []byte {
	return []byte{duration, 0x01}
}

// Channel mask helpers.
const AllChannels uint32 = 0x07FFF800

// ChannelMask returns the mask with only channel set.
func ChannelMask(channel uint8) uint32 { return 1 << channel }

// MgmtNWKUpdateRequest builds Mgmt_NWK_Update_req. scanDuration 0xFE
// changes channel, 0xFF updates the network manager and update id.
func MgmtNWKUpdateRequest(channels uint32, scanDuration uint8, updateID uint8, manager zigbee.NWK) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, channels)
	buf = append(buf, scanDuration)
	switch {
	case scanDuration <= 0x05:
		buf = append(buf, 1) // scan count
	case scanDuration == 0xFE:
		buf = append(buf, updateID)
	case scanDuration == 0xFF:
		buf = append(buf, updateID)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(manager))
	}
	return buf
}

// ParentAnnceRequest announces the given children as ours.
func ParentAnnceRequest(children []zigbee.IEEE) []byte {
	buf := []byte{uint8(len(children))}
	for _, c := range children {
		buf = appendIEEE(buf, c)
	}
	return buf
}

// Binding destination address modes.
const (
	AddrModeGroup uint8 = 0x01
	AddrModeIEEE  uint8 = 0x03
)

// Binding describes one Bind_req / Unbind_req.
type Binding struct {
	SrcIEEE   zigbee.IEEE `json:"src_ieee"`
	SrcEP     uint8       `json:"src_endpoint"`
	ClusterID uint16      `json:"cluster_id"`
	DstMode   uint8       `json:"dst_addr_mode"`
	DstIEEE   zigbee.IEEE `json:"dst_ieee,omitempty"`
	DstEP     uint8       `json:"dst_endpoint,omitempty"`
	DstGroup  uint16      `json:"dst_group,omitempty"`
}

// BindRequest encodes a Bind_req or Unbind_req payload.
func BindRequest(b Binding) []byte {
	buf := appendIEEE(nil, b.SrcIEEE)
	buf = append(buf, b.SrcEP)
	buf = binary.LittleEndian.AppendUint16(buf, b.ClusterID)
	buf = append(buf, b.DstMode)
	if b.DstMode == AddrModeGroup {
		return binary.LittleEndian.AppendUint16(buf, b.DstGroup)
	}
	buf = appendIEEE(buf, b.DstIEEE)
	return append(buf, b.DstEP)
}

// MgmtBindRequest requests the binding table starting at index.
func MgmtBindRequest(start uint8) []byte { return []byte{start} }

// ParseMgmtBindResponse decodes a page of the binding table.
func ParseMgmtBindResponse(payload []byte) (*TablePage[Binding], error) {
	if err := CheckStatus(MgmtBindReq|ResponseBit, payload); err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, ErrShort
	}
	page := &TablePage[Binding]{Total: int(payload[1]), Start: int(payload[2])}
	count := int(payload[3])
	body := payload[4:]
	for i := 0; i < count; i++ {
		if len(body) < 12 {
			return nil, fmt.Errorf("zdo: binding table entry %d: %w", i, ErrShort)
		}
		b := Binding{
			SrcIEEE:   zigbee.IEEEFromWire(body[0:8]),
			SrcEP:     body[8],
			ClusterID: binary.LittleEndian.Uint16(body[9:11]),
			DstMode:   body[11],
		}
		body = body[12:]
		switch b.DstMode {
		case AddrModeGroup:
			if len(body) < 2 {
				return nil, fmt.Errorf("zdo: binding table entry %d: %w", i, ErrShort)
			}
			b.DstGroup = binary.LittleEndian.Uint16(body[0:2])
			body = body[2:]
		case AddrModeIEEE:
			if len(body) < 9 {
				return nil, fmt.Errorf("zdo: binding table entry %d: %w", i, ErrShort)
			}
			b.DstIEEE = zigbee.IEEEFromWire(body[0:8])
			b.DstEP = body[8]
			body = body[9:]
		default:
			return nil, fmt.Errorf("zdo: binding table entry %d: unknown address mode 0x%02X", i, b.DstMode)
		}
		page.Entries = append(page.Entries, b)
	}
	return page, nil
}
