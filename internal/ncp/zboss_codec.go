package ncp

// ZBOSS NCP serial protocol: LL/HL frame codec, CRC8/CRC16, command IDs.
// Reference: Wireshark ZBOSS NCP dissector (packet-zbncp.c/h).

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"zigbee-toolkit/internal/zigbee"
)

const (
	zbossSig0         = 0xDE
	zbossSig1         = 0xAD
	zbossLLHeaderSize = 7 // sig(2) + len(2) + type(1) + flags(1) + crc8(1)
	zbossBodyCRCSize  = 2
	zbossMaxFrameSize = 1024
)

// LL packet type (always 0x06 for NCP API HL; ACK vs DATA is in flags).
const zbossLLType uint8 = 0x06

// LL flags.
const (
	zbossFlagACK         = 0x01
	zbossFlagRetrans     = 0x02
	zbossFlagPktSeqMask  = 0x0C
	zbossFlagPktSeqShift = 2
	zbossFlagAckSeqMask  = 0x30
	zbossFlagAckSeqShift = 4
	zbossFlagFirstFrag   = 0x40
	zbossFlagLastFrag    = 0x80
)

// HL packet types.
const (
	zbossHLVersion    uint8 = 0x00
	zbossHLRequest    uint8 = 0x00
	zbossHLResponse   uint8 = 0x01
	zbossHLIndication uint8 = 0x02
)

const (
	zbossCmdGetModuleVersion uint16 = 0x0001
	zbossCmdNCPReset         uint16 = 0x0002
	zbossCmdGetZigbeeRole    uint16 = 0x0004
	zbossCmdSetZigbeeRole    uint16 = 0x0005
	zbossCmdGetChannelMask   uint16 = 0x0006
	zbossCmdSetChannelMask   uint16 = 0x0007
	zbossCmdGetChannel       uint16 = 0x0008
	zbossCmdGetPanID         uint16 = 0x0009
	zbossCmdSetPanID         uint16 = 0x000A
	zbossCmdGetLocalIEEE     uint16 = 0x000B
	zbossCmdGetTXPower       uint16 = 0x0010
	zbossCmdGetRxOnWhenIdle  uint16 = 0x0012
	zbossCmdSetRxOnWhenIdle  uint16 = 0x0013
	zbossCmdGetEDTimeout     uint16 = 0x0016
	zbossCmdSetEDTimeout     uint16 = 0x0017
	zbossCmdSetNwkKey        uint16 = 0x001B
	zbossCmdGetNwkKeys       uint16 = 0x001E
	zbossCmdGetExtPanID      uint16 = 0x0023
	zbossCmdNCPResetInd      uint16 = 0x002B
	zbossCmdSetTCPolicy      uint16 = 0x0032
	zbossCmdSetExtPanID      uint16 = 0x0033
	zbossCmdSetMaxChildren   uint16 = 0x0034
	zbossCmdGetMaxChildren   uint16 = 0x0035

	zbossCmdAFSetSimpleDesc uint16 = 0x0101

	zbossCmdZDOSimpleDescReq    uint16 = 0x0205
	zbossCmdZDOActiveEPReq      uint16 = 0x0206
	zbossCmdZDOBindReq          uint16 = 0x0208
	zbossCmdZDOUnbindReq        uint16 = 0x0209
	zbossCmdZDOMgmtLeaveReq     uint16 = 0x020A
	zbossCmdZDOPermitJoiningReq uint16 = 0x020B
	zbossCmdZDODevAnnceInd      uint16 = 0x020C
	zbossCmdZDODevAuthorizedInd uint16 = 0x0214
	zbossCmdZDODevUpdateInd     uint16 = 0x0215

	zbossCmdAPSDEDataReq uint16 = 0x0301
	zbossCmdAPSDEDataInd uint16 = 0x0306

	zbossCmdNwkFormation        uint16 = 0x0401
	zbossCmdNwkDiscovery        uint16 = 0x0402
	zbossCmdNwkGetIEEEByShort   uint16 = 0x0405
	zbossCmdNwkGetShortByIEEE   uint16 = 0x0406
	zbossCmdNwkStartedInd       uint16 = 0x0408
	zbossCmdNwkLeaveInd         uint16 = 0x040B
	zbossCmdNwkAddrUpdateInd    uint16 = 0x041C
	zbossCmdNwkStartWithoutForm uint16 = 0x041D

	zbossCmdSecurTCLKInd             uint16 = 0x050E
	zbossCmdSecurTCLKExchangeFailInd uint16 = 0x050F
)

var zbossCmdNames = map[uint16]string{
	zbossCmdGetModuleVersion:         "GetModuleVersion",
	zbossCmdNCPReset:                 "NCPReset",
	zbossCmdGetZigbeeRole:            "GetZigbeeRole",
	zbossCmdSetZigbeeRole:            "SetZigbeeRole",
	zbossCmdGetChannelMask:           "GetChannelMask",
	zbossCmdSetChannelMask:           "SetChannelMask",
	zbossCmdGetChannel:               "GetChannel",
	zbossCmdGetPanID:                 "GetPanID",
	zbossCmdSetPanID:                 "SetPanID",
	zbossCmdGetLocalIEEE:             "GetLocalIEEE",
	zbossCmdGetTXPower:               "GetTXPower",
	zbossCmdGetRxOnWhenIdle:          "GetRxOnWhenIdle",
	zbossCmdSetRxOnWhenIdle:          "SetRxOnWhenIdle",
	zbossCmdGetEDTimeout:             "GetEDTimeout",
	zbossCmdSetEDTimeout:             "SetEDTimeout",
	zbossCmdSetNwkKey:                "SetNwkKey",
	zbossCmdGetNwkKeys:               "GetNwkKeys",
	zbossCmdGetExtPanID:              "GetExtPanID",
	zbossCmdNCPResetInd:              "NCPResetInd",
	zbossCmdSetTCPolicy:              "SetTCPolicy",
	zbossCmdSetExtPanID:              "SetExtPanID",
	zbossCmdSetMaxChildren:           "SetMaxChildren",
	zbossCmdGetMaxChildren:           "GetMaxChildren",
	zbossCmdAFSetSimpleDesc:          "AFSetSimpleDesc",
	zbossCmdZDOSimpleDescReq:         "ZDO_SimpleDesc",
	zbossCmdZDOActiveEPReq:           "ZDO_ActiveEP",
	zbossCmdZDOBindReq:               "ZDO_Bind",
	zbossCmdZDOUnbindReq:             "ZDO_Unbind",
	zbossCmdZDOMgmtLeaveReq:          "ZDO_MgmtLeave",
	zbossCmdZDOPermitJoiningReq:      "ZDO_PermitJoin",
	zbossCmdZDODevAnnceInd:           "ZDO_DevAnnce",
	zbossCmdZDODevAuthorizedInd:      "ZDO_DevAuthorized",
	zbossCmdZDODevUpdateInd:          "ZDO_DevUpdate",
	zbossCmdAPSDEDataReq:             "APSDE_DataReq",
	zbossCmdAPSDEDataInd:             "APSDE_DataInd",
	zbossCmdNwkFormation:             "NwkFormation",
	zbossCmdNwkDiscovery:             "NwkDiscovery",
	zbossCmdNwkGetIEEEByShort:        "NwkGetIEEEByShort",
	zbossCmdNwkGetShortByIEEE:        "NwkGetShortByIEEE",
	zbossCmdNwkStartedInd:            "NwkStartedInd",
	zbossCmdNwkLeaveInd:              "NwkLeaveInd",
	zbossCmdNwkAddrUpdateInd:         "NwkAddrUpdateInd",
	zbossCmdNwkStartWithoutForm:      "NwkStartWithoutForm",
	zbossCmdSecurTCLKInd:             "SECUR_TCLK_IND",
	zbossCmdSecurTCLKExchangeFailInd: "SECUR_TCLK_EXCHANGE_FAILED_IND",
}

func zbossCmdName(id uint16) string {
	if name, ok := zbossCmdNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}

// Response status categories.
const (
	zbossStatusGeneric uint8 = 0x00
	zbossStatusMAC     uint8 = 0x02
	zbossStatusNWK     uint8 = 0x03
	zbossStatusAPS     uint8 = 0x04
	zbossStatusZDO     uint8 = 0x05
	zbossStatusCBKE    uint8 = 0x06
)

// zbossMACNoBeacon is returned by NwkDiscovery when nothing answered.
const zbossMACNoBeacon uint8 = 0xEA

func zbossStatusName(cat, code uint8) string {
	if cat == zbossStatusGeneric && code == 0 {
		return "OK"
	}
	var catName string
	switch cat {
	case zbossStatusMAC:
		catName = "MAC"
	case zbossStatusNWK:
		catName = "NWK"
	case zbossStatusAPS:
		catName = "APS"
	case zbossStatusZDO:
		catName = "ZDO"
	case zbossStatusCBKE:
		catName = "CBKE"
	default:
		catName = "Generic"
	}
	return fmt.Sprintf("%s/%d(0x%02X)", catName, code, code)
}

// StatusError is a non-OK HL response status.
type StatusError struct {
	Cmd      string
	Category uint8
	Code     uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zboss %s: %s", e.Cmd, zbossStatusName(e.Category, e.Code))
}

// ZBOSS DeviceRole enum: ZC=0, ZR=1, ZED=2.
const zbossRoleCoordinator uint8 = 0x00

// ZDO device update status values.
const (
	zbossDevUpdateSecureRejoin uint8 = 0x00
	zbossDevUpdateUnsecureJoin uint8 = 0x01
	zbossDevUpdateLeft         uint8 = 0x02
	zbossDevUpdateTCRejoin     uint8 = 0x03
)

var zbossDevUpdateNames = map[uint8]string{
	zbossDevUpdateSecureRejoin: "secure_rejoin",
	zbossDevUpdateUnsecureJoin: "unsecure_join",
	zbossDevUpdateLeft:         "left",
	zbossDevUpdateTCRejoin:     "tc_rejoin",
}

// TC policy types for SET_TC_POLICY.
const (
	zbossTCPolicyLinkKeysRequired      uint16 = 0x0000
	zbossTCPolicyICRequired            uint16 = 0x0001
	zbossTCPolicyTCRejoinEnabled       uint16 = 0x0002
	zbossTCPolicyIgnoreTCRejoin        uint16 = 0x0003
	zbossTCPolicyAPSInsecureJoin       uint16 = 0x0004
	zbossTCPolicyDisableNwkMgmtChanUpd uint16 = 0x0005
)

// APSDE address modes.
const (
	zbossAddrModeGroup uint8 = 0x01
	zbossAddrModeShort uint8 = 0x02
	zbossAddrModeIEEE  uint8 = 0x03
)

// APSDE tx options.
const (
	zbossTxOptSecured uint8 = 0x01
	zbossTxOptACK     uint8 = 0x04
)

const zbossDefaultRadius uint8 = 30

type zbossLLHeader struct {
	Length uint16
	Type   uint8
	Flags  uint8
}

type zbossHLHeader struct {
	Version    uint8
	PacketType uint8
	CallID     uint16
	TSN        uint8 // request/response only
	StatusCat  uint8 // response only
	StatusCode uint8 // response only
}

func (h zbossHLHeader) ok() bool {
	return h.StatusCat == 0 && h.StatusCode == 0
}

// zbossFrame is a parsed ZBOSS NCP frame.
type zbossFrame struct {
	LL      zbossLLHeader
	HL      zbossHLHeader
	Payload []byte
}

func zbossLLPktSeq(flags uint8) uint8 { return (flags >> zbossFlagPktSeqShift) & 0x03 }
func zbossLLAckSeq(flags uint8) uint8 { return (flags >> zbossFlagAckSeqShift) & 0x03 }
func zbossLLIsACK(flags uint8) bool   { return flags&zbossFlagACK != 0 }

// CRC-8/KOOP over the LL header: reflected poly 0xB2, init and xorout 0xFF.
// CRC-16/KERMIT over the HL body: reflected poly 0x8408, init and xorout 0.
var (
	crc8Table  [256]uint8
	crc16Table [256]uint16
)

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = (c8 >> 1) ^ 0xB2
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = (c16 >> 1) ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func zbossCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func zbossCRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[uint8(crc)^b]
	}
	return crc
}

// zbossEncodeRequest builds a full ZBOSS frame carrying an HL request.
func zbossEncodeRequest(callID uint16, tsn, pktSeq uint8, payload []byte) []byte {
	hl := make([]byte, 5, 5+len(payload))
	hl[0] = zbossHLVersion
	hl[1] = zbossHLRequest
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	hl[4] = tsn
	hl = append(hl, payload...)
	return zbossEncodeDataFrame(pktSeq, hl)
}

func zbossEncodeDataFrame(pktSeq uint8, hl []byte) []byte {
	// The LL length counts itself, type, flags, crc8 and the body.
	llSize := uint16(5 + zbossBodyCRCSize + len(hl))
	frame := make([]byte, 2+int(llSize))
	frame[0] = zbossSig0
	frame[1] = zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], llSize)
	frame[4] = zbossLLType
	frame[5] = zbossFlagFirstFrag | zbossFlagLastFrag | (pktSeq<<zbossFlagPktSeqShift)&zbossFlagPktSeqMask
	frame[6] = zbossCRC8(frame[2:6])
	binary.LittleEndian.PutUint16(frame[7:9], zbossCRC16(hl))
	copy(frame[9:], hl)
	return frame
}

// zbossEncodeACK builds a body-less LL ACK frame.
func zbossEncodeACK(ackSeq uint8) []byte {
	frame := []byte{zbossSig0, zbossSig1, 5, 0, zbossLLType, zbossFlagACK | (ackSeq<<zbossFlagAckSeqShift)&zbossFlagAckSeqMask, 0}
	frame[6] = zbossCRC8(frame[2:6])
	return frame
}

var errZBOSSFrameTooLarge = errors.New("zboss: frame exceeds maximum size")

// readRawZBOSSFrame scans r for the next signature and returns one complete
// frame, signature included. Garbage before the signature is skipped.
func readRawZBOSSFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != zbossSig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != zbossSig1 {
			continue
		}
		_, _ = r.ReadByte()
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		size := binary.LittleEndian.Uint16(lenBuf[:])
		if size < 5 {
			continue
		}
		if int(size)+2 > zbossMaxFrameSize {
			return nil, errZBOSSFrameTooLarge
		}
		frame := make([]byte, 2+int(size))
		frame[0], frame[1] = zbossSig0, zbossSig1
		copy(frame[2:4], lenBuf[:])
		if _, err := io.ReadFull(r, frame[4:]); err != nil {
			return nil, err
		}
		return frame, nil
	}
}

// zbossDecodeFrame parses a complete frame including the signature.
func zbossDecodeFrame(data []byte) (*zbossFrame, error) {
	if len(data) < zbossLLHeaderSize {
		return nil, fmt.Errorf("zboss: frame too short: %d bytes", len(data))
	}
	if data[0] != zbossSig0 || data[1] != zbossSig1 {
		return nil, fmt.Errorf("zboss: bad signature: 0x%02X%02X", data[0], data[1])
	}
	if got := zbossCRC8(data[2:6]); data[6] != got {
		return nil, fmt.Errorf("zboss: LL CRC8 mismatch: got 0x%02X, want 0x%02X", data[6], got)
	}
	f := &zbossFrame{LL: zbossLLHeader{
		Length: binary.LittleEndian.Uint16(data[2:4]),
		Type:   data[4],
		Flags:  data[5],
	}}
	if f.LL.Type != zbossLLType {
		return nil, fmt.Errorf("zboss: unexpected LL type: 0x%02X", f.LL.Type)
	}
	end := int(f.LL.Length) + 2
	if end > len(data) {
		return nil, fmt.Errorf("zboss: frame truncated: need %d, have %d", end, len(data))
	}
	if zbossLLIsACK(f.LL.Flags) {
		return f, nil
	}

	body := data[zbossLLHeaderSize:end]
	if len(body) < zbossBodyCRCSize+4 {
		return nil, fmt.Errorf("zboss: body too short: %d bytes", len(body))
	}
	hl := body[zbossBodyCRCSize:]
	if want, got := binary.LittleEndian.Uint16(body[:2]), zbossCRC16(hl); want != got {
		return nil, fmt.Errorf("zboss: body CRC16 mismatch: got 0x%04X, want 0x%04X", want, got)
	}

	f.HL.Version = hl[0]
	f.HL.PacketType = hl[1]
	f.HL.CallID = binary.LittleEndian.Uint16(hl[2:4])
	var pos int
	switch f.HL.PacketType {
	case zbossHLRequest:
		pos = 5
	case zbossHLResponse:
		pos = 7
	case zbossHLIndication:
		pos = 4
	default:
		return nil, fmt.Errorf("zboss: unknown HL packet type: 0x%02X", f.HL.PacketType)
	}
	if len(hl) < pos {
		return nil, fmt.Errorf("zboss: HL header truncated for packet type %d", f.HL.PacketType)
	}
	if pos >= 5 {
		f.HL.TSN = hl[4]
	}
	if pos == 7 {
		f.HL.StatusCat = hl[5]
		f.HL.StatusCode = hl[6]
	}
	if pos < len(hl) {
		f.Payload = append([]byte(nil), hl[pos:]...)
	}
	return f, nil
}

// apsDataReq is the APSDE_DATA_REQ parameter block.
type apsDataReq struct {
	DstMode   uint8
	DstShort  zigbee.NWK
	DstGroup  uint16
	ProfileID uint16
	ClusterID uint16
	DstEP     uint8
	SrcEP     uint8
	Radius    uint8
	TxOptions uint8
	Data      []byte
}

const apsDataReqHeaderSize = 24

// marshal encodes: param_len(1) + data_len(2) + dst_addr(8) + profile(2) +
// cluster(2) + dst_ep(1) + src_ep(1) + radius(1) + dst_mode(1) +
// tx_options(1) + use_alias(1) + alias_src(2) + alias_seq(1) + data.
func (r apsDataReq) marshal() []byte {
	buf := make([]byte, apsDataReqHeaderSize+len(r.Data))
	buf[0] = apsDataReqHeaderSize - 3
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(r.Data)))
	// dst_addr is an 8-byte union; short and group use its first two bytes.
	if r.DstMode == zbossAddrModeGroup {
		binary.LittleEndian.PutUint16(buf[3:5], r.DstGroup)
	} else {
		binary.LittleEndian.PutUint16(buf[3:5], uint16(r.DstShort))
	}
	binary.LittleEndian.PutUint16(buf[11:13], r.ProfileID)
	binary.LittleEndian.PutUint16(buf[13:15], r.ClusterID)
	buf[15] = r.DstEP
	buf[16] = r.SrcEP
	buf[17] = r.Radius
	buf[18] = r.DstMode
	buf[19] = r.TxOptions
	copy(buf[apsDataReqHeaderSize:], r.Data)
	return buf
}

// apsDataInd is a decoded APSDE_DATA_IND.
type apsDataInd struct {
	SrcAddr   zigbee.NWK
	DstAddr   zigbee.NWK
	GroupAddr uint16
	DstEP     uint8
	SrcEP     uint8
	ClusterID uint16
	ProfileID uint16
	LQI       uint8
	RSSI      int8
	Data      []byte
}

// parseAPSDataInd decodes: param_len(1) + data_len(2) + aps_fc(1) +
// src_nwk(2) + dst_nwk(2) + group(2) + dst_ep(1) + src_ep(1) + cluster(2) +
// profile(2) + aps_counter(1) + src_mac(2) + dst_mac(2) + lqi(1) + rssi(1) +
// key_attr(1) + data.
func parseAPSDataInd(p []byte) (*apsDataInd, error) {
	const hdr = 24
	if len(p) < hdr {
		return nil, fmt.Errorf("zboss: APSDE_DATA_IND too short: %d bytes", len(p))
	}
	dataLen := int(binary.LittleEndian.Uint16(p[1:3]))
	if len(p) < hdr+dataLen {
		return nil, fmt.Errorf("zboss: APSDE_DATA_IND data truncated: need %d, have %d", hdr+dataLen, len(p))
	}
	return &apsDataInd{
		SrcAddr:   zigbee.NWK(binary.LittleEndian.Uint16(p[4:6])),
		DstAddr:   zigbee.NWK(binary.LittleEndian.Uint16(p[6:8])),
		GroupAddr: binary.LittleEndian.Uint16(p[8:10]),
		DstEP:     p[10],
		SrcEP:     p[11],
		ClusterID: binary.LittleEndian.Uint16(p[12:14]),
		ProfileID: binary.LittleEndian.Uint16(p[14:16]),
		LQI:       p[21],
		RSSI:      int8(p[22]),
		Data:      p[hdr : hdr+dataLen],
	}, nil
}

// simpleDescPayload builds AF_SET_SIMPLE_DESC.
func simpleDescPayload(sd SimpleDescriptor) []byte {
	buf := make([]byte, 8, 8+2*(len(sd.InClusters)+len(sd.OutClusters)))
	buf[0] = sd.Endpoint
	binary.LittleEndian.PutUint16(buf[1:3], sd.ProfileID)
	binary.LittleEndian.PutUint16(buf[3:5], sd.DeviceID)
	buf[6] = uint8(len(sd.InClusters))
	buf[7] = uint8(len(sd.OutClusters))
	for _, c := range append(append([]uint16(nil), sd.InClusters...), sd.OutClusters...) {
		buf = binary.LittleEndian.AppendUint16(buf, c)
	}
	return buf
}

// parseSimpleDesc decodes the ZDO_SIMPLE_DESC_REQ response: ep(1) +
// profile(2) + device(2) + version(1) + in_count(1) + out_count(1) +
// clusters + nwk_addr(2).
func parseSimpleDesc(p []byte) (*SimpleDescriptor, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("zboss: simple desc response too short: %d bytes", len(p))
	}
	sd := &SimpleDescriptor{
		Endpoint:  p[0],
		ProfileID: binary.LittleEndian.Uint16(p[1:3]),
		DeviceID:  binary.LittleEndian.Uint16(p[3:5]),
	}
	in, out := int(p[6]), int(p[7])
	if len(p) < 8+2*(in+out) {
		return nil, fmt.Errorf("zboss: simple desc clusters truncated")
	}
	pos := 8
	for i := 0; i < in; i++ {
		sd.InClusters = append(sd.InClusters, binary.LittleEndian.Uint16(p[pos:]))
		pos += 2
	}
	for i := 0; i < out; i++ {
		sd.OutClusters = append(sd.OutClusters, binary.LittleEndian.Uint16(p[pos:]))
		pos += 2
	}
	return sd, nil
}

// bindPayload builds ZDO_BIND_REQ / ZDO_UNBIND_REQ: target(2) + src_ieee(8) +
// src_ep(1) + cluster(2) + dst_mode(1) + dst_addr(8) + dst_ep(1).
func bindPayload(req BindRequest) []byte {
	buf := make([]byte, 23)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(req.Target))
	src := req.SrcIEEE.Wire()
	copy(buf[2:10], src[:])
	buf[10] = req.SrcEP
	binary.LittleEndian.PutUint16(buf[11:13], req.ClusterID)
	switch req.DstMode {
	case BindDstGroup:
		buf[13] = zbossAddrModeGroup
		binary.LittleEndian.PutUint16(buf[14:16], req.DstGroup)
	default:
		buf[13] = zbossAddrModeIEEE
		dst := req.DstIEEE.Wire()
		copy(buf[14:22], dst[:])
		buf[22] = req.DstEP
	}
	return buf
}

// parseScanResults decodes NWK_DISCOVERY results: count(1) + count * 16-byte
// descriptors of ext_pan(8) + pan(2) + update_id(1) + page(1) + channel(1) +
// flags(1) + lqi(1) + rssi(1).
func parseScanResults(p []byte) []NetworkScanResult {
	if len(p) < 1 {
		return nil
	}
	const descSize = 16
	count := int(p[0])
	results := make([]NetworkScanResult, 0, count)
	for i := 0; i < count; i++ {
		off := 1 + i*descSize
		if off+descSize > len(p) {
			break
		}
		d := p[off : off+descSize]
		flags := d[13]
		results = append(results, NetworkScanResult{
			ExtPanID:     zigbee.IEEEFromWire(d[0:8]),
			PanID:        binary.LittleEndian.Uint16(d[8:10]),
			UpdateID:     d[10],
			Channel:      d[12],
			PermitJoin:   flags&0x01 != 0,
			RouterCap:    flags&0x02 != 0,
			EDCap:        flags&0x04 != 0,
			StackProfile: flags >> 4,
			LQI:          d[14],
			RSSI:         int8(d[15]),
		})
	}
	return results
}
