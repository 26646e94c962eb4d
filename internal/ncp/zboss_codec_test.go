package ncp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"zigbee-toolkit/internal/zigbee"
)

func TestCRC8(t *testing.T) {
	// init=0xFF and xorout=0xFF cancel on empty input.
	if got := zbossCRC8(nil); got != 0x00 {
		t.Errorf("CRC8(nil) = 0x%02X, want 0x00", got)
	}
	a := zbossCRC8([]byte{0x05, 0x00, 0x06, 0xC4})
	b := zbossCRC8([]byte{0x05, 0x00, 0x06, 0xC8})
	if a == b {
		t.Error("CRC8 should differ for different flags")
	}
}

func TestCRC16Kermit(t *testing.T) {
	// CRC-16/KERMIT check value for "123456789" is 0x2189.
	if got := zbossCRC16([]byte("123456789")); got != 0x2189 {
		t.Errorf("CRC16 = 0x%04X, want 0x2189", got)
	}
	if got := zbossCRC16(nil); got != 0 {
		t.Errorf("CRC16(nil) = 0x%04X, want 0", got)
	}
}

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	encoded := zbossEncodeRequest(zbossCmdAPSDEDataReq, 42, 1, payload)

	decoded, err := zbossDecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded.HL.PacketType != zbossHLRequest {
		t.Errorf("PacketType: got %d, want %d", decoded.HL.PacketType, zbossHLRequest)
	}
	if decoded.HL.CallID != zbossCmdAPSDEDataReq {
		t.Errorf("CallID: got 0x%04X", decoded.HL.CallID)
	}
	if decoded.HL.TSN != 42 {
		t.Errorf("TSN: got %d, want 42", decoded.HL.TSN)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("Payload: got %X, want %X", decoded.Payload, payload)
	}
	if zbossLLPktSeq(decoded.LL.Flags) != 1 {
		t.Errorf("PktSeq: got %d, want 1", zbossLLPktSeq(decoded.LL.Flags))
	}
}

func TestEncodeDecodeACK(t *testing.T) {
	for seq := uint8(0); seq < 4; seq++ {
		decoded, err := zbossDecodeFrame(zbossEncodeACK(seq))
		if err != nil {
			t.Fatalf("seq=%d decode error: %v", seq, err)
		}
		if !zbossLLIsACK(decoded.LL.Flags) {
			t.Errorf("seq=%d: not an ACK frame", seq)
		}
		if got := zbossLLAckSeq(decoded.LL.Flags); got != seq {
			t.Errorf("seq=%d: AckSeq got %d", seq, got)
		}
	}
}

// responseFrame builds an NCP response frame as the firmware would send it.
func responseFrame(callID uint16, tsn, cat, code uint8, payload []byte) []byte {
	hl := []byte{zbossHLVersion, zbossHLResponse, 0, 0, tsn, cat, code}
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	return zbossEncodeDataFrame(2, append(hl, payload...))
}

func TestDecodeResponse(t *testing.T) {
	decoded, err := zbossDecodeFrame(responseFrame(zbossCmdGetPanID, 7, zbossStatusMAC, 0xEA, []byte{0x34, 0x12}))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded.HL.TSN != 7 || decoded.HL.StatusCat != zbossStatusMAC || decoded.HL.StatusCode != 0xEA {
		t.Errorf("header: %+v", decoded.HL)
	}
	if decoded.HL.ok() {
		t.Error("ok() should be false for MAC status")
	}
	if !bytes.Equal(decoded.Payload, []byte{0x34, 0x12}) {
		t.Errorf("payload: %X", decoded.Payload)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	badCRC8 := zbossEncodeACK(0)
	badCRC8[6] ^= 0xFF
	badCRC16 := zbossEncodeRequest(zbossCmdGetModuleVersion, 1, 0, nil)
	badCRC16[7] ^= 0xFF
	truncated := zbossEncodeRequest(zbossCmdGetModuleVersion, 1, 0, []byte{1, 2, 3})
	truncated = truncated[:len(truncated)-2]

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0xDE, 0xAD}},
		{"bad signature", make([]byte, 10)},
		{"bad crc8", badCRC8},
		{"bad crc16", badCRC16},
		{"truncated", truncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := zbossDecodeFrame(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadRawFrameSkipsGarbage(t *testing.T) {
	first := zbossEncodeRequest(zbossCmdGetChannel, 1, 1, nil)
	second := zbossEncodeACK(2)
	var stream []byte
	stream = append(stream, 0x00, 0xDE, 0x11, 0xFF)
	stream = append(stream, first...)
	stream = append(stream, second...)

	r := bufio.NewReader(bytes.NewReader(stream))
	got, err := readRawZBOSSFrame(r)
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("first frame: got %X, want %X", got, first)
	}
	got, err = readRawZBOSSFrame(r)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("second frame: got %X, want %X", got, second)
	}
	if _, err := readRawZBOSSFrame(r); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestAPSDataReqMarshal(t *testing.T) {
	data := []byte{0x10, 0x01, 0x00, 0x00, 0x00}
	buf := apsDataReq{
		DstMode:   zbossAddrModeShort,
		DstShort:  0x1234,
		ProfileID: ProfileHA,
		ClusterID: 0x0006,
		DstEP:     1,
		SrcEP:     1,
		Radius:    zbossDefaultRadius,
		TxOptions: zbossTxOptACK,
		Data:      data,
	}.marshal()

	if len(buf) != apsDataReqHeaderSize+len(data) {
		t.Fatalf("length: got %d", len(buf))
	}
	if got := binary.LittleEndian.Uint16(buf[1:3]); got != uint16(len(data)) {
		t.Errorf("data_len: got %d", got)
	}
	if got := binary.LittleEndian.Uint16(buf[3:5]); got != 0x1234 {
		t.Errorf("dst_addr: got 0x%04X", got)
	}
	if got := binary.LittleEndian.Uint16(buf[13:15]); got != 0x0006 {
		t.Errorf("cluster: got 0x%04X", got)
	}
	if buf[18] != zbossAddrModeShort || buf[19] != zbossTxOptACK {
		t.Errorf("mode/options: %02X %02X", buf[18], buf[19])
	}

	group := apsDataReq{DstMode: zbossAddrModeGroup, DstGroup: 0x0ABC, DstShort: 0x9999}.marshal()
	if got := binary.LittleEndian.Uint16(group[3:5]); got != 0x0ABC {
		t.Errorf("group dst: got 0x%04X", got)
	}
}

// apsIndPayload builds an APSDE_DATA_IND payload.
func apsIndPayload(src zigbee.NWK, srcEP uint8, cluster, profile uint16, data []byte) []byte {
	p := make([]byte, 24+len(data))
	p[0] = 21
	binary.LittleEndian.PutUint16(p[1:3], uint16(len(data)))
	binary.LittleEndian.PutUint16(p[4:6], uint16(src))
	p[10] = 1
	if profile == ProfileZDO {
		p[10] = 0
	}
	p[11] = srcEP
	binary.LittleEndian.PutUint16(p[12:14], cluster)
	binary.LittleEndian.PutUint16(p[14:16], profile)
	p[21] = 200
	p[22] = 0xC4 // -60
	copy(p[24:], data)
	return p
}

func TestParseAPSDataInd(t *testing.T) {
	ind, err := parseAPSDataInd(apsIndPayload(0x1234, 3, 0x0402, ProfileHA, []byte{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if ind.SrcAddr != 0x1234 || ind.SrcEP != 3 || ind.ClusterID != 0x0402 || ind.ProfileID != ProfileHA {
		t.Errorf("header: %+v", ind)
	}
	if ind.LQI != 200 || ind.RSSI != -60 {
		t.Errorf("link quality: lqi=%d rssi=%d", ind.LQI, ind.RSSI)
	}
	if !bytes.Equal(ind.Data, []byte{1, 2, 3}) {
		t.Errorf("data: %X", ind.Data)
	}

	short := apsIndPayload(0x1234, 3, 0x0402, ProfileHA, []byte{1, 2, 3})
	if _, err := parseAPSDataInd(short[:25]); err == nil {
		t.Error("expected error for truncated data")
	}
}

func TestSimpleDescRoundTrip(t *testing.T) {
	sd := SimpleDescriptor{
		Endpoint:    1,
		ProfileID:   ProfileHA,
		DeviceID:    0x0005,
		InClusters:  []uint16{0x0000, 0x0019},
		OutClusters: []uint16{0x0019},
	}
	buf := simpleDescPayload(sd)
	if len(buf) != 8+6 {
		t.Fatalf("length: got %d", len(buf))
	}
	got, err := parseSimpleDesc(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Endpoint != 1 || got.ProfileID != ProfileHA || got.DeviceID != 5 {
		t.Errorf("header: %+v", got)
	}
	if len(got.InClusters) != 2 || got.InClusters[1] != 0x0019 || len(got.OutClusters) != 1 {
		t.Errorf("clusters: in=%v out=%v", got.InClusters, got.OutClusters)
	}
	if _, err := parseSimpleDesc(buf[:9]); err == nil {
		t.Error("expected truncation error")
	}
}

func TestBindPayload(t *testing.T) {
	src := zigbee.MustParseIEEE("00:11:22:33:44:55:66:77")
	dst := zigbee.MustParseIEEE("aa:bb:cc:dd:ee:ff:00:01")

	buf := bindPayload(BindRequest{Target: 0x1234, SrcIEEE: src, SrcEP: 1, ClusterID: 0x0006, DstMode: BindDstIEEE, DstIEEE: dst, DstEP: 1})
	if len(buf) != 23 {
		t.Fatalf("length: %d", len(buf))
	}
	if buf[2] != 0x77 || buf[9] != 0x00 {
		t.Errorf("src ieee not little-endian: %X", buf[2:10])
	}
	if buf[13] != zbossAddrModeIEEE || buf[14] != 0x01 || buf[22] != 1 {
		t.Errorf("ieee destination: %X", buf[13:])
	}

	buf = bindPayload(BindRequest{Target: 0x1234, SrcIEEE: src, SrcEP: 1, ClusterID: 0x0006, DstMode: BindDstGroup, DstGroup: 0x0102})
	if buf[13] != zbossAddrModeGroup || binary.LittleEndian.Uint16(buf[14:16]) != 0x0102 {
		t.Errorf("group destination: %X", buf[13:])
	}
}

func TestParseScanResults(t *testing.T) {
	p := make([]byte, 1+16)
	p[0] = 1
	d := p[1:]
	copy(d[0:8], []byte{0x01, 0, 0, 0, 0, 0, 0, 0xDD})
	binary.LittleEndian.PutUint16(d[8:10], 0x1A62)
	d[12] = 15
	d[13] = 0x01 | 0x02 | 0x20
	d[14] = 180
	d[15] = 0xB0

	results := parseScanResults(p)
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	r := results[0]
	if r.PanID != 0x1A62 || r.Channel != 15 || !r.PermitJoin || !r.RouterCap || r.EDCap {
		t.Errorf("result: %+v", r)
	}
	if r.StackProfile != 2 {
		t.Errorf("stack profile: %d", r.StackProfile)
	}
	if r.ExtPanID.String() != "dd:00:00:00:00:00:00:01" {
		t.Errorf("ext pan: %s", r.ExtPanID)
	}
}
