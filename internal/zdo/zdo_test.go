package zdo

import (
	"bytes"
	"errors"
	"testing"

	"zigbee-toolkit/internal/zigbee"
)

var testIEEE = zigbee.MustParseIEEE("00:12:4b:00:1c:a1:b2:c3")

func TestIEEEAddrRequest(t *testing.T) {
	got := IEEEAddrRequest(0x1A2B)
	want := []byte{0x2B, 0x1A, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

func TestParseAddrResponse(t *testing.T) {
	wire := testIEEE.Wire()
	payload := append([]byte{StatusSuccess}, wire[:]...)
	payload = append(payload, 0x2B, 0x1A)

	rsp, err := ParseAddrResponse(IEEEAddrReq|ResponseBit, payload)
	if err != nil {
		t.Fatal(err)
	}
	if rsp.IEEE != testIEEE || rsp.NWK != 0x1A2B {
		t.Errorf("got %+v", rsp)
	}

	_, err = ParseAddrResponse(IEEEAddrReq|ResponseBit, []byte{StatusDeviceNotFound})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != StatusDeviceNotFound {
		t.Errorf("expected StatusError, got %v", err)
	}

	if _, err := ParseAddrResponse(IEEEAddrReq|ResponseBit, []byte{StatusSuccess, 1, 2}); !errors.Is(err, ErrShort) {
		t.Errorf("expected ErrShort, got %v", err)
	}
}

func lqiEntry(ieee zigbee.IEEE, nwk uint16, flags, permit, depth, lqi uint8) []byte {
	ext := zigbee.MustParseIEEE("dd:dd:dd:dd:dd:dd:dd:dd").Wire()
	w := ieee.Wire()
	e := append([]byte{}, ext[:]...)
	e = append(e, w[:]...)
	e = append(e, byte(nwk), byte(nwk>>8), flags, permit, depth, lqi)
	return e
}

func TestParseMgmtLqiResponse(t *testing.T) {
	payload := []byte{StatusSuccess, 5, 0, 2}
	// router, rx on, child
	payload = append(payload, lqiEntry(testIEEE, 0x1234, 0x01|0x04|0x10, 0x00, 1, 200)...)
	// end device, rx off, sibling
	payload = append(payload, lqiEntry(zigbee.IEEE{1}, 0x5678, 0x02|0x20, 0x01, 2, 90)...)

	page, err := ParseMgmtLqiResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || page.Start != 0 || len(page.Entries) != 2 {
		t.Fatalf("page = %+v", page)
	}
	n := page.Entries[0]
	if n.IEEE != testIEEE || n.NWK != 0x1234 || n.DeviceType != "Router" || n.RxOnWhenIdle != "On" ||
		n.Relationship != "Child" || n.PermitJoin != "NotAccepting" || n.Depth != 1 || n.LQI != 200 {
		t.Errorf("entry 0 = %+v", n)
	}
	n = page.Entries[1]
	if n.DeviceType != "EndDevice" || n.RxOnWhenIdle != "Off" || n.Relationship != "Sibling" || n.PermitJoin != "Accepting" {
		t.Errorf("entry 1 = %+v", n)
	}

	if _, err := ParseMgmtLqiResponse([]byte{StatusSuccess, 1, 0, 1, 0x00}); !errors.Is(err, ErrShort) {
		t.Errorf("truncated table: got %v", err)
	}
	if _, err := ParseMgmtLqiResponse([]byte{StatusNotSupported}); err == nil {
		t.Error("expected status error")
	}
}

func TestParseMgmtRtgResponse(t *testing.T) {
	payload := []byte{StatusSuccess, 1, 0, 1, 0x34, 0x12, 0x10 | 0x00, 0x00, 0x00}
	page, err := ParseMgmtRtgResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("entries = %d", len(page.Entries))
	}
	r := page.Entries[0]
	if r.Destination != 0x1234 || r.Status != "Active" || !r.ManyToOne || r.NextHop != 0x0000 {
		t.Errorf("route = %+v", r)
	}
}

func TestMgmtLeaveRequest(t *testing.T) {
	got := MgmtLeaveRequest(testIEEE, LeaveRejoin)
	w := testIEEE.Wire()
	want := append(append([]byte{}, w[:]...), 0x80)
	if !bytes.Equal(got, want) {
		t.Errorf("got %X, want %X", got, want)
	}
}

func TestMgmtNWKUpdateRequest(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"channel change", MgmtNWKUpdateRequest(ChannelMask(15), 0xFE, 3, 0), []byte{0x00, 0x80, 0x00, 0x00, 0xFE, 0x03}},
		{"update id", MgmtNWKUpdateRequest(AllChannels, 0xFF, 4, 0x0000), []byte{0x00, 0xF8, 0xFF, 0x07, 0xFF, 0x04, 0x00, 0x00}},
		{"energy scan", MgmtNWKUpdateRequest(AllChannels, 0x02, 0, 0), []byte{0x00, 0xF8, 0xFF, 0x07, 0x02, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("got %X, want %X", tt.got, tt.want)
			}
		})
	}
}

func TestBindRequest(t *testing.T) {
	src := testIEEE.Wire()
	group := BindRequest(Binding{SrcIEEE: testIEEE, SrcEP: 1, ClusterID: 0x0006, DstMode: AddrModeGroup, DstGroup: 0x0010})
	want := append(append([]byte{}, src[:]...), 0x01, 0x06, 0x00, AddrModeGroup, 0x10, 0x00)
	if !bytes.Equal(group, want) {
		t.Errorf("group bind = %X, want %X", group, want)
	}

	dst := zigbee.IEEE{0, 0, 0, 0, 0, 0, 0, 1}
	unicast := BindRequest(Binding{SrcIEEE: testIEEE, SrcEP: 1, ClusterID: 0x0008, DstMode: AddrModeIEEE, DstIEEE: dst, DstEP: 2})
	if len(unicast) != 21 || unicast[11] != AddrModeIEEE || unicast[12] != 0x01 || unicast[20] != 2 {
		t.Errorf("ieee bind = %X", unicast)
	}
}

func TestParentAnnceRequest(t *testing.T) {
	got := ParentAnnceRequest([]zigbee.IEEE{testIEEE, {1}})
	if len(got) != 17 || got[0] != 2 {
		t.Errorf("got %X", got)
	}
}

func TestParseMgmtBindResponse(t *testing.T) {
	src := testIEEE.Wire()
	coord := zigbee.MustParseIEEE("00:12:4b:00:00:00:00:01")
	cw := coord.Wire()

	payload := []byte{StatusSuccess, 2, 0, 2}
	payload = append(payload, src[:]...)
	payload = append(payload, 0x01, 0x06, 0x00, AddrModeIEEE)
	payload = append(payload, cw[:]...)
	payload = append(payload, 0x01)
	payload = append(payload, src[:]...)
	payload = append(payload, 0x02, 0x08, 0x00, AddrModeGroup, 0x10, 0x00)

	page, err := ParseMgmtBindResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Entries) != 2 {
		t.Fatalf("page = %+v", page)
	}
	first := page.Entries[0]
	if first.ClusterID != 0x0006 || first.DstIEEE != coord || first.DstEP != 1 || first.SrcIEEE != testIEEE {
		t.Errorf("first = %+v", first)
	}
	second := page.Entries[1]
	if second.DstMode != AddrModeGroup || second.DstGroup != 0x0010 || second.SrcEP != 2 {
		t.Errorf("second = %+v", second)
	}

	if _, err := ParseMgmtBindResponse(payload[:20]); !errors.Is(err, ErrShort) {
		t.Errorf("truncated: %v", err)
	}
	_, err = ParseMgmtBindResponse([]byte{StatusNotSupported})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != StatusNotSupported {
		t.Errorf("status: %v", err)
	}
}
