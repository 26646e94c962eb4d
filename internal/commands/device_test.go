package commands

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

func charString(s string) []byte { return append([]byte{byte(len(s))}, s...) }

// discover encodes a complete Discover Attributes response.
func (d *attributeDevice) discover() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint16, 0, len(d.values))
	for id := range d.values {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := []byte{1}
	for _, id := range ids {
		out = binary.LittleEndian.AppendUint16(out, id)
		out = append(out, d.values[id].DataType)
	}
	return out
}

// scanResponder answers discovery and reads for the given clusters and
// rejects everything else with UNSUP_CLUSTER_COMMAND.
func scanResponder(clusters map[uint16]*attributeDevice, received map[uint16][]uint8) func(ncp.ZCLRequest) (*zcl.Frame, error) {
	return func(req ncp.ZCLRequest) (*zcl.Frame, error) {
		f := req.Frame
		d, ok := clusters[req.ClusterID]
		if !ok {
			return zcl.NewGlobal(f.Seq, zcl.FoundationDefaultResponse, 0, []byte{f.CommandID, zcl.StatusUnsupClusterCmd}), nil
		}
		switch f.CommandID {
		case zcl.FoundationDiscoverAttributes:
			return zcl.NewGlobal(f.Seq, zcl.FoundationDiscoverAttributesResp, 0, d.discover()), nil
		case zcl.FoundationDiscoverCommandsRecv:
			return zcl.NewGlobal(f.Seq, zcl.FoundationDiscoverCommandsRecvRsp, 0, append([]byte{1}, received[req.ClusterID]...)), nil
		case zcl.FoundationDiscoverCommandsGen:
			return zcl.NewGlobal(f.Seq, zcl.FoundationDiscoverCommandsGenRsp, 0, []byte{1}), nil
		}
		return d.respond(req)
	}
}

func TestHandleJoin(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantNWK zigbee.NWK
	}{
		{"stored address", "", 0x5678},
		{"explicit address", "0x7777", 0x7777},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.stub.AddDevice(tt.wantNWK, remoteIEEE, ncp.SimpleDescriptor{
				Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0820,
				InClusters:  []uint16{zcl.ClusterBasic, zcl.ClusterPowerConfig},
				OutClusters: []uint16{zcl.ClusterOnOff},
			})
			h.stub.ZCL = newAttributeDevice(
				zcl.AttributeRecord{ID: 0x0004, DataType: zcl.TypeCharStr, Raw: charString("LUMI")},
				zcl.AttributeRecord{ID: 0x0005, DataType: zcl.TypeCharStr, Raw: charString("lumi.remote")},
			).respond

			res, err := h.exec(t, "handle_join", remoteIEEE.String(), tt.data, nil)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"ieee": remoteIEEE.String(), "nwk": tt.wantNWK.String()}, res.Data)

			dev, err := h.store.GetDevice(remoteIEEE.String())
			require.NoError(t, err)
			assert.Equal(t, uint16(tt.wantNWK), dev.ShortAddress)
			assert.True(t, dev.Interviewed)
			assert.Equal(t, "LUMI", dev.Manufacturer)
			assert.Equal(t, "lumi.remote", dev.Model)
			require.Len(t, dev.Endpoints, 1)
			assert.Equal(t, []uint16{zcl.ClusterBasic, zcl.ClusterPowerConfig}, dev.Endpoints[0].InClusters)

			sent := h.stub.ZCLSent()
			require.NotEmpty(t, sent)
			assert.Equal(t, tt.wantNWK, sent[0].Dst)
			assert.Equal(t, zcl.ClusterBasic, sent[0].ClusterID)
		})
	}
}

func TestHandleJoinNeedsAddress(t *testing.T) {
	h := newHarness(t)
	stranger := "00:0d:6f:00:00:00:00:99"

	_, err := h.exec(t, "handle_join", stranger, "", nil)
	assert.ErrorIs(t, err, toolkit.ErrInvalidData)

	_, err = h.exec(t, "handle_join", stranger, "not-an-address", nil)
	assert.ErrorIs(t, err, toolkit.ErrInvalidData)
}

func TestScanDevice(t *testing.T) {
	h := newHarness(t)
	h.stub.AddDevice(0x1234, lampIEEE, ncp.SimpleDescriptor{
		Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0100,
		InClusters:  []uint16{zcl.ClusterBasic, zcl.ClusterOnOff, zcl.ClusterPowerConfig},
		OutClusters: []uint16{zcl.ClusterOTA},
	})
	h.stub.ZCL = scanResponder(map[uint16]*attributeDevice{
		zcl.ClusterBasic: newAttributeDevice(
			zcl.AttributeRecord{ID: 0x0004, DataType: zcl.TypeCharStr, Raw: charString("IKEA")},
			zcl.AttributeRecord{ID: 0x0005, DataType: zcl.TypeCharStr, Raw: charString("TRADFRI bulb")},
		),
		zcl.ClusterOnOff: newAttributeDevice(zcl.AttributeRecord{ID: 0x0000, DataType: zcl.TypeBool, Raw: []byte{1}}),
	}, map[uint16][]uint8{
		zcl.ClusterBasic: {0x00},
		zcl.ClusterOnOff: {0x00, 0x01, 0x02},
	})

	res, err := h.exec(t, "scan_device", "hallway lamp", "", nil)
	require.NoError(t, err)

	scan := res.Data.(*DeviceScan)
	assert.Equal(t, lampIEEE.String(), scan.IEEE)
	assert.Equal(t, "0x1234", scan.NWK)
	require.Len(t, scan.Endpoints, 1)
	ep := scan.Endpoints[0]
	assert.Equal(t, uint16(0x0100), ep.DeviceID)
	require.Len(t, ep.InClusters, 3)

	basic := ep.InClusters[0]
	assert.Equal(t, "Basic", basic.Name)
	require.Len(t, basic.Attributes, 2)
	assert.Equal(t, "ManufacturerName", basic.Attributes[0].AttrName)
	assert.Equal(t, "IKEA", basic.Attributes[0].Value)
	assert.Equal(t, "TRADFRI bulb", basic.Attributes[1].Value)
	assert.Equal(t, []uint8{0x00}, basic.CommandsReceived)
	assert.Empty(t, basic.Errors)

	onOff := ep.InClusters[1]
	require.Len(t, onOff.Attributes, 1)
	assert.Equal(t, true, onOff.Attributes[0].Value)
	assert.Equal(t, []uint8{0x00, 0x01, 0x02}, onOff.CommandsReceived)

	// An unsupported cluster is recorded and the scan carries on.
	power := ep.InClusters[2]
	assert.Equal(t, "PowerConfiguration", power.Name)
	assert.Empty(t, power.Attributes)
	assert.Len(t, power.Errors, 3)

	require.Len(t, ep.OutClusters, 1)
	assert.Equal(t, zcl.ClusterOTA, ep.OutClusters[0].ID)
	assert.Empty(t, ep.OutClusters[0].Attributes)

	a, err := h.store.LatestArtifact(store.ArtifactScan, lampIEEE.String())
	require.NoError(t, err)
	assert.Contains(t, string(a.Body), "TRADFRI bulb")
}

func TestScanDeviceEndpointData(t *testing.T) {
	h := newHarness(t)
	h.stub.AddDevice(0x1234, lampIEEE, ncp.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104})

	res, err := h.exec(t, "scan_device", lampIEEE.String(), "1", nil)
	require.NoError(t, err)
	assert.Len(t, res.Data.(*DeviceScan).Endpoints, 1)

	_, err = h.exec(t, "scan_device", lampIEEE.String(), "2", nil)
	assert.ErrorContains(t, err, "simple descriptor ep 2")

	_, err = h.exec(t, "scan_device", lampIEEE.String(), "256", nil)
	assert.ErrorIs(t, err, toolkit.ErrInvalidData)
}
