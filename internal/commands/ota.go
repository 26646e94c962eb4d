package commands

import (
	"context"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

const (
	otaImageNotify = 0x00
	// Payload type 0: query jitter only.
	otaNotifyJitter     = 0x00
	otaDefaultJitterPct = 100
)

// RegisterOTACommands registers OTA upgrade helpers.
func RegisterOTACommands(r *toolkit.Router) {
	r.MustRegister("ota_notify", otaNotify, toolkit.RequiresIEEE(),
		toolkit.Describe("send OTA Image Notify so the device queries for a new image"))
}

func otaNotify(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	dev, err := lookupDevice(inv)
	if err != nil {
		return nil, err
	}
	eps, err := pickEndpoints(inv, dev, zcl.ClusterOTA, false)
	if err != nil {
		return nil, err
	}
	jitter, err := inv.Request.ParamUint("jitter", 8, otaDefaultJitterPct)
	if err != nil {
		return nil, err
	}
	nwk := zigbee.NWK(dev.ShortAddress)
	var notified []uint8
	for _, ep := range eps {
		_, err := inv.App.ZCLRequest(ctx, ncp.ZCLRequest{
			Dst:       nwk,
			DstEP:     ep,
			ClusterID: zcl.ClusterOTA,
			Frame:     zcl.NewClusterCommand(0, otaImageNotify, true, 0, []byte{otaNotifyJitter, uint8(jitter)}),
		})
		if err != nil {
			return map[string]interface{}{"endpoints": notified}, err
		}
		notified = append(notified, ep)
	}
	return map[string]interface{}{"endpoints": notified}, nil
}
