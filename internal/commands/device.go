package commands

import (
	"context"
	"fmt"

	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zdo"
	"zigbee-toolkit/internal/zigbee"
)

// RegisterDeviceCommands registers per-device maintenance commands.
func RegisterDeviceCommands(r *toolkit.Router) {
	r.MustRegister("handle_join", handleJoin, toolkit.RequiresIEEE(),
		toolkit.Describe("re-run join handling and interview; data: NWK (defaults to the stored address)"))
	r.MustRegister("scan_device", scanDevice, toolkit.RequiresIEEE(),
		toolkit.Describe("discover and read every attribute and command; data: endpoint (optional)"))
	r.MustRegister("ieee_ping", ieeePing, toolkit.RequiresIEEE(),
		toolkit.Describe("send IEEE_addr_req to the device"))
	r.MustRegister("leave", leave, toolkit.RequiresIEEE(),
		toolkit.Describe("ask the device to leave; data: parent device (optional)"))
	r.MustRegister("rejoin", rejoin, toolkit.RequiresIEEE(),
		toolkit.Describe("permit joining, then leave with rejoin; data: node to join through (optional)"))
}

func handleJoin(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	var nwk zigbee.NWK
	if inv.HasData() {
		v, err := inv.DataUint(16)
		if err != nil {
			return nil, err
		}
		nwk = zigbee.NWK(v)
	} else {
		v, err := inv.App.NWK(ctx, inv.IEEE)
		if err != nil {
			return nil, fmt.Errorf("%w: no NWK known for %s, pass it as data: %v", toolkit.ErrInvalidData, inv.IEEE, err)
		}
		nwk = v
	}
	if err := inv.App.HandleJoin(ctx, nwk, inv.IEEE); err != nil {
		return nil, err
	}
	return map[string]string{"ieee": inv.IEEE.String(), "nwk": nwk.String()}, nil
}

func ieeePing(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	nwk, err := inv.App.NWK(ctx, inv.IEEE)
	if err != nil {
		return nil, err
	}
	resp, err := inv.App.ZDORequest(ctx, nwk, zdo.IEEEAddrReq, zdo.IEEEAddrRequest(nwk))
	if err != nil {
		return nil, err
	}
	addr, err := zdo.ParseAddrResponse(zdo.IEEEAddrReq|zdo.ResponseBit, resp)
	if err != nil {
		return nil, err
	}
	return map[string]string{"ieee": addr.IEEE.String(), "nwk": addr.NWK.String()}, nil
}

func leave(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	nwk, err := inv.App.NWK(ctx, inv.IEEE)
	if err != nil {
		return nil, err
	}
	target := nwk
	if inv.HasData() {
		parent, err := resolveData(ctx, inv)
		if err != nil {
			return nil, err
		}
		if target, err = inv.App.NWK(ctx, parent); err != nil {
			return nil, err
		}
	}
	if err := inv.App.Leave(ctx, target, inv.IEEE, false); err != nil {
		return nil, err
	}
	return map[string]string{"ieee": inv.IEEE.String(), "sent_to": target.String()}, nil
}

func rejoin(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	duration, err := inv.Request.ParamUint("duration", 8, 60)
	if err != nil {
		return nil, err
	}
	var via zigbee.IEEE
	if inv.HasData() {
		if via, err = resolveData(ctx, inv); err != nil {
			return nil, err
		}
	}
	nwk, err := inv.App.NWK(ctx, inv.IEEE)
	if err != nil {
		return nil, err
	}
	if err := inv.App.PermitJoin(ctx, uint8(duration), via); err != nil {
		return nil, err
	}
	if err := inv.App.Leave(ctx, nwk, inv.IEEE, true); err != nil {
		return nil, err
	}
	out := map[string]interface{}{"ieee": inv.IEEE.String(), "permit_duration": duration}
	if !via.IsZero() {
		out["via"] = via.String()
	}
	return out, nil
}

// ClusterScan is the scan result of one cluster.
type ClusterScan struct {
	ID                uint16                `json:"cluster_id"`
	Name              string                `json:"name"`
	Attributes        []zcl.AttributeResult `json:"attributes,omitempty"`
	CommandsReceived  []uint8               `json:"commands_received,omitempty"`
	CommandsGenerated []uint8               `json:"commands_generated,omitempty"`
	Errors            []string              `json:"errors,omitempty"`
}

// EndpointScan is the scan result of one endpoint.
type EndpointScan struct {
	ID          uint8         `json:"endpoint"`
	ProfileID   uint16        `json:"profile_id"`
	DeviceID    uint16        `json:"device_id"`
	InClusters  []ClusterScan `json:"in_clusters"`
	OutClusters []ClusterScan `json:"out_clusters"`
}

// DeviceScan is the scan_device result, also stored as a scan artifact.
type DeviceScan struct {
	IEEE         string         `json:"ieee"`
	NWK          string         `json:"nwk"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	Endpoints    []EndpointScan `json:"endpoints"`
}

const readChunk = 4

func scanDevice(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	nwk, err := inv.App.NWK(ctx, inv.IEEE)
	if err != nil {
		return nil, err
	}
	manuf, err := manufParam(inv)
	if err != nil {
		return nil, err
	}

	var eps []uint8
	if inv.HasData() {
		ep, err := inv.DataUint(8)
		if err != nil {
			return nil, err
		}
		eps = []uint8{uint8(ep)}
	} else if eps, err = inv.App.Radio().ActiveEndpoints(ctx, nwk); err != nil {
		return nil, fmt.Errorf("active endpoints: %w", err)
	}

	result := &DeviceScan{IEEE: inv.IEEE.String(), NWK: nwk.String()}
	if dev, err := inv.App.Device(inv.IEEE); err == nil {
		result.Manufacturer, result.Model = dev.Manufacturer, dev.Model
	}

	registry := inv.App.Registry()
	for _, ep := range eps {
		desc, err := inv.App.Radio().SimpleDescriptor(ctx, nwk, ep)
		if err != nil {
			return nil, fmt.Errorf("simple descriptor ep %d: %w", ep, err)
		}
		es := EndpointScan{ID: ep, ProfileID: desc.ProfileID, DeviceID: desc.DeviceID}
		for _, cid := range desc.InClusters {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			cs := ClusterScan{ID: cid, Name: registry.ClusterName(cid)}
			scanServerCluster(ctx, inv.App, nwk, ep, manuf, &cs)
			es.InClusters = append(es.InClusters, cs)
		}
		for _, cid := range desc.OutClusters {
			es.OutClusters = append(es.OutClusters, ClusterScan{ID: cid, Name: registry.ClusterName(cid)})
		}
		result.Endpoints = append(result.Endpoints, es)
		inv.Logger.Info("endpoint scanned", "ieee", inv.IEEE, "ep", ep, "in", len(es.InClusters), "out", len(es.OutClusters))
	}

	if err := saveArtifact(inv.App, store.ArtifactScan, inv.IEEE.String(), result); err != nil {
		return nil, err
	}
	return result, nil
}

// scanServerCluster fills cs with everything the device reports about a
// server cluster. Failures are recorded and the scan moves on.
func scanServerCluster(ctx context.Context, app toolkit.App, nwk zigbee.NWK, ep uint8, manuf uint16, cs *ClusterScan) {
	attrs, err := app.DiscoverAttributes(ctx, nwk, ep, cs.ID, manuf)
	if err != nil {
		cs.Errors = append(cs.Errors, err.Error())
	}
	for start := 0; start < len(attrs); start += readChunk {
		end := min(start+readChunk, len(attrs))
		ids := make([]uint16, 0, end-start)
		for _, a := range attrs[start:end] {
			ids = append(ids, a.ID)
		}
		records, err := app.ReadAttributes(ctx, nwk, ep, cs.ID, manuf, ids)
		if err != nil {
			cs.Errors = append(cs.Errors, err.Error())
			continue
		}
		cs.Attributes = append(cs.Attributes, app.Registry().Describe(cs.ID, records)...)
	}

	if cs.CommandsReceived, err = app.DiscoverCommands(ctx, nwk, ep, cs.ID, manuf, false); err != nil {
		cs.Errors = append(cs.Errors, err.Error())
	}
	if cs.CommandsGenerated, err = app.DiscoverCommands(ctx, nwk, ep, cs.ID, manuf, true); err != nil {
		cs.Errors = append(cs.Errors, err.Error())
	}
}
