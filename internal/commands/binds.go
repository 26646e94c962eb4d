package commands

import (
	"context"
	"fmt"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zdo"
	"zigbee-toolkit/internal/zigbee"
)

// Client clusters a remote binds to its targets.
var bindableClusters = []uint16{zcl.ClusterOnOff, zcl.ClusterLevelControl, zcl.ClusterColorControl}

// RegisterBindCommands registers ZDO binding commands.
func RegisterBindCommands(r *toolkit.Router) {
	r.MustRegister("bind_group", bindGroup(true), toolkit.RequiresIEEE(),
		toolkit.Describe("bind the remote's OnOff/Level/Color clients to a group; data: group id"))
	r.MustRegister("unbind_group", bindGroup(false), toolkit.RequiresIEEE(),
		toolkit.Describe("remove group bindings made by bind_group; data: group id"))
	r.MustRegister("bind_ieee", bindIEEE, toolkit.RequiresIEEE(),
		toolkit.Describe("bind matching client clusters to another device; data: target device"))
	r.MustRegister("unbind_coordinator", unbindCoordinator, toolkit.RequiresIEEE(),
		toolkit.Describe("remove bindings of a cluster towards the coordinator; data: cluster"))
}

// BindResult describes one binding made or removed.
type BindResult struct {
	SrcEP    uint8  `json:"src_endpoint"`
	Cluster  string `json:"cluster"`
	DstIEEE  string `json:"dst_ieee,omitempty"`
	DstEP    uint8  `json:"dst_endpoint,omitempty"`
	DstGroup string `json:"dst_group,omitempty"`
}

func bindable(id uint16) bool {
	for _, c := range bindableClusters {
		if c == id {
			return true
		}
	}
	return false
}

func bindGroup(bind bool) toolkit.Handler {
	return func(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
		group, err := groupData(inv)
		if err != nil {
			return nil, err
		}
		dev, err := lookupDevice(inv)
		if err != nil {
			return nil, err
		}
		var done []BindResult
		for _, ep := range dev.Endpoints {
			for _, cid := range ep.OutClusters {
				if !bindable(cid) {
					continue
				}
				req := ncp.BindRequest{
					Target:    zigbee.NWK(dev.ShortAddress),
					SrcIEEE:   inv.IEEE,
					SrcEP:     ep.ID,
					ClusterID: cid,
					DstMode:   ncp.BindDstGroup,
					DstGroup:  group,
				}
				if err := applyBinding(ctx, inv.App, req, bind); err != nil {
					return done, err
				}
				done = append(done, BindResult{SrcEP: ep.ID, Cluster: inv.App.Registry().ClusterName(cid), DstGroup: hex16(group)})
			}
		}
		if len(done) == 0 {
			return nil, fmt.Errorf("%w: %s has no OnOff/Level/Color client cluster", toolkit.ErrInvalidData, inv.IEEE)
		}
		return done, nil
	}
}

func applyBinding(ctx context.Context, app toolkit.App, req ncp.BindRequest, bind bool) error {
	if bind {
		return app.Bind(ctx, req)
	}
	return app.Unbind(ctx, req)
}

func bindIEEE(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	if !inv.HasData() {
		return nil, fmt.Errorf("%w: bind_ieee needs the target device as data", toolkit.ErrInvalidData)
	}
	src, err := lookupDevice(inv)
	if err != nil {
		return nil, err
	}
	dstIEEE, err := resolveData(ctx, inv)
	if err != nil {
		return nil, err
	}
	dst, err := inv.App.Device(dstIEEE)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", toolkit.ErrDeviceNotFound, dstIEEE, err)
	}

	var done []BindResult
	for _, sep := range src.Endpoints {
		for _, cid := range sep.OutClusters {
			if !bindable(cid) {
				continue
			}
			dep, ok := serverEndpoint(dst, cid)
			if !ok {
				continue
			}
			req := ncp.BindRequest{
				Target:    zigbee.NWK(src.ShortAddress),
				SrcIEEE:   inv.IEEE,
				SrcEP:     sep.ID,
				ClusterID: cid,
				DstMode:   ncp.BindDstIEEE,
				DstIEEE:   dstIEEE,
				DstEP:     dep,
			}
			if err := inv.App.Bind(ctx, req); err != nil {
				return done, err
			}
			done = append(done, BindResult{SrcEP: sep.ID, Cluster: inv.App.Registry().ClusterName(cid), DstIEEE: dstIEEE.String(), DstEP: dep})
		}
	}
	if len(done) == 0 {
		return nil, fmt.Errorf("%w: no matching clusters between %s and %s", toolkit.ErrInvalidData, inv.IEEE, dstIEEE)
	}
	return done, nil
}

func serverEndpoint(dev *store.Device, cluster uint16) (uint8, bool) {
	for _, ep := range dev.Endpoints {
		if ep.HasInCluster(cluster) {
			return ep.ID, true
		}
	}
	return 0, false
}

// bindingTable reads the whole Mgmt_Bind table of nwk.
func bindingTable(ctx context.Context, app toolkit.App, nwk zigbee.NWK) ([]zdo.Binding, error) {
	var out []zdo.Binding
	for {
		resp, err := app.ZDORequest(ctx, nwk, zdo.MgmtBindReq, zdo.MgmtBindRequest(uint8(len(out))))
		if err != nil {
			return out, err
		}
		page, err := zdo.ParseMgmtBindResponse(resp)
		if err != nil {
			return out, err
		}
		out = append(out, page.Entries...)
		if len(page.Entries) == 0 || len(out) >= page.Total {
			return out, nil
		}
	}
}

func unbindCoordinator(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	if !inv.HasData() {
		return nil, fmt.Errorf("%w: unbind_coordinator needs a cluster as data", toolkit.ErrInvalidData)
	}
	cluster, err := inv.App.Registry().ResolveCluster(inv.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", toolkit.ErrInvalidData, err)
	}
	dev, err := lookupDevice(inv)
	if err != nil {
		return nil, err
	}
	nwk := zigbee.NWK(dev.ShortAddress)
	coord := inv.App.LocalIEEE()

	var reqs []ncp.BindRequest
	table, err := bindingTable(ctx, inv.App, nwk)
	if err == nil {
		for _, b := range table {
			if b.ClusterID == cluster && b.DstMode == zdo.AddrModeIEEE && b.DstIEEE == coord {
				reqs = append(reqs, ncp.BindRequest{
					Target: nwk, SrcIEEE: b.SrcIEEE, SrcEP: b.SrcEP, ClusterID: cluster,
					DstMode: ncp.BindDstIEEE, DstIEEE: coord, DstEP: b.DstEP,
				})
			}
		}
	} else {
		inv.Logger.Warn("binding table unavailable, unbinding every endpoint", "ieee", inv.IEEE, "err", err)
		for _, ep := range dev.Endpoints {
			if ep.HasOutCluster(cluster) || ep.HasInCluster(cluster) {
				reqs = append(reqs, ncp.BindRequest{
					Target: nwk, SrcIEEE: inv.IEEE, SrcEP: ep.ID, ClusterID: cluster,
					DstMode: ncp.BindDstIEEE, DstIEEE: coord, DstEP: 1,
				})
			}
		}
	}

	done := []BindResult{}
	for _, req := range reqs {
		if err := inv.App.Unbind(ctx, req); err != nil {
			return done, err
		}
		done = append(done, BindResult{SrcEP: req.SrcEP, Cluster: inv.App.Registry().ClusterName(cluster), DstIEEE: coord.String(), DstEP: req.DstEP})
	}
	return done, nil
}
