// Package commands implements the network-management commands dispatched
// through the toolkit router.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

// Options configures the command set.
type Options struct {
	// BackupDir receives backup files named in command data. Empty keeps
	// backups in the store only.
	BackupDir string
	// FloodRate and FloodBurst throttle zdo_flood_parent_annce.
	FloodRate  rate.Limit
	FloodBurst int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{FloodRate: rate.Limit(5), FloodBurst: 1}
}

// RegisterAll registers every command group on r.
func RegisterAll(r *toolkit.Router, opts Options) {
	if opts.FloodRate <= 0 {
		opts.FloodRate = DefaultOptions().FloodRate
	}
	if opts.FloodBurst <= 0 {
		opts.FloodBurst = 1
	}
	RegisterDeviceCommands(r)
	RegisterGroupCommands(r)
	RegisterBindCommands(r)
	RegisterAttributeCommands(r)
	RegisterTopologyCommands(r)
	RegisterZDOCommands(r, opts.FloodRate, opts.FloodBurst)
	RegisterRadioCommands(r)
	RegisterOTACommands(r)
	RegisterBackupCommands(r, opts.BackupDir)
}

// lookupDevice returns the stored record of the invocation's device.
func lookupDevice(inv *toolkit.Invocation) (*store.Device, error) {
	dev, err := inv.App.Device(inv.IEEE)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", toolkit.ErrDeviceNotFound, inv.IEEE, err)
	}
	return dev, nil
}

// pickEndpoints returns the explicit "endpoint" parameter, or every
// endpoint of dev that serves (server) or uses cluster. A device that was
// never interviewed defaults to endpoint 1.
func pickEndpoints(inv *toolkit.Invocation, dev *store.Device, cluster uint16, server bool) ([]uint8, error) {
	if inv.Request.Has("endpoint") {
		ep, err := inv.Request.ParamUint("endpoint", 8, 1)
		if err != nil {
			return nil, err
		}
		return []uint8{uint8(ep)}, nil
	}
	if dev == nil || len(dev.Endpoints) == 0 {
		return []uint8{1}, nil
	}
	var eps []uint8
	for i := range dev.Endpoints {
		ep := &dev.Endpoints[i]
		if (server && ep.HasInCluster(cluster)) || (!server && ep.HasOutCluster(cluster)) {
			eps = append(eps, ep.ID)
		}
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: %s has no endpoint with cluster 0x%04X", toolkit.ErrInvalidData, dev.IEEEAddress, cluster)
	}
	return eps, nil
}

// firstEndpoint is pickEndpoints for commands that address one endpoint.
func firstEndpoint(inv *toolkit.Invocation, dev *store.Device, cluster uint16, server bool) (uint8, error) {
	eps, err := pickEndpoints(inv, dev, cluster, server)
	if err != nil {
		return 0, err
	}
	return eps[0], nil
}

// clusterParam resolves the cluster named by parameter name.
func clusterParam(inv *toolkit.Invocation, name string) (uint16, error) {
	ref := strings.TrimSpace(inv.Request.ParamString(name, ""))
	if ref == "" {
		return 0, fmt.Errorf("%w: %s needs param %s", toolkit.ErrInvalidData, inv.Command, name)
	}
	id, err := inv.App.Registry().ResolveCluster(ref)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", toolkit.ErrInvalidData, err)
	}
	return id, nil
}

// manufParam returns the "manf" parameter; 0 means none.
func manufParam(inv *toolkit.Invocation) (uint16, error) {
	v, err := inv.Request.ParamUint("manf", 16, 0)
	return uint16(v), err
}

// resolveData resolves the command data as a device reference.
func resolveData(ctx context.Context, inv *toolkit.Invocation) (zigbee.IEEE, error) {
	ieee, err := inv.App.ResolveIEEE(ctx, inv.Data)
	if err != nil {
		return zigbee.IEEE{}, fmt.Errorf("%w: %q: %w", toolkit.ErrDeviceNotFound, inv.Data, err)
	}
	return ieee, nil
}

func saveArtifact(app toolkit.App, kind, subject string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", kind, err)
	}
	if err := app.Store().SaveArtifact(&store.Artifact{Kind: kind, Subject: subject, Body: raw}); err != nil {
		return fmt.Errorf("save %s artifact: %w", kind, err)
	}
	return nil
}

// clusterCommand sends a cluster-specific command from the coordinator to
// dst. With wait the reply frame is returned.
func clusterCommand(ctx context.Context, app toolkit.App, dst zigbee.NWK, ep uint8, cluster uint16, cmd uint8, payload []byte, wait bool) (*zcl.Frame, error) {
	return app.ZCLRequest(ctx, ncp.ZCLRequest{
		Dst:          dst,
		DstEP:        ep,
		ClusterID:    cluster,
		Frame:        zcl.NewClusterCommand(0, cmd, false, 0, payload),
		WaitResponse: wait,
	})
}

// replyStatus fails when frame is a Default Response carrying an error.
func replyStatus(frame *zcl.Frame) error {
	if frame == nil || !frame.IsGlobal() || frame.CommandID != zcl.FoundationDefaultResponse {
		return nil
	}
	dr, err := zcl.ParseDefaultResponse(frame.Payload)
	if err != nil {
		return err
	}
	if dr.Status != zcl.StatusSuccess {
		return fmt.Errorf("cmd 0x%02X: %s", dr.CommandID, zcl.StatusName(dr.Status))
	}
	return nil
}

func hex16(v uint16) string { return fmt.Sprintf("0x%04X", v) }
