package coordinator

import (
	"context"
	"errors"
	"fmt"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

// ErrNoResponse is returned when a device answered nothing to a request
// that expects a reply.
var ErrNoResponse = errors.New("no response")

// ZCLStatusError is a non-success status returned in a Default Response or
// in a per-attribute status record.
type ZCLStatusError struct {
	CommandID uint8
	AttrID    uint16
	Status    uint8
}

func (e *ZCLStatusError) Error() string {
	if e.AttrID != 0 {
		return fmt.Sprintf("zcl cmd 0x%02X attr 0x%04X: %s", e.CommandID, e.AttrID, zcl.StatusName(e.Status))
	}
	return fmt.Sprintf("zcl cmd 0x%02X: %s", e.CommandID, zcl.StatusName(e.Status))
}

// ZCLRequest sends one ZCL frame through the radio.
func (c *Coordinator) ZCLRequest(ctx context.Context, req ncp.ZCLRequest) (*zcl.Frame, error) {
	resp, err := c.ncp.SendZCL(ctx, req)
	if err != nil {
		dst := req.Dst.String()
		if req.UseGroup {
			dst = fmt.Sprintf("group 0x%04X", req.Group)
		}
		return nil, fmt.Errorf("zcl %s to %s: %w", c.registry.ClusterName(req.ClusterID), dst, err)
	}
	if req.WaitResponse && resp == nil {
		return nil, fmt.Errorf("zcl %s to %s: %w", c.registry.ClusterName(req.ClusterID), req.Dst, ErrNoResponse)
	}
	return resp, nil
}

// foundation sends a global command and returns the reply payload, turning
// a Default Response into a *ZCLStatusError.
func (c *Coordinator) foundation(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, cmd uint8, payload []byte, want uint8) ([]byte, error) {
	resp, err := c.ZCLRequest(ctx, ncp.ZCLRequest{
		Dst:          dst,
		DstEP:        ep,
		ClusterID:    clusterID,
		Frame:        zcl.NewGlobal(0, cmd, manuf, payload),
		WaitResponse: true,
	})
	if err != nil {
		return nil, err
	}
	if resp.IsGlobal() && resp.CommandID == zcl.FoundationDefaultResponse {
		dr, err := zcl.ParseDefaultResponse(resp.Payload)
		if err != nil {
			return nil, fmt.Errorf("default response: %w", err)
		}
		return nil, &ZCLStatusError{CommandID: dr.CommandID, Status: dr.Status}
	}
	if !resp.IsGlobal() || resp.CommandID != want {
		return nil, fmt.Errorf("zcl: unexpected reply %s to cmd 0x%02X", resp, cmd)
	}
	return resp.Payload, nil
}

// ReadAttributes reads attributes from a device endpoint/cluster.
func (c *Coordinator) ReadAttributes(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, attrIDs []uint16) ([]zcl.AttributeRecord, error) {
	payload, err := c.foundation(ctx, dst, ep, clusterID, manuf,
		zcl.FoundationReadAttributes, zcl.ReadAttributesPayload(attrIDs), zcl.FoundationReadAttributesResponse)
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}
	return zcl.ParseReadAttributesResponse(payload)
}

// WriteAttributes writes attribute records and reports the first failing
// status.
func (c *Coordinator) WriteAttributes(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, records []zcl.WriteRecord) error {
	payload, err := c.foundation(ctx, dst, ep, clusterID, manuf,
		zcl.FoundationWriteAttributes, zcl.WriteAttributesPayload(records), zcl.FoundationWriteAttributesResp)
	if err != nil {
		return fmt.Errorf("write attributes: %w", err)
	}
	return firstStatusError(zcl.FoundationWriteAttributes, payload, zcl.ParseWriteAttributesResponse)
}

// ConfigureReporting sets up attribute reporting on a device.
func (c *Coordinator) ConfigureReporting(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, configs []zcl.ReportingConfig) error {
	payload, err := c.foundation(ctx, dst, ep, clusterID, manuf,
		zcl.FoundationConfigReporting, zcl.ConfigureReportingPayload(configs), zcl.FoundationConfigReportingResp)
	if err != nil {
		return fmt.Errorf("configure reporting: %w", err)
	}
	return firstStatusError(zcl.FoundationConfigReporting, payload, zcl.ParseConfigureReportingResponse)
}

// DiscoverAttributes walks Discover Attributes until the device reports
// completion.
func (c *Coordinator) DiscoverAttributes(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16) ([]zcl.DiscoveredAttribute, error) {
	var out []zcl.DiscoveredAttribute
	start := uint16(0)
	for {
		payload, err := c.foundation(ctx, dst, ep, clusterID, manuf,
			zcl.FoundationDiscoverAttributes, zcl.DiscoverAttributesPayload(start, 16), zcl.FoundationDiscoverAttributesResp)
		if err != nil {
			return out, fmt.Errorf("discover attributes: %w", err)
		}
		attrs, complete, err := zcl.ParseDiscoverAttributesResponse(payload)
		if err != nil {
			return out, err
		}
		out = append(out, attrs...)
		if complete || len(attrs) == 0 {
			return out, nil
		}
		last := attrs[len(attrs)-1].ID
		if last == 0xFFFF {
			return out, nil
		}
		start = last + 1
	}
}

// DiscoverCommands walks Discover Commands Received (generated=false) or
// Generated.
func (c *Coordinator) DiscoverCommands(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, generated bool) ([]uint8, error) {
	cmd, want := zcl.FoundationDiscoverCommandsRecv, zcl.FoundationDiscoverCommandsRecvRsp
	if generated {
		cmd, want = zcl.FoundationDiscoverCommandsGen, zcl.FoundationDiscoverCommandsGenRsp
	}
	var out []uint8
	start := uint8(0)
	for {
		payload, err := c.foundation(ctx, dst, ep, clusterID, manuf, cmd, zcl.DiscoverCommandsPayload(start, 16), want)
		if err != nil {
			return out, fmt.Errorf("discover commands: %w", err)
		}
		ids, complete, err := zcl.ParseDiscoverCommandsResponse(payload)
		if err != nil {
			return out, err
		}
		out = append(out, ids...)
		if complete || len(ids) == 0 || ids[len(ids)-1] == 0xFF {
			return out, nil
		}
		start = ids[len(ids)-1] + 1
	}
}

// SendClusterCommand sends a cluster-specific command. With waitResponse
// the reply frame is returned.
func (c *Coordinator) SendClusterCommand(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, commandID uint8, payload []byte, waitResponse bool) (*zcl.Frame, error) {
	return c.ZCLRequest(ctx, ncp.ZCLRequest{
		Dst:          dst,
		DstEP:        ep,
		ClusterID:    clusterID,
		Frame:        zcl.NewClusterCommand(0, commandID, false, manuf, payload),
		WaitResponse: waitResponse,
	})
}

func firstStatusError(cmd uint8, payload []byte, parse func([]byte) ([]zcl.AttributeStatus, error)) error {
	statuses, err := parse(payload)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		if s.Status != zcl.StatusSuccess {
			return &ZCLStatusError{CommandID: cmd, AttrID: s.AttrID, Status: s.Status}
		}
	}
	return nil
}
