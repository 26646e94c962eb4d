package coordinator

import (
	"context"
	"fmt"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/zdo"
	"zigbee-toolkit/internal/zigbee"
)

// Bind creates a binding on the target device.
func (c *Coordinator) Bind(ctx context.Context, req ncp.BindRequest) error {
	if err := c.ncp.Bind(ctx, req); err != nil {
		return fmt.Errorf("bind 0x%04X on %s: %w", req.ClusterID, req.Target, err)
	}
	c.logger.Info("bound cluster", "target", req.Target, "cluster", fmt.Sprintf("0x%04X", req.ClusterID), "ep", req.SrcEP)
	return nil
}

// Unbind removes a binding from the target device.
func (c *Coordinator) Unbind(ctx context.Context, req ncp.BindRequest) error {
	if err := c.ncp.Unbind(ctx, req); err != nil {
		return fmt.Errorf("unbind 0x%04X on %s: %w", req.ClusterID, req.Target, err)
	}
	c.logger.Info("unbound cluster", "target", req.Target, "cluster", fmt.Sprintf("0x%04X", req.ClusterID), "ep", req.SrcEP)
	return nil
}

// Leave sends Mgmt_Leave for ieee to target, which is either the device
// itself or its parent.
func (c *Coordinator) Leave(ctx context.Context, target zigbee.NWK, ieee zigbee.IEEE, rejoin bool) error {
	var flags uint8
	if rejoin {
		flags |= zdo.LeaveRejoin
	}
	if err := c.ncp.MgmtLeave(ctx, target, ieee, flags); err != nil {
		return fmt.Errorf("leave %s via %s: %w", ieee, target, err)
	}
	c.logger.Info("leave requested", "ieee", ieee, "target", target, "rejoin", rejoin)
	return nil
}

// ZDORequest sends a unicast ZDO request and returns the response payload
// after the status byte has been checked.
func (c *Coordinator) ZDORequest(ctx context.Context, dst zigbee.NWK, cluster uint16, payload []byte) ([]byte, error) {
	resp, err := c.ncp.ZDORequest(ctx, ncp.ZDORequest{Dst: dst, Cluster: cluster, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("zdo 0x%04X to %s: %w", cluster, dst, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("zdo 0x%04X to %s: %w", cluster, dst, ErrNoResponse)
	}
	if err := zdo.CheckStatus(cluster|zdo.ResponseBit, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ZDOBroadcast sends a ZDO request without waiting for responses.
func (c *Coordinator) ZDOBroadcast(ctx context.Context, dst zigbee.NWK, cluster uint16, payload []byte) error {
	_, err := c.ncp.ZDORequest(ctx, ncp.ZDORequest{Dst: dst, Cluster: cluster, Payload: payload, NoResponse: true})
	if err != nil {
		return fmt.Errorf("zdo broadcast 0x%04X to %s: %w", cluster, dst, err)
	}
	return nil
}
