package ncp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zdo"
	"zigbee-toolkit/internal/zigbee"
)

var (
	_ NCP             = (*ZBOSS)(nil)
	_ AddressResolver = (*ZBOSS)(nil)
	_ ValueReader     = (*ZBOSS)(nil)
	_ KeyReader       = (*ZBOSS)(nil)
)

func (n *ZBOSS) Init(ctx context.Context) error {
	resp, err := n.request(ctx, zbossCmdGetModuleVersion, nil)
	if err != nil {
		return err
	}
	if len(resp.Payload) >= 12 {
		stack := binary.LittleEndian.Uint32(resp.Payload[4:8])
		info := NCPInfo{
			FWVersion:       binary.LittleEndian.Uint32(resp.Payload[0:4]),
			StackVersion:    fmt.Sprintf("%d.%d.%d.%d", stack>>24, (stack>>16)&0xFF, (stack>>8)&0xFF, stack&0xFF),
			ProtocolVersion: binary.LittleEndian.Uint32(resp.Payload[8:12]),
		}
		n.infoMu.Lock()
		info.NetworkKey = n.ncpInfo.NetworkKey
		n.ncpInfo = info
		n.infoMu.Unlock()
		n.logger.Info("NCP module version", "fw", info.FWVersion, "stack", info.StackVersion, "protocol", info.ProtocolVersion)
	}

	// Legacy trust center: well-known link key, no install codes, network
	// key delivered encrypted with the link key.
	policies := []struct {
		typ  uint16
		val  uint8
		name string
	}{
		{zbossTCPolicyLinkKeysRequired, 0, "link keys required"},
		{zbossTCPolicyICRequired, 0, "install code required"},
		{zbossTCPolicyTCRejoinEnabled, 1, "tc rejoin enabled"},
		{zbossTCPolicyIgnoreTCRejoin, 0, "ignore tc rejoin"},
		{zbossTCPolicyAPSInsecureJoin, 0, "aps insecure join"},
		{zbossTCPolicyDisableNwkMgmtChanUpd, 0, "disable mgmt channel update"},
	}
	for _, p := range policies {
		buf := binary.LittleEndian.AppendUint16(nil, p.typ)
		buf = append(buf, p.val)
		if _, err := n.request(ctx, zbossCmdSetTCPolicy, buf); err != nil {
			return fmt.Errorf("set TC policy %s: %w", p.name, err)
		}
	}
	return nil
}

// FormNetwork follows the zigpy-zboss write_network_info ordering: the PAN
// ID can only be set after formation.
func (n *ZBOSS) FormNetwork(ctx context.Context, cfg NetworkConfig) error {
	if _, err := n.request(ctx, zbossCmdSetZigbeeRole, []byte{zbossRoleCoordinator}); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	extPan := cfg.ExtPanID.Wire()
	if _, err := n.request(ctx, zbossCmdSetExtPanID, extPan[:]); err != nil {
		return fmt.Errorf("set ext pan id: %w", err)
	}
	mask := zdo.ChannelMask(cfg.Channel)
	if _, err := n.request(ctx, zbossCmdSetChannelMask, binary.LittleEndian.AppendUint32([]byte{0x00}, mask)); err != nil {
		return fmt.Errorf("set channel mask: %w", err)
	}

	key := make([]byte, 16)
	switch len(cfg.NetworkKey) {
	case 0:
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate nwk key: %w", err)
		}
	case 16:
		copy(key, cfg.NetworkKey)
	default:
		return fmt.Errorf("network key must be 16 bytes, got %d", len(cfg.NetworkKey))
	}
	// key(16) + key sequence number(1)
	if _, err := n.request(ctx, zbossCmdSetNwkKey, append(append([]byte(nil), key...), 0x00)); err != nil {
		return fmt.Errorf("set nwk key: %w", err)
	}
	n.infoMu.Lock()
	n.ncpInfo.NetworkKey = key
	n.infoMu.Unlock()

	// channel_list(1 + page(1) + mask(4)) + scan_duration(1) +
	// distributed(1) + distributed_addr(2) + ext_pan(8)
	form := []byte{0x01, 0x00}
	form = binary.LittleEndian.AppendUint32(form, mask)
	form = append(form, 0x05, 0x00, 0x00, 0x00)
	form = append(form, extPan[:]...)
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err = n.request(ctx, zbossCmdNwkFormation, form); err == nil {
			break
		}
		n.logger.Warn("network formation failed, retrying", "attempt", attempt, "err", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("form network: %w", err)
	}

	if _, err := n.request(ctx, zbossCmdSetPanID, binary.LittleEndian.AppendUint16(nil, cfg.PanID)); err != nil {
		return fmt.Errorf("set pan id: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdSetRxOnWhenIdle, []byte{0x01}); err != nil {
		return fmt.Errorf("set rx on when idle: %w", err)
	}
	// 0x08 is 256 minutes.
	if _, err := n.request(ctx, zbossCmdSetEDTimeout, []byte{0x08}); err != nil {
		n.logger.Warn("set end device timeout", "err", err)
	}
	if _, err := n.request(ctx, zbossCmdSetMaxChildren, []byte{100}); err != nil {
		n.logger.Warn("set max children", "err", err)
	}

	// Give the NCP time to persist the PAN ID.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (n *ZBOSS) StartNetwork(ctx context.Context) error {
	if _, err := n.request(ctx, zbossCmdNwkStartWithoutForm, nil); err != nil {
		return err
	}
	ep := SimpleDescriptor{
		Endpoint:    1,
		ProfileID:   ProfileHA,
		DeviceID:    0x0005,
		InClusters:  []uint16{zcl.ClusterBasic, zcl.ClusterOTA},
		OutClusters: []uint16{zcl.ClusterOTA},
	}
	if _, err := n.request(ctx, zbossCmdAFSetSimpleDesc, simpleDescPayload(ep)); err != nil {
		return fmt.Errorf("register endpoint 1: %w", err)
	}
	return nil
}

// PermitJoin opens the network on dst. dst 0x0000 opens the coordinator
// only, a broadcast address opens every router.
func (n *ZBOSS) PermitJoin(ctx context.Context, dst zigbee.NWK, duration uint8) error {
	// dest(2) + duration(1) + tc_significance(1)
	buf := binary.LittleEndian.AppendUint16(nil, uint16(dst))
	buf = append(buf, duration, 0x01)
	_, err := n.request(ctx, zbossCmdZDOPermitJoiningReq, buf)
	return err
}

func (n *ZBOSS) MgmtLeave(ctx context.Context, addr zigbee.NWK, ieee zigbee.IEEE, flags uint8) error {
	// dest(2) + ieee(8) + flags(1)
	wire := ieee.Wire()
	buf := binary.LittleEndian.AppendUint16(nil, uint16(addr))
	buf = append(buf, wire[:]...)
	buf = append(buf, flags)
	_, err := n.request(ctx, zbossCmdZDOMgmtLeaveReq, buf)
	return err
}

func (n *ZBOSS) NetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	info := &NetworkInfo{}
	var lastErr error

	// channel_page(1) + channel(1)
	if resp, err := n.request(ctx, zbossCmdGetChannel, nil); err != nil {
		lastErr = err
	} else if len(resp.Payload) >= 2 {
		info.Channel = resp.Payload[1]
	}
	if resp, err := n.request(ctx, zbossCmdGetPanID, nil); err != nil {
		lastErr = err
	} else if len(resp.Payload) >= 2 {
		info.PanID = binary.LittleEndian.Uint16(resp.Payload)
	}
	if resp, err := n.request(ctx, zbossCmdGetExtPanID, nil); err != nil {
		lastErr = err
	} else if len(resp.Payload) >= 8 {
		info.ExtPanID = zigbee.IEEEFromWire(resp.Payload[:8])
	}

	if info.Channel == 0 && info.PanID == 0 && lastErr != nil {
		return nil, fmt.Errorf("network info: all queries failed: %w", lastErr)
	}
	return info, nil
}

// NetworkScan runs an active beacon scan over channels 11-26.
func (n *ZBOSS) NetworkScan(ctx context.Context) ([]NetworkScanResult, error) {
	buf := []byte{0x01, 0x00}
	buf = binary.LittleEndian.AppendUint32(buf, zdo.AllChannels)
	buf = append(buf, 0x05)

	// The NCP blocks for roughly 500ms per channel.
	scanCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := n.request(scanCtx, zbossCmdNwkDiscovery, buf)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Category == zbossStatusMAC && se.Code == zbossMACNoBeacon {
			return nil, nil
		}
		return nil, fmt.Errorf("network scan: %w", err)
	}
	results := parseScanResults(resp.Payload)
	n.logger.Info("network scan complete", "networks_found", len(results))
	return results, nil
}

func (n *ZBOSS) GetLocalIEEE(ctx context.Context) (zigbee.IEEE, error) {
	// mac_interface(1) -> mac_interface(1) + ieee(8)
	resp, err := n.request(ctx, zbossCmdGetLocalIEEE, []byte{0x00})
	if err != nil {
		return zigbee.IEEE{}, fmt.Errorf("get local ieee: %w", err)
	}
	if len(resp.Payload) < 9 {
		return zigbee.IEEE{}, fmt.Errorf("get local ieee: short response %X", resp.Payload)
	}
	return zigbee.IEEEFromWire(resp.Payload[1:9]), nil
}

func (n *ZBOSS) ActiveEndpoints(ctx context.Context, addr zigbee.NWK) ([]uint8, error) {
	resp, err := n.request(ctx, zbossCmdZDOActiveEPReq, binary.LittleEndian.AppendUint16(nil, uint16(addr)))
	if err != nil {
		return nil, err
	}
	// count(1) + endpoints + nwk(2)
	if len(resp.Payload) < 1 || len(resp.Payload) < 1+int(resp.Payload[0]) {
		return nil, fmt.Errorf("zboss: active endpoints response truncated: %X", resp.Payload)
	}
	eps := append([]uint8(nil), resp.Payload[1:1+int(resp.Payload[0])]...)
	n.logger.Debug("active endpoints", "short", addr, "endpoints", eps)
	return eps, nil
}

func (n *ZBOSS) SimpleDescriptor(ctx context.Context, addr zigbee.NWK, endpoint uint8) (*SimpleDescriptor, error) {
	buf := binary.LittleEndian.AppendUint16(nil, uint16(addr))
	resp, err := n.request(ctx, zbossCmdZDOSimpleDescReq, append(buf, endpoint))
	if err != nil {
		return nil, err
	}
	return parseSimpleDesc(resp.Payload)
}

func (n *ZBOSS) Bind(ctx context.Context, req BindRequest) error {
	_, err := n.request(ctx, zbossCmdZDOBindReq, bindPayload(req))
	return err
}

func (n *ZBOSS) Unbind(ctx context.Context, req BindRequest) error {
	_, err := n.request(ctx, zbossCmdZDOUnbindReq, bindPayload(req))
	return err
}

func isBroadcast(addr zigbee.NWK) bool {
	return addr >= 0xFFF8
}

// ZDORequest sends a ZDO frame through the APS layer and, for unicasts,
// waits for the response cluster carrying the same TSN. The returned
// payload excludes the TSN.
func (n *ZBOSS) ZDORequest(ctx context.Context, req ZDORequest) ([]byte, error) {
	tsn := n.nextZDOTSN()
	wait := !req.NoResponse && !isBroadcast(req.Dst)
	var ch <-chan []byte
	if wait {
		var cancel func()
		ch, cancel = n.zdoWait.add(zdoKey{cluster: req.Cluster | zdo.ResponseBit, tsn: tsn})
		defer cancel()
	}

	aps := apsDataReq{
		DstMode:   zbossAddrModeShort,
		DstShort:  req.Dst,
		ProfileID: ProfileZDO,
		ClusterID: req.Cluster,
		Radius:    zbossDefaultRadius,
		Data:      append([]byte{tsn}, req.Payload...),
	}
	if !isBroadcast(req.Dst) {
		aps.TxOptions = zbossTxOptACK
	}
	if _, err := n.request(ctx, zbossCmdAPSDEDataReq, aps.marshal()); err != nil {
		return nil, fmt.Errorf("zdo 0x%04X to %s: %w", req.Cluster, req.Dst, err)
	}
	if !wait {
		return nil, nil
	}

	select {
	case payload, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("zdo 0x%04X to %s: %w", req.Cluster, req.Dst, ctx.Err())
	case <-n.doneCh():
		return nil, ErrClosed
	}
}

// SendZCL transmits req.Frame with a fresh sequence number.
func (n *ZBOSS) SendZCL(ctx context.Context, req ZCLRequest) (*zcl.Frame, error) {
	if req.Frame == nil {
		return nil, errors.New("zcl request without frame")
	}
	req.Frame.Seq = n.nextZCLSeq()
	if req.SrcEP == 0 {
		req.SrcEP = 1
	}
	if req.ProfileID == 0 {
		req.ProfileID = ProfileHA
	}

	aps := apsDataReq{
		DstMode:   zbossAddrModeShort,
		DstShort:  req.Dst,
		ProfileID: req.ProfileID,
		ClusterID: req.ClusterID,
		DstEP:     req.DstEP,
		SrcEP:     req.SrcEP,
		Radius:    zbossDefaultRadius,
		TxOptions: zbossTxOptACK,
		Data:      req.Frame.Marshal(),
	}
	wait := req.WaitResponse
	if req.UseGroup {
		aps.DstMode = zbossAddrModeGroup
		aps.DstGroup = req.Group
		aps.TxOptions = 0
		wait = false
	} else if isBroadcast(req.Dst) {
		aps.TxOptions = 0
		wait = false
	}

	var ch <-chan *zcl.Frame
	if wait {
		var cancel func()
		ch, cancel = n.zclWait.add(zclKey{src: req.Dst, seq: req.Frame.Seq})
		defer cancel()
	}

	n.logger.Debug("ZCL TX", "dst", req.Dst, "ep", req.DstEP,
		"cluster", fmt.Sprintf("0x%04X", req.ClusterID), "frame", req.Frame.String())
	if _, err := n.request(ctx, zbossCmdAPSDEDataReq, aps.marshal()); err != nil {
		return nil, err
	}
	if !wait {
		return nil, nil
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("zcl cluster 0x%04X to %s: no response: %w", req.ClusterID, req.Dst, ctx.Err())
	case <-n.doneCh():
		return nil, ErrClosed
	}
}

func (n *ZBOSS) IEEEByNWK(ctx context.Context, nwk zigbee.NWK) (zigbee.IEEE, error) {
	resp, err := n.request(ctx, zbossCmdNwkGetIEEEByShort, binary.LittleEndian.AppendUint16(nil, uint16(nwk)))
	if err != nil {
		return zigbee.IEEE{}, err
	}
	if len(resp.Payload) < 8 {
		return zigbee.IEEE{}, fmt.Errorf("zboss: ieee by short: short response %X", resp.Payload)
	}
	return zigbee.IEEEFromWire(resp.Payload[:8]), nil
}

func (n *ZBOSS) NWKByIEEE(ctx context.Context, ieee zigbee.IEEE) (zigbee.NWK, error) {
	wire := ieee.Wire()
	resp, err := n.request(ctx, zbossCmdNwkGetShortByIEEE, wire[:])
	if err != nil {
		return 0, err
	}
	if len(resp.Payload) < 2 {
		return 0, fmt.Errorf("zboss: short by ieee: short response %X", resp.Payload)
	}
	return zigbee.NWK(binary.LittleEndian.Uint16(resp.Payload)), nil
}

type radioValue struct {
	cmd    uint16
	req    []byte
	decode func([]byte) (interface{}, error)
}

func u8At(i int) func([]byte) (interface{}, error) {
	return func(p []byte) (interface{}, error) {
		if len(p) <= i {
			return nil, fmt.Errorf("short response %X", p)
		}
		return p[i], nil
	}
}

func u16LE(p []byte) (interface{}, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("short response %X", p)
	}
	return binary.LittleEndian.Uint16(p), nil
}

func i8First(p []byte) (interface{}, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("short response %X", p)
	}
	return int8(p[0]), nil
}

// channelMaskList decodes count(1) + page(1) + mask(4).
func channelMaskList(p []byte) (interface{}, error) {
	if len(p) < 6 {
		return nil, fmt.Errorf("short response %X", p)
	}
	return fmt.Sprintf("0x%08X", binary.LittleEndian.Uint32(p[2:6])), nil
}

func ieeeAt(i int) func([]byte) (interface{}, error) {
	return func(p []byte) (interface{}, error) {
		if len(p) < i+8 {
			return nil, fmt.Errorf("short response %X", p)
		}
		return zigbee.IEEEFromWire(p[i : i+8]).String(), nil
	}
}

var zbossValues = map[string]map[string]radioValue{
	ValueSpaceValue: {
		"channel":         {cmd: zbossCmdGetChannel, decode: u8At(1)},
		"pan_id":          {cmd: zbossCmdGetPanID, decode: u16LE},
		"extended_pan_id": {cmd: zbossCmdGetExtPanID, decode: ieeeAt(0)},
		"local_ieee":      {cmd: zbossCmdGetLocalIEEE, req: []byte{0x00}, decode: ieeeAt(1)},
		"zigbee_role":     {cmd: zbossCmdGetZigbeeRole, decode: u8At(0)},
		"tx_power":        {cmd: zbossCmdGetTXPower, decode: i8First},
	},
	ValueSpaceConfig: {
		"rx_on_when_idle":    {cmd: zbossCmdGetRxOnWhenIdle, decode: u8At(0)},
		"end_device_timeout": {cmd: zbossCmdGetEDTimeout, decode: u8At(0)},
		"max_children":       {cmd: zbossCmdGetMaxChildren, decode: u8At(0)},
		"channel_mask":       {cmd: zbossCmdGetChannelMask, decode: channelMaskList},
	},
}

// RadioValue reads a named NCP parameter. Policies and tokens are not
// readable over the ZBOSS NCP protocol.
func (n *ZBOSS) RadioValue(ctx context.Context, space, name string) (interface{}, error) {
	v, ok := zbossValues[space][name]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", space, name, ErrUnsupported)
	}
	resp, err := n.request(ctx, v.cmd, v.req)
	if err != nil {
		return nil, err
	}
	val, err := v.decode(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", space, name, err)
	}
	return val, nil
}

// NetworkKey returns the active network key, asking the NCP when it was
// not set by this process.
func (n *ZBOSS) NetworkKey(ctx context.Context) ([]byte, error) {
	n.infoMu.RLock()
	cached := n.ncpInfo.NetworkKey
	n.infoMu.RUnlock()
	if len(cached) == 16 {
		return append([]byte(nil), cached...), nil
	}
	resp, err := n.request(ctx, zbossCmdGetNwkKeys, nil)
	if err != nil {
		return nil, err
	}
	// key(16) + key_seq(1), repeated per stored key
	if len(resp.Payload) < 16 {
		return nil, fmt.Errorf("zboss: network keys: short response")
	}
	key := append([]byte(nil), resp.Payload[:16]...)
	n.infoMu.Lock()
	n.ncpInfo.NetworkKey = key
	n.infoMu.Unlock()
	return append([]byte(nil), key...), nil
}

func (n *ZBOSS) OnDeviceJoined(handler func(DeviceJoinedEvent)) {
	n.handlerMu.Lock()
	n.onJoined = handler
	n.handlerMu.Unlock()
}

func (n *ZBOSS) OnDeviceLeft(handler func(DeviceLeftEvent)) {
	n.handlerMu.Lock()
	n.onLeft = handler
	n.handlerMu.Unlock()
}

func (n *ZBOSS) OnDeviceAnnounce(handler func(DeviceAnnounceEvent)) {
	n.handlerMu.Lock()
	n.onAnnounce = handler
	n.handlerMu.Unlock()
}

func (n *ZBOSS) OnAttributeReport(handler func(AttributeReportEvent)) {
	n.handlerMu.Lock()
	n.onReport = handler
	n.handlerMu.Unlock()
}

func (n *ZBOSS) OnClusterCommand(handler func(ClusterCommandEvent)) {
	n.handlerMu.Lock()
	n.onClusterCmd = handler
	n.handlerMu.Unlock()
}

func (n *ZBOSS) OnNwkAddrUpdate(handler func(zigbee.NWK)) {
	n.handlerMu.Lock()
	n.onNwkAddrUpdate = handler
	n.handlerMu.Unlock()
}

// OnNCPReset registers a callback for spontaneous NCP resets.
func (n *ZBOSS) OnNCPReset(handler func()) {
	n.handlerMu.Lock()
	n.onReset = handler
	n.handlerMu.Unlock()
}

// GetNCPInfo returns a copy of the cached version information.
func (n *ZBOSS) GetNCPInfo() *NCPInfo {
	n.infoMu.RLock()
	defer n.infoMu.RUnlock()
	info := n.ncpInfo
	info.NetworkKey = append([]byte(nil), n.ncpInfo.NetworkKey...)
	return &info
}
