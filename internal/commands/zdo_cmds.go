package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zdo"
	"zigbee-toolkit/internal/zigbee"
)

// Parent_annce frames carry at most this many children.
const parentAnnceChunk = 10

// RegisterZDOCommands registers network-wide ZDO commands.
// zdo_flood_parent_annce is throttled to limit frames per second.
func RegisterZDOCommands(r *toolkit.Router, limit rate.Limit, burst int) {
	f := &flooder{limit: limit, burst: burst}
	r.MustRegister("zdo_join_with_code", joinWithCode, toolkit.RequiresIEEE(),
		toolkit.Describe("admit a device with its install code; data: install code (hex)"))
	r.MustRegister("zdo_update_nwk_id", updateNWKID,
		toolkit.Describe("broadcast a new network update id; data: update id"))
	r.MustRegister("zdo_flood_parent_annce", f.flood,
		toolkit.Describe("broadcast Parent_annce for the coordinator's end devices; params: count, rate"))
}

func joinWithCode(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	adder, ok := inv.App.Radio().(ncp.InstallCodeAdder)
	if !ok {
		return nil, fmt.Errorf("install codes: %w", toolkit.ErrUnsupported)
	}
	code, err := parseInstallCode(inv.Data)
	if err != nil {
		return nil, err
	}
	duration, err := inv.Request.ParamUint("duration", 8, 60)
	if err != nil {
		return nil, err
	}
	if err := adder.AddInstallCode(ctx, inv.IEEE, code); err != nil {
		return nil, fmt.Errorf("add install code: %w", err)
	}
	if err := inv.App.PermitJoin(ctx, uint8(duration), zigbee.IEEE{}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ieee": inv.IEEE.String(), "permit_duration": duration}, nil
}

// parseInstallCode decodes an install code and checks its trailing CRC.
func parseInstallCode(s string) ([]byte, error) {
	clean := strings.NewReplacer(":", "", " ", "", "-", "").Replace(strings.TrimSpace(s))
	code, err := hex.DecodeString(strings.TrimPrefix(clean, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: install code is not hex", toolkit.ErrInvalidData)
	}
	switch len(code) {
	case 8, 10, 12, 14, 16, 18:
	default:
		return nil, fmt.Errorf("%w: install code of %d bytes", toolkit.ErrInvalidData, len(code))
	}
	body, crc := code[:len(code)-2], uint16(code[len(code)-2])|uint16(code[len(code)-1])<<8
	if got := crc16X25(body); got != crc {
		return nil, fmt.Errorf("%w: install code CRC 0x%04X, want 0x%04X", toolkit.ErrInvalidData, crc, got)
	}
	return code, nil
}

// crc16X25 is CRC-16/X-25, the checksum appended to install codes.
func crc16X25(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

func updateNWKID(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	v, err := inv.DataUint(8)
	if err != nil {
		return nil, err
	}
	updateID := uint8(v)
	state, err := inv.App.Store().GetNetworkState()
	if err != nil {
		return nil, fmt.Errorf("network state: %w", err)
	}
	payload := zdo.MgmtNWKUpdateRequest(zdo.ChannelMask(state.Channel), 0xFF, updateID, zigbee.NWKCoordinator)
	if err := inv.App.ZDOBroadcast(ctx, zigbee.NWKBroadcastRxOn, zdo.MgmtNWKUpdateReq, payload); err != nil {
		return nil, err
	}
	if err := inv.App.UpdateChannel(state.Channel, updateID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"channel": state.Channel, "nwk_update_id": updateID}, nil
}

type flooder struct {
	limit rate.Limit
	burst int
}

func (f *flooder) flood(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	count, err := inv.Request.ParamUint("count", 16, 10)
	if err != nil {
		return nil, err
	}
	limit := f.limit
	if inv.Request.Has("rate") {
		r, err := inv.Request.ParamUint("rate", 16, 0)
		if err != nil {
			return nil, err
		}
		if r == 0 {
			return nil, fmt.Errorf("%w: rate must be positive", toolkit.ErrInvalidData)
		}
		limit = rate.Limit(r)
	}
	limiter := rate.NewLimiter(limit, f.burst)

	devices, err := inv.App.Devices()
	if err != nil {
		return nil, err
	}
	var children []zigbee.IEEE
	for _, d := range devices {
		if d.IsRouter() {
			continue
		}
		if ieee, err := zigbee.ParseIEEE(d.IEEEAddress); err == nil {
			children = append(children, ieee)
		}
	}
	if len(children) == 0 {
		return map[string]interface{}{"frames": 0, "children": 0}, nil
	}

	frames := 0
	for i := uint64(0); i < count; i++ {
		for start := 0; start < len(children); start += parentAnnceChunk {
			chunk := children[start:min(start+parentAnnceChunk, len(children))]
			if err := limiter.Wait(ctx); err != nil {
				return map[string]interface{}{"frames": frames, "children": len(children)}, err
			}
			if err := inv.App.ZDOBroadcast(ctx, zigbee.NWKBroadcastZR, zdo.ParentAnnce, zdo.ParentAnnceRequest(chunk)); err != nil {
				return map[string]interface{}{"frames": frames, "children": len(children)}, err
			}
			frames++
		}
	}
	return map[string]interface{}{"frames": frames, "children": len(children)}, nil
}
