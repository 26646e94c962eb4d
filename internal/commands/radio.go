package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zdo"
	"zigbee-toolkit/internal/zigbee"
)

// RegisterRadioCommands registers commands that query or configure the
// coordinator radio itself. Most of them depend on optional backend
// capabilities and fail with ErrUnsupported when the radio lacks one.
func RegisterRadioCommands(r *toolkit.Router) {
	r.MustRegister("ezsp_set_channel", setChannel,
		toolkit.Describe("move the network to another channel; data: channel 11-26"))
	r.MustRegister("ezsp_get_token", radioValue(ncp.ValueSpaceToken),
		toolkit.Describe("read a radio token; data: token name"))
	r.MustRegister("ezsp_get_policy", radioValue(ncp.ValueSpacePolicy),
		toolkit.Describe("read a radio policy; data: policy name"))
	r.MustRegister("ezsp_get_config_value", radioValue(ncp.ValueSpaceConfig),
		toolkit.Describe("read a radio configuration value; data: config name"))
	r.MustRegister("ezsp_get_value", radioValue(ncp.ValueSpaceValue),
		toolkit.Describe("read a radio value; data: value name"))
	r.MustRegister("ezsp_start_mfg", startMfg,
		toolkit.Describe("switch the radio to manufacturing test mode"))
	r.MustRegister("ezsp_get_keys", getKeys,
		toolkit.Describe("list the network key and the link key table"))
	r.MustRegister("ezsp_add_key", addKey, toolkit.RequiresIEEE(),
		toolkit.Describe("add a link key for a device; data: 16 byte key (hex)"))
	r.MustRegister("ezsp_clear_keys", clearKeys,
		toolkit.Describe("clear the link key table"))
	r.MustRegister("ezsp_get_ieee_by_nwk", ieeeByNWK,
		toolkit.Describe("look up an IEEE address in the radio tables; data: NWK"))
}

func setChannel(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	v, err := inv.DataUint(8)
	if err != nil {
		return nil, err
	}
	channel := uint8(v)
	if channel < 11 || channel > 26 {
		return nil, fmt.Errorf("%w: channel %d outside 11-26", toolkit.ErrInvalidData, channel)
	}
	state, err := inv.App.Store().GetNetworkState()
	if err != nil {
		return nil, fmt.Errorf("network state: %w", err)
	}
	if state.Channel == channel {
		return map[string]interface{}{"channel": channel, "nwk_update_id": state.NWKUpdateID, "changed": false}, nil
	}
	updateID := state.NWKUpdateID + 1
	payload := zdo.MgmtNWKUpdateRequest(zdo.ChannelMask(channel), 0xFE, updateID, zigbee.NWKCoordinator)
	if err := inv.App.ZDOBroadcast(ctx, zigbee.NWKBroadcastRxOn, zdo.MgmtNWKUpdateReq, payload); err != nil {
		return nil, err
	}
	if err := inv.App.UpdateChannel(channel, updateID); err != nil {
		return nil, err
	}
	inv.Logger.Info("channel change broadcast", "from", state.Channel, "to", channel, "update_id", updateID)
	return map[string]interface{}{"channel": channel, "nwk_update_id": updateID, "changed": true}, nil
}

func radioValue(space string) toolkit.Handler {
	return func(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
		reader, ok := inv.App.Radio().(ncp.ValueReader)
		if !ok {
			return nil, fmt.Errorf("radio %s values: %w", space, toolkit.ErrUnsupported)
		}
		name := strings.TrimSpace(inv.Data)
		if name == "" {
			return nil, fmt.Errorf("%w: %s name required", toolkit.ErrInvalidData, space)
		}
		v, err := reader.RadioValue(ctx, space, name)
		if err != nil {
			return nil, fmt.Errorf("read %s %q: %w", space, name, err)
		}
		return map[string]interface{}{"space": space, "name": name, "value": v}, nil
	}
}

func startMfg(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	mfg, ok := inv.App.Radio().(ncp.MfgTester)
	if !ok {
		return nil, fmt.Errorf("manufacturing mode: %w", toolkit.ErrUnsupported)
	}
	if err := mfg.StartMfg(ctx); err != nil {
		return nil, fmt.Errorf("start mfg: %w", err)
	}
	return map[string]interface{}{"mfg": true}, nil
}

// KeyEntry is one link key as reported by ezsp_get_keys.
type KeyEntry struct {
	IEEE    string `json:"ieee"`
	Key     string `json:"key"`
	InCount uint32 `json:"incoming_frame_counter"`
}

// KeyTable is the result of ezsp_get_keys.
type KeyTable struct {
	NetworkKey string     `json:"network_key,omitempty"`
	LinkKeys   []KeyEntry `json:"link_keys"`
}

func getKeys(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	radio := inv.App.Radio()
	kr, hasNetKey := radio.(ncp.KeyReader)
	lm, hasLinkKeys := radio.(ncp.LinkKeyManager)
	if !hasNetKey && !hasLinkKeys {
		return nil, fmt.Errorf("key table: %w", toolkit.ErrUnsupported)
	}
	out := &KeyTable{LinkKeys: []KeyEntry{}}
	if hasNetKey {
		key, err := kr.NetworkKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("network key: %w", err)
		}
		out.NetworkKey = hex.EncodeToString(key)
	}
	if hasLinkKeys {
		keys, err := lm.LinkKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("link keys: %w", err)
		}
		for _, k := range keys {
			out.LinkKeys = append(out.LinkKeys, KeyEntry{IEEE: k.IEEE.String(), Key: hex.EncodeToString(k.Key), InCount: k.InCount})
		}
	}
	return out, nil
}

func linkKeyManager(inv *toolkit.Invocation) (ncp.LinkKeyManager, error) {
	lm, ok := inv.App.Radio().(ncp.LinkKeyManager)
	if !ok {
		return nil, fmt.Errorf("link keys: %w", toolkit.ErrUnsupported)
	}
	return lm, nil
}

func addKey(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	lm, err := linkKeyManager(inv)
	if err != nil {
		return nil, err
	}
	clean := strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(inv.Data), "0x"), ":", "")
	key, err := hex.DecodeString(clean)
	if err != nil || len(key) != 16 {
		return nil, fmt.Errorf("%w: link key must be 16 hex bytes", toolkit.ErrInvalidData)
	}
	if err := lm.AddLinkKey(ctx, inv.IEEE, key); err != nil {
		return nil, fmt.Errorf("add link key: %w", err)
	}
	return map[string]interface{}{"ieee": inv.IEEE.String()}, nil
}

func clearKeys(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	lm, err := linkKeyManager(inv)
	if err != nil {
		return nil, err
	}
	if err := lm.ClearLinkKeys(ctx); err != nil {
		return nil, fmt.Errorf("clear link keys: %w", err)
	}
	return map[string]interface{}{"cleared": true}, nil
}

func ieeeByNWK(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	resolver, ok := inv.App.Radio().(ncp.AddressResolver)
	if !ok {
		return nil, fmt.Errorf("address table: %w", toolkit.ErrUnsupported)
	}
	v, err := inv.DataUint(16)
	if err != nil {
		return nil, err
	}
	nwk := zigbee.NWK(v)
	ieee, err := resolver.IEEEByNWK(ctx, nwk)
	if err != nil {
		return nil, fmt.Errorf("ieee of %s: %w", nwk, err)
	}
	return map[string]interface{}{"nwk": nwk.String(), "ieee": ieee.String()}, nil
}
