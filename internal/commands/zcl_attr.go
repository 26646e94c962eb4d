package commands

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

// RegisterAttributeCommands registers ZCL attribute and raw command access.
func RegisterAttributeCommands(r *toolkit.Router) {
	r.MustRegister("attr_read", attrRead, toolkit.RequiresIEEE(),
		toolkit.Describe("read attributes; params: cluster, attribute, endpoint, manf"))
	r.MustRegister("attr_write", attrWrite, toolkit.RequiresIEEE(),
		toolkit.Describe("write an attribute and read it back; params: cluster, attribute, attr_type, attr_val, read_before_write"))
	r.MustRegister("conf_report", confReport, toolkit.RequiresIEEE(),
		toolkit.Describe("configure reporting; params: cluster, attribute, min_interval, max_interval, reportable_change"))
	r.MustRegister("zcl_cmd", zclCmd, toolkit.RequiresIEEE(),
		toolkit.Describe("send a raw cluster command; params: cluster, cmd, args, endpoint, dir, manf, expect_reply"))
}

// attrTarget is the addressing shared by the attribute commands.
type attrTarget struct {
	nwk     zigbee.NWK
	ep      uint8
	cluster uint16
	manuf   uint16
}

func resolveAttrTarget(ctx context.Context, inv *toolkit.Invocation) (*attrTarget, error) {
	cluster, err := clusterParam(inv, "cluster")
	if err != nil {
		return nil, err
	}
	manuf, err := manufParam(inv)
	if err != nil {
		return nil, err
	}
	nwk, err := inv.App.NWK(ctx, inv.IEEE)
	if err != nil {
		return nil, err
	}
	dev, _ := inv.App.Device(inv.IEEE)
	ep, err := firstEndpoint(inv, dev, cluster, true)
	if err != nil {
		return nil, err
	}
	return &attrTarget{nwk: nwk, ep: ep, cluster: cluster, manuf: manuf}, nil
}

// attributeParam resolves the "attribute" parameter, which may be a list.
// The type of each attribute is taken from the registry when known.
func attributeParam(inv *toolkit.Invocation, cluster uint16) ([]uint16, []uint8, error) {
	refs := inv.Request.ParamList("attribute")
	if len(refs) == 0 {
		return nil, nil, fmt.Errorf("%w: %s needs param attribute", toolkit.ErrInvalidData, inv.Command)
	}
	ids := make([]uint16, 0, len(refs))
	types := make([]uint8, 0, len(refs))
	for _, ref := range refs {
		s := fmt.Sprint(ref)
		if f, ok := ref.(float64); ok {
			s = fmt.Sprintf("%d", int64(f))
		}
		id, def, err := inv.App.Registry().ResolveAttribute(cluster, strings.TrimSpace(s))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", toolkit.ErrInvalidData, err)
		}
		ids = append(ids, id)
		var t uint8
		if def != nil {
			t = def.Type
		}
		types = append(types, t)
	}
	return ids, types, nil
}

// knownAttribute returns the registry definition of id, or nil.
func knownAttribute(inv *toolkit.Invocation, cluster, id uint16) *zcl.AttributeDef {
	if def := inv.App.Registry().Get(cluster); def != nil {
		return def.FindAttribute(id)
	}
	return nil
}

// attrType returns the attr_type parameter, falling back to known.
func attrType(inv *toolkit.Invocation, known uint8) (uint8, error) {
	if ref := inv.Request.ParamString("attr_type", ""); ref != "" {
		t, err := zcl.TypeByName(ref)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", toolkit.ErrInvalidData, err)
		}
		return t, nil
	}
	if known == 0 {
		return 0, fmt.Errorf("%w: attribute type unknown, pass attr_type", toolkit.ErrInvalidData)
	}
	return known, nil
}

// AttributeReadResult is returned by attr_read and attr_write.
type AttributeReadResult struct {
	IEEE       string                `json:"ieee"`
	Endpoint   uint8                 `json:"endpoint"`
	Cluster    string                `json:"cluster"`
	Attributes []zcl.AttributeResult `json:"attributes"`
	Before     []zcl.AttributeResult `json:"before,omitempty"`
}

func attrRead(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	t, err := resolveAttrTarget(ctx, inv)
	if err != nil {
		return nil, err
	}
	ids, _, err := attributeParam(inv, t.cluster)
	if err != nil {
		return nil, err
	}
	records, err := inv.App.ReadAttributes(ctx, t.nwk, t.ep, t.cluster, t.manuf, ids)
	if err != nil {
		return nil, err
	}
	return &AttributeReadResult{
		IEEE:       inv.IEEE.String(),
		Endpoint:   t.ep,
		Cluster:    inv.App.Registry().ClusterName(t.cluster),
		Attributes: inv.App.Registry().Describe(t.cluster, records),
	}, nil
}

func attrWrite(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	t, err := resolveAttrTarget(ctx, inv)
	if err != nil {
		return nil, err
	}
	ids, types, err := attributeParam(inv, t.cluster)
	if err != nil {
		return nil, err
	}
	if len(ids) != 1 {
		return nil, fmt.Errorf("%w: attr_write takes exactly one attribute", toolkit.ErrInvalidData)
	}
	if !inv.Request.Has("attr_val") {
		return nil, fmt.Errorf("%w: attr_write needs param attr_val", toolkit.ErrInvalidData)
	}
	typeID, err := attrType(inv, types[0])
	if err != nil {
		return nil, err
	}
	val, err := zcl.ParseValue(typeID, inv.Request.ParamString("attr_val", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: attr_val: %v", toolkit.ErrInvalidData, err)
	}
	raw, err := zcl.EncodeValue(typeID, val)
	if err != nil {
		return nil, fmt.Errorf("%w: attr_val: %v", toolkit.ErrInvalidData, err)
	}
	readBefore, err := inv.Request.ParamBool("read_before_write", false)
	if err != nil {
		return nil, err
	}

	result := &AttributeReadResult{
		IEEE:     inv.IEEE.String(),
		Endpoint: t.ep,
		Cluster:  inv.App.Registry().ClusterName(t.cluster),
	}
	if readBefore {
		records, err := inv.App.ReadAttributes(ctx, t.nwk, t.ep, t.cluster, t.manuf, ids)
		if err != nil {
			return nil, err
		}
		result.Before = inv.App.Registry().Describe(t.cluster, records)
	}

	if a := knownAttribute(inv, t.cluster, ids[0]); a != nil && !a.IsWritable() {
		inv.Logger.Warn("writing attribute not marked writable", "cluster", hex16(t.cluster), "attr", a.Name)
	}
	rec := zcl.WriteRecord{ID: ids[0], DataType: typeID, Value: raw}
	if err := inv.App.WriteAttributes(ctx, t.nwk, t.ep, t.cluster, t.manuf, []zcl.WriteRecord{rec}); err != nil {
		return nil, err
	}

	records, err := inv.App.ReadAttributes(ctx, t.nwk, t.ep, t.cluster, t.manuf, ids)
	if err != nil {
		return nil, fmt.Errorf("read back: %w", err)
	}
	result.Attributes = inv.App.Registry().Describe(t.cluster, records)
	return result, nil
}

func confReport(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	t, err := resolveAttrTarget(ctx, inv)
	if err != nil {
		return nil, err
	}
	ids, types, err := attributeParam(inv, t.cluster)
	if err != nil {
		return nil, err
	}
	minInterval, err := inv.Request.ParamUint("min_interval", 16, 5)
	if err != nil {
		return nil, err
	}
	maxInterval, err := inv.Request.ParamUint("max_interval", 16, 300)
	if err != nil {
		return nil, err
	}
	if maxInterval != 0xFFFF && maxInterval < minInterval {
		return nil, fmt.Errorf("%w: max_interval %d < min_interval %d", toolkit.ErrInvalidData, maxInterval, minInterval)
	}
	change := inv.Request.ParamString("reportable_change", "1")

	configs := make([]zcl.ReportingConfig, 0, len(ids))
	for i, id := range ids {
		typeID, err := attrType(inv, types[i])
		if err != nil {
			return nil, err
		}
		if a := knownAttribute(inv, t.cluster, id); a != nil && !a.IsReportable() {
			inv.Logger.Warn("configuring reporting of attribute not marked reportable", "cluster", hex16(t.cluster), "attr", a.Name)
		}
		cfg := zcl.ReportingConfig{
			AttrID:      id,
			DataType:    typeID,
			MinInterval: uint16(minInterval),
			MaxInterval: uint16(maxInterval),
		}
		if zcl.IsAnalog(typeID) {
			v, err := zcl.ParseValue(typeID, change)
			if err != nil {
				return nil, fmt.Errorf("%w: reportable_change: %v", toolkit.ErrInvalidData, err)
			}
			if cfg.ReportChange, err = zcl.EncodeValue(typeID, v); err != nil {
				return nil, fmt.Errorf("%w: reportable_change: %v", toolkit.ErrInvalidData, err)
			}
		}
		configs = append(configs, cfg)
	}
	if err := inv.App.ConfigureReporting(ctx, t.nwk, t.ep, t.cluster, t.manuf, configs); err != nil {
		return nil, err
	}
	attrs := make([]string, len(ids))
	for i, id := range ids {
		attrs[i] = hex16(id)
	}
	return map[string]interface{}{
		"ieee":         inv.IEEE.String(),
		"endpoint":     t.ep,
		"cluster":      inv.App.Registry().ClusterName(t.cluster),
		"attributes":   attrs,
		"min_interval": minInterval,
		"max_interval": maxInterval,
	}, nil
}

// FrameResult describes a reply frame.
type FrameResult struct {
	CommandID uint8  `json:"command_id"`
	Global    bool   `json:"global"`
	Payload   string `json:"payload"`
	Status    string `json:"status,omitempty"`
}

func zclCmd(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	t, err := resolveAttrTarget(ctx, inv)
	if err != nil {
		return nil, err
	}
	if !inv.Request.Has("cmd") {
		return nil, fmt.Errorf("%w: zcl_cmd needs param cmd", toolkit.ErrInvalidData)
	}
	cmd, err := inv.Request.ParamUint("cmd", 8, 0)
	if err != nil {
		return nil, err
	}
	dir, err := inv.Request.ParamUint("dir", 1, 0)
	if err != nil {
		return nil, err
	}
	wait, err := inv.Request.ParamBool("expect_reply", true)
	if err != nil {
		return nil, err
	}
	payload, err := argsPayload(inv.Request.ParamList("args"))
	if err != nil {
		return nil, err
	}

	frame, err := inv.App.ZCLRequest(ctx, ncp.ZCLRequest{
		Dst:          t.nwk,
		DstEP:        t.ep,
		ClusterID:    t.cluster,
		Frame:        zcl.NewClusterCommand(0, uint8(cmd), dir == 1, t.manuf, payload),
		WaitResponse: wait,
	})
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return map[string]interface{}{"sent": true}, nil
	}
	res := &FrameResult{CommandID: frame.CommandID, Global: frame.IsGlobal(), Payload: hex.EncodeToString(frame.Payload)}
	if frame.IsGlobal() && frame.CommandID == zcl.FoundationDefaultResponse {
		if dr, err := zcl.ParseDefaultResponse(frame.Payload); err == nil {
			res.Status = zcl.StatusName(dr.Status)
		}
	}
	return res, nil
}

// argsPayload turns zcl_cmd args into payload bytes. Elements are byte
// values; a string element of more than one byte is taken as hex.
func argsPayload(args []interface{}) ([]byte, error) {
	var out []byte
	for i, a := range args {
		switch v := a.(type) {
		case float64:
			if v < 0 || v > 0xFF || v != float64(int(v)) {
				return nil, fmt.Errorf("%w: args[%d] %v is not a byte", toolkit.ErrInvalidData, i, v)
			}
			out = append(out, byte(v))
		case json.Number:
			n, err := zigbee.ParseUint(v.String(), 8)
			if err != nil {
				return nil, fmt.Errorf("%w: args[%d] %s is not a byte", toolkit.ErrInvalidData, i, v)
			}
			out = append(out, byte(n))
		case string:
			s := strings.TrimSpace(v)
			if n, err := zigbee.ParseUint(s, 8); err == nil {
				out = append(out, byte(n))
				continue
			}
			b, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(s, ":", ""), "0x"))
			if err != nil {
				return nil, fmt.Errorf("%w: args[%d] %q is neither a byte nor hex", toolkit.ErrInvalidData, i, v)
			}
			out = append(out, b...)
		default:
			return nil, fmt.Errorf("%w: args[%d]: unexpected %T", toolkit.ErrInvalidData, i, a)
		}
	}
	return out, nil
}
