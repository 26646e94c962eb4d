package commands

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

// Groups cluster response statuses that leave the device in the requested
// state.
const (
	statusDuplicateExists uint8 = 0x8A
	statusNotFound        uint8 = 0x8B
)

// RegisterGroupCommands registers Groups cluster and group table commands.
func RegisterGroupCommands(r *toolkit.Router) {
	r.MustRegister("get_groups", getGroups, toolkit.RequiresIEEE(),
		toolkit.Describe("read group membership of every Groups endpoint"))
	r.MustRegister("add_group", addGroup(false), toolkit.RequiresIEEE(),
		toolkit.Describe("Groups.AddGroup on the device; data: group id"))
	r.MustRegister("remove_group", removeGroup(false), toolkit.RequiresIEEE(),
		toolkit.Describe("Groups.RemoveGroup on the device; data: group id"))
	r.MustRegister("remove_all_groups", removeAllGroups, toolkit.RequiresIEEE(),
		toolkit.Describe("Groups.RemoveAllGroups on the device"))
	r.MustRegister("get_zll_groups", getZLLGroups, toolkit.RequiresIEEE(),
		toolkit.Describe("ZLL commissioning GetGroupIdentifiers"))
	r.MustRegister("add_to_group", addGroup(true), toolkit.RequiresIEEE(),
		toolkit.Describe("add the device to a coordinator group; data: group id"))
	r.MustRegister("remove_from_group", removeGroup(true), toolkit.RequiresIEEE(),
		toolkit.Describe("remove the device from a coordinator group; data: group id"))
}

// GroupMembership is the get_groups result for one endpoint.
type GroupMembership struct {
	Endpoint uint8    `json:"endpoint"`
	Capacity uint8    `json:"capacity"`
	Groups   []string `json:"groups"`
}

func groupsTarget(ctx context.Context, inv *toolkit.Invocation) (zigbee.NWK, []uint8, error) {
	dev, err := lookupDevice(inv)
	if err != nil {
		return 0, nil, err
	}
	eps, err := pickEndpoints(inv, dev, zcl.ClusterGroups, true)
	if err != nil {
		return 0, nil, err
	}
	return zigbee.NWK(dev.ShortAddress), eps, nil
}

func groupData(inv *toolkit.Invocation) (uint16, error) {
	v, err := inv.DataUint(16)
	return uint16(v), err
}

// groupReply checks a Groups cluster reply to cmd and returns its payload.
func groupReply(frame *zcl.Frame, cmd uint8) ([]byte, error) {
	if frame == nil {
		return nil, fmt.Errorf("groups cmd 0x%02X: no reply", cmd)
	}
	if err := replyStatus(frame); err != nil {
		return nil, err
	}
	if frame.IsGlobal() {
		return nil, nil
	}
	if frame.CommandID != cmd {
		return nil, fmt.Errorf("groups cmd 0x%02X: unexpected reply %s", cmd, frame)
	}
	return frame.Payload, nil
}

func getGroups(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	nwk, eps, err := groupsTarget(ctx, inv)
	if err != nil {
		return nil, err
	}
	var out []GroupMembership
	for _, ep := range eps {
		frame, err := clusterCommand(ctx, inv.App, nwk, ep, zcl.ClusterGroups, zcl.CmdGetGroupMembership, []byte{0}, true)
		if err != nil {
			return out, err
		}
		payload, err := groupReply(frame, zcl.CmdGetGroupMembership)
		if err != nil {
			return out, err
		}
		if len(payload) < 2 || len(payload) < 2+2*int(payload[1]) {
			return out, fmt.Errorf("get group membership ep %d: short reply %X", ep, payload)
		}
		m := GroupMembership{Endpoint: ep, Capacity: payload[0], Groups: []string{}}
		ids := make([]uint16, 0, payload[1])
		for i := 0; i < int(payload[1]); i++ {
			id := binary.LittleEndian.Uint16(payload[2+2*i:])
			ids = append(ids, id)
			m.Groups = append(m.Groups, hex16(id))
		}
		if err := syncMembership(inv.App.Store(), inv.IEEE, ep, ids); err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

func addGroup(table bool) toolkit.Handler {
	return func(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
		group, err := groupData(inv)
		if err != nil {
			return nil, err
		}
		name := inv.Request.ParamString("name", "")
		if len(name) > 0xFF {
			return nil, fmt.Errorf("%w: group name is %d bytes, at most 255 fit", toolkit.ErrInvalidData, len(name))
		}
		nwk, eps, err := groupsTarget(ctx, inv)
		if err != nil {
			return nil, err
		}
		payload := binary.LittleEndian.AppendUint16(nil, group)
		payload = append(payload, byte(len(name)))
		payload = append(payload, name...)

		for _, ep := range eps {
			frame, err := clusterCommand(ctx, inv.App, nwk, ep, zcl.ClusterGroups, zcl.CmdAddGroup, payload, true)
			if err != nil {
				return nil, err
			}
			if err := groupStatus(frame, zcl.CmdAddGroup, statusDuplicateExists); err != nil {
				return nil, fmt.Errorf("add group %s ep %d: %w", hex16(group), ep, err)
			}
			if err := recordGroup(inv.App.Store(), inv.IEEE, ep, group, true, name, table); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"group": hex16(group), "endpoints": eps}, nil
	}
}

func removeGroup(table bool) toolkit.Handler {
	return func(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
		group, err := groupData(inv)
		if err != nil {
			return nil, err
		}
		nwk, eps, err := groupsTarget(ctx, inv)
		if err != nil {
			return nil, err
		}
		payload := binary.LittleEndian.AppendUint16(nil, group)
		for _, ep := range eps {
			frame, err := clusterCommand(ctx, inv.App, nwk, ep, zcl.ClusterGroups, zcl.CmdRemoveGroup, payload, true)
			if err != nil {
				return nil, err
			}
			if err := groupStatus(frame, zcl.CmdRemoveGroup, statusNotFound); err != nil {
				return nil, fmt.Errorf("remove group %s ep %d: %w", hex16(group), ep, err)
			}
			if err := recordGroup(inv.App.Store(), inv.IEEE, ep, group, false, "", table); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"group": hex16(group), "endpoints": eps}, nil
	}
}

// groupStatus checks an AddGroup/RemoveGroup response; ok is a status
// accepted besides SUCCESS.
func groupStatus(frame *zcl.Frame, cmd uint8, ok uint8) error {
	payload, err := groupReply(frame, cmd)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if s := payload[0]; s != zcl.StatusSuccess && s != ok {
		return errors.New(zcl.StatusName(s))
	}
	return nil
}

func removeAllGroups(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	nwk, eps, err := groupsTarget(ctx, inv)
	if err != nil {
		return nil, err
	}
	for _, ep := range eps {
		frame, err := clusterCommand(ctx, inv.App, nwk, ep, zcl.ClusterGroups, zcl.CmdRemoveAllGroups, nil, true)
		if err != nil {
			return nil, err
		}
		if err := replyStatus(frame); err != nil {
			return nil, fmt.Errorf("remove all groups ep %d: %w", ep, err)
		}
		if err := syncMembership(inv.App.Store(), inv.IEEE, ep, nil); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{"endpoints": eps}, nil
}

// ZLLGroup is one GetGroupIdentifiers record.
type ZLLGroup struct {
	Group string `json:"group"`
	Type  uint8  `json:"type"`
}

func getZLLGroups(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	dev, err := lookupDevice(inv)
	if err != nil {
		return nil, err
	}
	ep, err := firstEndpoint(inv, dev, zcl.ClusterZLLCommission, true)
	if err != nil {
		return nil, err
	}
	out := []ZLLGroup{}
	start := uint8(0)
	for {
		frame, err := inv.App.ZCLRequest(ctx, ncp.ZCLRequest{
			Dst:          zigbee.NWK(dev.ShortAddress),
			DstEP:        ep,
			ClusterID:    zcl.ClusterZLLCommission,
			ProfileID:    ncp.ProfileZLL,
			Frame:        zcl.NewClusterCommand(0, zcl.CmdZLLGetGroupIdentifiers, false, 0, []byte{start}),
			WaitResponse: true,
		})
		if err != nil {
			return nil, err
		}
		if err := replyStatus(frame); err != nil {
			return nil, err
		}
		p := frame.Payload
		if frame.IsGlobal() || frame.CommandID != zcl.CmdZLLGetGroupIdentifiers || len(p) < 3 {
			return nil, fmt.Errorf("get group identifiers: unexpected reply %s", frame)
		}
		total, count := p[0], int(p[2])
		if len(p) < 3+3*count {
			return nil, fmt.Errorf("get group identifiers: short reply %X", p)
		}
		for i := 0; i < count; i++ {
			rec := p[3+3*i:]
			out = append(out, ZLLGroup{Group: hex16(binary.LittleEndian.Uint16(rec)), Type: rec[2]})
		}
		if count == 0 || len(out) >= int(total) {
			return out, nil
		}
		start = uint8(len(out))
	}
}

// recordGroup adds or removes group on the endpoint record of ieee and,
// with table set, in the coordinator group table.
func recordGroup(st store.Store, ieee zigbee.IEEE, ep uint8, group uint16, add bool, name string, table bool) error {
	err := st.UpdateDevice(ieee.String(), func(dev *store.Device) error {
		e := endpointRecord(dev, ep)
		e.GroupIDs = setMember(e.GroupIDs, group, add)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("update device groups: %w", err)
	}
	if !table {
		return nil
	}
	member := store.GroupMember{IEEE: ieee.String(), Endpoint: ep}
	return st.UpdateGroup(group, func(g *store.Group) error {
		if add {
			if name != "" {
				g.Name = name
			}
			g.AddMember(member)
		} else {
			g.RemoveMember(member)
		}
		return nil
	})
}

// syncMembership replaces the recorded groups of ieee/ep with ids, in the
// device record and in the group table.
func syncMembership(st store.Store, ieee zigbee.IEEE, ep uint8, ids []uint16) error {
	err := st.UpdateDevice(ieee.String(), func(dev *store.Device) error {
		endpointRecord(dev, ep).GroupIDs = append([]uint16(nil), ids...)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("update device groups: %w", err)
	}

	member := store.GroupMember{IEEE: ieee.String(), Endpoint: ep}
	want := make(map[uint16]bool, len(ids))
	for _, id := range ids {
		want[id] = true
		if err := st.UpdateGroup(id, func(g *store.Group) error {
			g.AddMember(member)
			return nil
		}); err != nil {
			return err
		}
	}
	groups, err := st.ListGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if want[g.ID] {
			continue
		}
		for _, m := range g.Members {
			if m == member {
				if err := st.UpdateGroup(g.ID, func(g *store.Group) error {
					g.RemoveMember(member)
					return nil
				}); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

func endpointRecord(dev *store.Device, ep uint8) *store.Endpoint {
	if e := dev.Endpoint(ep); e != nil {
		return e
	}
	dev.Endpoints = append(dev.Endpoints, store.Endpoint{ID: ep})
	return &dev.Endpoints[len(dev.Endpoints)-1]
}

func setMember(ids []uint16, id uint16, add bool) []uint16 {
	for i, cur := range ids {
		if cur == id {
			if add {
				return ids
			}
			return append(ids[:i], ids[i+1:]...)
		}
	}
	if add {
		ids = append(ids, id)
	}
	return ids
}
