package commands

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zigbee"
)

// Open Coordinator Backup format identifiers.
const (
	backupFormat  = "zigpy/open-coordinator-backup"
	backupVersion = 1
	nvramVersion  = 1
)

// RegisterBackupCommands registers network backup and restore. Files named
// in command data are read from and written to dir.
func RegisterBackupCommands(r *toolkit.Router, dir string) {
	b := &backups{dir: dir}
	r.MustRegister("znp_backup", b.backup,
		toolkit.Describe("write an Open Coordinator Backup; data: optional file name"))
	r.MustRegister("znp_restore", b.restore,
		toolkit.Describe("form the network from an Open Coordinator Backup; data: file name or empty for the latest"))
	r.MustRegister("znp_nvram_backup", b.nvramBackup,
		toolkit.Describe("export persisted network state as YAML; data: optional file name"))
	r.MustRegister("znp_nvram_restore", b.nvramRestore,
		toolkit.Describe("import persisted network state; data: file name or empty for the latest"))
	r.MustRegister("znp_nvram_reset", nvramReset,
		toolkit.Describe("factory reset the radio and forget the network"))
}

// NetworkBackup is an Open Coordinator Backup document.
type NetworkBackup struct {
	Metadata        BackupMetadata `json:"metadata"`
	StackSpecific   map[string]any `json:"stack_specific"`
	CoordinatorIEEE string         `json:"coordinator_ieee"`
	PanID           string         `json:"pan_id"`
	ExtendedPanID   string         `json:"extended_pan_id"`
	NWKUpdateID     uint8          `json:"nwk_update_id"`
	SecurityLevel   uint8          `json:"security_level"`
	Channel         uint8          `json:"channel"`
	ChannelMask     []uint8        `json:"channel_mask"`
	NetworkKey      BackupKey      `json:"network_key"`
	Devices         []BackupDevice `json:"devices"`
}

// BackupMetadata identifies the document format and its producer.
type BackupMetadata struct {
	Format   string         `json:"format"`
	Version  int            `json:"version"`
	Source   string         `json:"source"`
	Internal map[string]any `json:"internal,omitempty"`
}

// BackupKey is a network or link key with its counters.
type BackupKey struct {
	Key            string `json:"key"`
	SequenceNumber uint8  `json:"sequence_number"`
	FrameCounter   uint32 `json:"frame_counter"`
}

// BackupDevice is one joined device.
type BackupDevice struct {
	NWKAddress  string     `json:"nwk_address"`
	IEEEAddress string     `json:"ieee_address"`
	IsChild     bool       `json:"is_child"`
	LinkKey     *BackupKey `json:"link_key,omitempty"`
}

type backups struct {
	dir string
}

// path maps the command data to a file in the backup directory. Empty data
// means no file.
func (b *backups) path(data string) (string, error) {
	name := strings.TrimSpace(data)
	if name == "" {
		return "", nil
	}
	if b.dir == "" {
		return "", fmt.Errorf("%w: no backup directory configured for %q", toolkit.ErrInvalidData, name)
	}
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: bad file name %q", toolkit.ErrInvalidData, name)
	}
	return filepath.Join(b.dir, base), nil
}

func compactIEEE(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), ":", "")
}

func (b *backups) collect(ctx context.Context, app toolkit.App) (*NetworkBackup, error) {
	state, err := app.Store().GetNetworkState()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no network has been formed", toolkit.ErrInvalidData)
		}
		return nil, fmt.Errorf("network state: %w", err)
	}
	key := strings.ToLower(state.NetworkKey)
	radio := app.Radio()
	if kr, ok := radio.(ncp.KeyReader); ok {
		if k, err := kr.NetworkKey(ctx); err == nil {
			key = hex.EncodeToString(k)
		}
	}

	doc := &NetworkBackup{
		Metadata: BackupMetadata{
			Format:  backupFormat,
			Version: backupVersion,
			Source:  "zigbee-toolkit",
			Internal: map[string]any{
				"creation_time": time.Now().UTC().Format(time.RFC3339),
			},
		},
		StackSpecific:   map[string]any{},
		CoordinatorIEEE: compactIEEE(app.LocalIEEE().String()),
		PanID:           fmt.Sprintf("%04x", state.PanID),
		ExtendedPanID:   compactIEEE(state.ExtPanID),
		NWKUpdateID:     state.NWKUpdateID,
		SecurityLevel:   5,
		Channel:         state.Channel,
		ChannelMask:     []uint8{state.Channel},
		NetworkKey:      BackupKey{Key: key},
		Devices:         []BackupDevice{},
	}
	if info := radio.GetNCPInfo(); info != nil {
		doc.Metadata.Internal["stack_version"] = info.StackVersion
	}

	linkKeys := map[zigbee.IEEE]ncp.LinkKey{}
	if lm, ok := radio.(ncp.LinkKeyManager); ok {
		keys, err := lm.LinkKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("link keys: %w", err)
		}
		for _, k := range keys {
			linkKeys[k.IEEE] = k
		}
	}

	devices, err := app.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		entry := BackupDevice{
			NWKAddress:  fmt.Sprintf("%04x", d.ShortAddress),
			IEEEAddress: compactIEEE(d.IEEEAddress),
			IsChild:     !d.IsRouter(),
		}
		if ieee, err := zigbee.ParseIEEE(d.IEEEAddress); err == nil {
			if k, ok := linkKeys[ieee]; ok {
				entry.LinkKey = &BackupKey{Key: hex.EncodeToString(k.Key), FrameCounter: k.InCount}
			}
		}
		doc.Devices = append(doc.Devices, entry)
	}
	return doc, nil
}

func (b *backups) backup(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	path, err := b.path(inv.Data)
	if err != nil {
		return nil, err
	}
	doc, err := b.collect(ctx, inv.App)
	if err != nil {
		return nil, err
	}
	if err := saveArtifact(inv.App, store.ArtifactBackup, "network", doc); err != nil {
		return nil, err
	}
	if path != "" {
		raw, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode backup: %w", err)
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("write backup: %w", err)
		}
		inv.Logger.Info("network backup written", "path", path, "devices", len(doc.Devices))
	}
	return map[string]interface{}{"file": path, "devices": len(doc.Devices), "channel": doc.Channel}, nil
}

// load returns the file named by data, or the body of the newest artifact
// of kind.
func (b *backups) load(app toolkit.App, data, kind string) ([]byte, error) {
	path, err := b.path(data)
	if err != nil {
		return nil, err
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return raw, nil
	}
	a, err := app.Store().LatestArtifact(kind, "network")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no stored %s", toolkit.ErrInvalidData, kind)
		}
		return nil, err
	}
	return a.Body, nil
}

// ParseNetworkBackup decodes and validates an Open Coordinator Backup.
func ParseNetworkBackup(raw []byte) (*NetworkBackup, ncp.NetworkConfig, error) {
	var doc NetworkBackup
	var cfg ncp.NetworkConfig
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, cfg, fmt.Errorf("%w: decode backup: %v", toolkit.ErrInvalidData, err)
	}
	if doc.Metadata.Format != backupFormat {
		return nil, cfg, fmt.Errorf("%w: unknown backup format %q", toolkit.ErrInvalidData, doc.Metadata.Format)
	}
	if doc.Metadata.Version > backupVersion {
		return nil, cfg, fmt.Errorf("%w: backup version %d not supported", toolkit.ErrInvalidData, doc.Metadata.Version)
	}
	if doc.Channel < 11 || doc.Channel > 26 {
		return nil, cfg, fmt.Errorf("%w: backup channel %d", toolkit.ErrInvalidData, doc.Channel)
	}
	pan, err := strconv.ParseUint(doc.PanID, 16, 16)
	if err != nil {
		return nil, cfg, fmt.Errorf("%w: pan_id %q", toolkit.ErrInvalidData, doc.PanID)
	}
	ext, err := zigbee.ParseIEEE(doc.ExtendedPanID)
	if err != nil {
		return nil, cfg, fmt.Errorf("%w: extended_pan_id: %v", toolkit.ErrInvalidData, err)
	}
	key, err := hex.DecodeString(doc.NetworkKey.Key)
	if err != nil || len(key) != 16 {
		return nil, cfg, fmt.Errorf("%w: network key must be 16 hex bytes", toolkit.ErrInvalidData)
	}
	cfg = ncp.NetworkConfig{Channel: doc.Channel, PanID: uint16(pan), ExtPanID: ext, NetworkKey: key}
	return &doc, cfg, nil
}

func (b *backups) restore(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	raw, err := b.load(inv.App, inv.Data, store.ArtifactBackup)
	if err != nil {
		return nil, err
	}
	doc, cfg, err := ParseNetworkBackup(raw)
	if err != nil {
		return nil, err
	}
	if err := inv.App.Form(ctx, cfg); err != nil {
		return nil, fmt.Errorf("form from backup: %w", err)
	}
	if doc.NWKUpdateID != 0 {
		if err := inv.App.UpdateChannel(doc.Channel, doc.NWKUpdateID); err != nil {
			return nil, err
		}
	}

	lm, hasKeys := inv.App.Radio().(ncp.LinkKeyManager)
	restored, keys := 0, 0
	for _, d := range doc.Devices {
		ieee, err := zigbee.ParseIEEE(d.IEEEAddress)
		if err != nil {
			inv.Logger.Warn("skip backup device", "ieee", d.IEEEAddress, "err", err)
			continue
		}
		nwk, err := strconv.ParseUint(d.NWKAddress, 16, 16)
		if err != nil {
			inv.Logger.Warn("skip backup device", "ieee", d.IEEEAddress, "nwk", d.NWKAddress)
			continue
		}
		if _, err := inv.App.Store().GetDevice(ieee.String()); errors.Is(err, store.ErrNotFound) {
			if err := inv.App.Store().SaveDevice(&store.Device{IEEEAddress: ieee.String(), ShortAddress: uint16(nwk)}); err != nil {
				return nil, fmt.Errorf("save device %s: %w", ieee, err)
			}
			restored++
		}
		if d.LinkKey != nil && hasKeys {
			key, err := hex.DecodeString(d.LinkKey.Key)
			if err != nil || len(key) != 16 {
				inv.Logger.Warn("skip link key", "ieee", ieee)
				continue
			}
			if err := lm.AddLinkKey(ctx, ieee, key); err != nil {
				return nil, fmt.Errorf("restore link key %s: %w", ieee, err)
			}
			keys++
		}
	}
	inv.Logger.Info("network restored", "channel", cfg.Channel, "devices", restored, "link_keys", keys)
	return map[string]interface{}{
		"channel":   cfg.Channel,
		"pan_id":    hex16(cfg.PanID),
		"devices":   restored,
		"link_keys": keys,
	}, nil
}

// NVRAMDump is the YAML export of the persisted network state.
type NVRAMDump struct {
	Version   int           `yaml:"version"`
	CreatedAt time.Time     `yaml:"created_at"`
	Network   *NVRAMNetwork `yaml:"network,omitempty"`
	Devices   []NVRAMDevice `yaml:"devices"`
	Groups    []NVRAMGroup  `yaml:"groups"`
}

// NVRAMNetwork mirrors store.NetworkState including the network key.
type NVRAMNetwork struct {
	Channel         uint8  `yaml:"channel"`
	PanID           uint16 `yaml:"pan_id"`
	ExtPanID        string `yaml:"ext_pan_id"`
	NetworkKey      string `yaml:"network_key,omitempty"`
	NWKUpdateID     uint8  `yaml:"nwk_update_id"`
	CoordinatorIEEE string `yaml:"coordinator_ieee,omitempty"`
}

// NVRAMDevice is the persisted identity of one device.
type NVRAMDevice struct {
	IEEE         string          `yaml:"ieee"`
	NWK          uint16          `yaml:"nwk"`
	Manufacturer string          `yaml:"manufacturer,omitempty"`
	Model        string          `yaml:"model,omitempty"`
	FriendlyName string          `yaml:"friendly_name,omitempty"`
	Capability   uint8           `yaml:"capability,omitempty"`
	Endpoints    []NVRAMEndpoint `yaml:"endpoints,omitempty"`
}

// NVRAMEndpoint is one endpoint descriptor.
type NVRAMEndpoint struct {
	ID          uint8    `yaml:"id"`
	ProfileID   uint16   `yaml:"profile_id"`
	DeviceID    uint16   `yaml:"device_id"`
	InClusters  []uint16 `yaml:"in_clusters,flow"`
	OutClusters []uint16 `yaml:"out_clusters,flow"`
	GroupIDs    []uint16 `yaml:"group_ids,flow,omitempty"`
}

// NVRAMGroup is one coordinator group.
type NVRAMGroup struct {
	ID      uint16              `yaml:"id"`
	Name    string              `yaml:"name,omitempty"`
	Members []store.GroupMember `yaml:"members"`
}

func nvramDump(st store.Store) (*NVRAMDump, error) {
	dump := &NVRAMDump{Version: nvramVersion, CreatedAt: time.Now().UTC()}
	state, err := st.GetNetworkState()
	switch {
	case err == nil:
		dump.Network = &NVRAMNetwork{
			Channel:         state.Channel,
			PanID:           state.PanID,
			ExtPanID:        state.ExtPanID,
			NetworkKey:      state.NetworkKey,
			NWKUpdateID:     state.NWKUpdateID,
			CoordinatorIEEE: state.CoordinatorIEEE,
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("network state: %w", err)
	}

	devices, err := st.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		nd := NVRAMDevice{
			IEEE:         d.IEEEAddress,
			NWK:          d.ShortAddress,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			FriendlyName: d.FriendlyName,
			Capability:   d.Capability,
		}
		for _, ep := range d.Endpoints {
			nd.Endpoints = append(nd.Endpoints, NVRAMEndpoint(ep))
		}
		dump.Devices = append(dump.Devices, nd)
	}

	groups, err := st.ListGroups()
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		dump.Groups = append(dump.Groups, NVRAMGroup{ID: g.ID, Name: g.Name, Members: g.Members})
	}
	return dump, nil
}

// nvramArtifact wraps the YAML text for the artifact store.
type nvramArtifact struct {
	YAML string `json:"yaml"`
}

func (b *backups) nvramBackup(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	path, err := b.path(inv.Data)
	if err != nil {
		return nil, err
	}
	dump, err := nvramDump(inv.App.Store())
	if err != nil {
		return nil, err
	}
	raw, err := yaml.Marshal(dump)
	if err != nil {
		return nil, fmt.Errorf("encode nvram: %w", err)
	}
	if err := saveArtifact(inv.App, store.ArtifactNVRAM, "network", nvramArtifact{YAML: string(raw)}); err != nil {
		return nil, err
	}
	if path != "" {
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("write nvram: %w", err)
		}
	}
	return map[string]interface{}{"file": path, "devices": len(dump.Devices), "groups": len(dump.Groups)}, nil
}

func (b *backups) nvramRestore(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	raw, err := b.load(inv.App, inv.Data, store.ArtifactNVRAM)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(inv.Data) == "" {
		var a nvramArtifact
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode nvram artifact: %w", err)
		}
		raw = []byte(a.YAML)
	}
	var dump NVRAMDump
	if err := yaml.Unmarshal(raw, &dump); err != nil {
		return nil, fmt.Errorf("%w: decode nvram: %v", toolkit.ErrInvalidData, err)
	}
	if dump.Version > nvramVersion {
		return nil, fmt.Errorf("%w: nvram version %d not supported", toolkit.ErrInvalidData, dump.Version)
	}

	st := inv.App.Store()
	if n := dump.Network; n != nil {
		state := &store.NetworkState{
			Channel:         n.Channel,
			PanID:           n.PanID,
			ExtPanID:        n.ExtPanID,
			NetworkKey:      n.NetworkKey,
			NWKUpdateID:     n.NWKUpdateID,
			CoordinatorIEEE: n.CoordinatorIEEE,
			Formed:          true,
			FormedAt:        dump.CreatedAt,
		}
		if err := st.SaveNetworkState(state); err != nil {
			return nil, fmt.Errorf("save network state: %w", err)
		}
	}
	for _, nd := range dump.Devices {
		ieee, err := zigbee.ParseIEEE(nd.IEEE)
		if err != nil {
			return nil, fmt.Errorf("%w: device %q: %v", toolkit.ErrInvalidData, nd.IEEE, err)
		}
		dev := &store.Device{
			IEEEAddress:  ieee.String(),
			ShortAddress: nd.NWK,
			Manufacturer: nd.Manufacturer,
			Model:        nd.Model,
			FriendlyName: nd.FriendlyName,
			Capability:   nd.Capability,
			Interviewed:  len(nd.Endpoints) > 0,
		}
		for _, ep := range nd.Endpoints {
			dev.Endpoints = append(dev.Endpoints, store.Endpoint(ep))
		}
		if old, err := st.GetDevice(dev.IEEEAddress); err == nil {
			dev.JoinedAt, dev.LastSeen, dev.Properties = old.JoinedAt, old.LastSeen, old.Properties
		}
		if err := st.SaveDevice(dev); err != nil {
			return nil, fmt.Errorf("save device %s: %w", dev.IEEEAddress, err)
		}
	}
	for _, g := range dump.Groups {
		g := g
		err := st.UpdateGroup(g.ID, func(cur *store.Group) error {
			cur.Name = g.Name
			cur.Members = append([]store.GroupMember(nil), g.Members...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("save group 0x%04X: %w", g.ID, err)
		}
	}
	return map[string]interface{}{"devices": len(dump.Devices), "groups": len(dump.Groups)}, nil
}

func nvramReset(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	if err := inv.App.Radio().FactoryReset(ctx); err != nil {
		return nil, fmt.Errorf("factory reset: %w", err)
	}
	if err := inv.App.Store().ClearNetworkState(); err != nil {
		return nil, fmt.Errorf("clear network state: %w", err)
	}
	inv.Logger.Warn("radio factory reset, network state cleared")
	return map[string]interface{}{"reset": true}, nil
}
