package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

// Config holds coordinator configuration.
type Config struct {
	Channel  uint8
	PanID    uint16
	ExtPanID zigbee.IEEE
	// NetworkKey is used when a network is formed; nil lets the radio pick.
	NetworkKey []byte
}

// NCPConfig holds NCP hardware/port configuration for display purposes.
type NCPConfig struct {
	Type string
	Port string
	Baud int
}

// Coordinator manages the Zigbee network via an NCP backend.
type Coordinator struct {
	ncp       ncp.NCP
	store     store.Store
	registry  *zcl.Registry
	events    *EventBus
	devices   *DeviceManager
	logger    *slog.Logger
	ncpConfig NCPConfig

	mu        sync.RWMutex
	config    Config
	localIEEE zigbee.IEEE

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Coordinator on top of backend.
func New(backend ncp.NCP, st store.Store, registry *zcl.Registry, events *EventBus, cfg Config, ncpCfg NCPConfig, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ncp:       backend,
		store:     st,
		registry:  registry,
		events:    events,
		logger:    logger,
		config:    cfg,
		ncpConfig: ncpCfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	c.registerIndicationHandlers()
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start initializes the NCP and forms or resumes the network.
// If a network was previously formed with the same parameters, it resumes
// from NCP NVRAM instead of re-forming (which would generate a new network
// key and orphan all paired devices).
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing NCP...")
	cfg := c.Config()

	if c.canResumeNetwork(cfg) {
		c.logger.Info("resuming existing network...")
		// Soft reset (no NVRAM erase) so the LL packet sequence starts clean.
		if err := c.ncp.Reset(ctx); err != nil {
			return fmt.Errorf("ncp reset (resume): %w", err)
		}
		if err := c.ncp.Init(ctx); err != nil {
			return fmt.Errorf("ncp init: %w", err)
		}
		if err := c.ncp.StartNetwork(ctx); err == nil {
			c.cacheLocalIEEE(ctx)
			c.logger.Info("network resumed", "channel", cfg.Channel, "panID", fmt.Sprintf("0x%04X", cfg.PanID))
			c.events.Emit(Event{Type: EventNetworkState, Data: "started"})
			return nil
		}
		c.logger.Warn("network resume failed, re-forming")
	}

	return c.form(ctx, cfg, "started")
}

// Form resets the radio and forms a fresh network with cfg. The stored
// network state is replaced. Devices stay in the store; they rejoin only
// if cfg carries the key and PAN they already know.
func (c *Coordinator) Form(ctx context.Context, cfg ncp.NetworkConfig) error {
	next := Config{
		Channel:    cfg.Channel,
		PanID:      cfg.PanID,
		ExtPanID:   cfg.ExtPanID,
		NetworkKey: cfg.NetworkKey,
	}
	return c.form(ctx, next, "formed")
}

func (c *Coordinator) form(ctx context.Context, cfg Config, state string) error {
	ncpCfg := ncp.NetworkConfig{
		Channel:    cfg.Channel,
		PanID:      cfg.PanID,
		ExtPanID:   cfg.ExtPanID,
		NetworkKey: cfg.NetworkKey,
	}

	c.logger.Info("forming new network (simple reset)...", "channel", cfg.Channel)
	if err := c.ncp.Reset(ctx); err != nil {
		return fmt.Errorf("ncp reset: %w", err)
	}
	if err := c.ncp.Init(ctx); err != nil {
		return fmt.Errorf("ncp init: %w", err)
	}
	if err := c.ncp.FormNetwork(ctx, ncpCfg); err != nil {
		// NCP may have stale NVRAM state. Factory reset and retry.
		c.logger.Warn("formation failed, trying factory reset", "err", err)
		if err := c.ncp.FactoryReset(ctx); err != nil {
			return fmt.Errorf("ncp factory reset: %w", err)
		}
		if err := c.ncp.Init(ctx); err != nil {
			return fmt.Errorf("ncp init after factory reset: %w", err)
		}
		if err := c.ncp.FormNetwork(ctx, ncpCfg); err != nil {
			return fmt.Errorf("form network: %w", err)
		}
	}
	if err := c.ncp.StartNetwork(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}

	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()

	c.cacheLocalIEEE(ctx)
	c.saveNetworkState(ctx, 0)
	c.logger.Info("network formed", "channel", cfg.Channel, "panID", fmt.Sprintf("0x%04X", cfg.PanID))
	c.events.Emit(Event{Type: EventNetworkState, Data: state})
	return nil
}

func (c *Coordinator) cacheLocalIEEE(ctx context.Context) {
	ieee, err := c.ncp.GetLocalIEEE(ctx)
	if err != nil {
		c.logger.Warn("get coordinator IEEE", "err", err)
		return
	}
	c.mu.Lock()
	c.localIEEE = ieee
	c.mu.Unlock()
	c.logger.Info("coordinator IEEE", "ieee", ieee)
}

// LocalIEEE returns the coordinator's own IEEE address.
func (c *Coordinator) LocalIEEE() zigbee.IEEE {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localIEEE
}

// Config returns the active network configuration.
func (c *Coordinator) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

func (c *Coordinator) saveNetworkState(ctx context.Context, updateID uint8) {
	cfg := c.Config()
	state := &store.NetworkState{
		Channel:         cfg.Channel,
		PanID:           cfg.PanID,
		ExtPanID:        cfg.ExtPanID.String(),
		NWKUpdateID:     updateID,
		CoordinatorIEEE: c.LocalIEEE().String(),
		Formed:          true,
		FormedAt:        time.Now().UTC(),
	}
	key := cfg.NetworkKey
	if kr, ok := c.ncp.(ncp.KeyReader); ok {
		if k, err := kr.NetworkKey(ctx); err == nil {
			key = k
		} else {
			c.logger.Debug("read network key", "err", err)
		}
	}
	if len(key) > 0 {
		state.NetworkKey = strings.ToUpper(hex.EncodeToString(key))
	}
	if err := c.store.SaveNetworkState(state); err != nil {
		c.logger.Error("save network state", "err", err)
	}
}

// UpdateChannel records a channel change carried out over the air.
func (c *Coordinator) UpdateChannel(channel, updateID uint8) error {
	c.mu.Lock()
	c.config.Channel = channel
	c.mu.Unlock()

	ns, err := c.store.GetNetworkState()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load network state: %w", err)
		}
		ns = &store.NetworkState{}
	}
	ns.Channel = channel
	ns.NWKUpdateID = updateID
	if err := c.store.SaveNetworkState(ns); err != nil {
		return fmt.Errorf("save network state: %w", err)
	}
	c.events.Emit(Event{Type: EventNetworkState, Data: map[string]interface{}{
		"channel":       channel,
		"nwk_update_id": updateID,
	}})
	return nil
}

// canResumeNetwork checks if the previously formed network matches cfg.
func (c *Coordinator) canResumeNetwork(cfg Config) bool {
	ns, err := c.store.GetNetworkState()
	if err != nil || !ns.Formed {
		return false
	}
	return ns.Channel == cfg.Channel &&
		ns.PanID == cfg.PanID &&
		ns.ExtPanID == cfg.ExtPanID.String()
}

// Stop cancels the coordinator context and waits for in-progress interviews.
func (c *Coordinator) Stop() {
	c.cancel()
	c.devices.CancelAllInterviews()
}

// PermitJoin opens or closes the network for device joining. A zero via
// opens every router; otherwise only the node via is opened.
func (c *Coordinator) PermitJoin(ctx context.Context, duration uint8, via zigbee.IEEE) error {
	dst := zigbee.NWKBroadcastZR
	if !via.IsZero() {
		if via == c.LocalIEEE() {
			dst = zigbee.NWKCoordinator
		} else {
			dev, err := c.Device(via)
			if err != nil {
				return fmt.Errorf("permit join via %s: %w", via, err)
			}
			dst = zigbee.NWK(dev.ShortAddress)
		}
	}
	if err := c.ncp.PermitJoin(ctx, dst, duration); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	c.logger.Info("permit join", "duration", duration, "dst", dst)
	c.events.Emit(Event{Type: EventPermitJoin, Data: map[string]interface{}{
		"duration": duration,
		"dst":      dst.String(),
	}})
	return nil
}

// NetworkInfo returns current network information from cached config.
func (c *Coordinator) NetworkInfo() map[string]interface{} {
	cfg := c.Config()
	info := map[string]interface{}{
		"channel":          cfg.Channel,
		"pan_id":           fmt.Sprintf("0x%04X", cfg.PanID),
		"ext_pan_id":       cfg.ExtPanID.String(),
		"ncp_type":         c.ncpConfig.Type,
		"port":             c.ncpConfig.Port,
		"baud":             c.ncpConfig.Baud,
		"coordinator_ieee": c.LocalIEEE().String(),
	}
	if ns, err := c.store.GetNetworkState(); err == nil {
		info["nwk_update_id"] = ns.NWKUpdateID
		info["formed_at"] = ns.FormedAt
	}
	if ncpInfo := c.ncp.GetNCPInfo(); ncpInfo != nil {
		info["fw_version"] = ncpInfo.FWVersion
		info["stack_version"] = ncpInfo.StackVersion
		info["protocol_version"] = ncpInfo.ProtocolVersion
	}
	return info
}

// Radio returns the underlying NCP backend.
func (c *Coordinator) Radio() ncp.NCP {
	return c.ncp
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the ZCL registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// DeviceManager returns the device manager.
func (c *Coordinator) DeviceManager() *DeviceManager {
	return c.devices
}

// Device returns the stored device with the given address.
func (c *Coordinator) Device(ieee zigbee.IEEE) (*store.Device, error) {
	return c.store.GetDevice(ieee.String())
}

// Devices returns all known devices.
func (c *Coordinator) Devices() ([]*store.Device, error) {
	return c.store.ListDevices()
}

// ResolveIEEE turns a device reference into an IEEE address. ref may be an
// IEEE literal, a NWK literal, or a device friendly name.
func (c *Coordinator) ResolveIEEE(ctx context.Context, ref string) (zigbee.IEEE, error) {
	ref = strings.TrimSpace(ref)
	if ieee, err := zigbee.ParseIEEE(ref); err == nil {
		return ieee, nil
	}
	if nwk, err := zigbee.ParseNWK(ref); err == nil {
		if nwk == zigbee.NWKCoordinator {
			if local := c.LocalIEEE(); !local.IsZero() {
				return local, nil
			}
		}
		if s := c.devices.lookupOrRebuild(nwk); s != "" {
			return zigbee.ParseIEEE(s)
		}
		if ar, ok := c.ncp.(ncp.AddressResolver); ok {
			if ieee, err := ar.IEEEByNWK(ctx, nwk); err == nil {
				return ieee, nil
			}
		}
		return zigbee.IEEE{}, fmt.Errorf("resolve %s: %w", nwk, store.ErrNotFound)
	}

	devices, err := c.store.ListDevices()
	if err != nil {
		return zigbee.IEEE{}, fmt.Errorf("resolve %q: %w", ref, err)
	}
	for _, d := range devices {
		if d.FriendlyName != "" && strings.EqualFold(d.FriendlyName, ref) {
			return zigbee.ParseIEEE(d.IEEEAddress)
		}
	}
	return zigbee.IEEE{}, fmt.Errorf("resolve %q: %w", ref, store.ErrNotFound)
}

// NWK returns the short address of ieee, asking the radio when the device
// is not in the store.
func (c *Coordinator) NWK(ctx context.Context, ieee zigbee.IEEE) (zigbee.NWK, error) {
	if ieee == c.LocalIEEE() {
		return zigbee.NWKCoordinator, nil
	}
	dev, err := c.Device(ieee)
	if err == nil {
		return zigbee.NWK(dev.ShortAddress), nil
	}
	if ar, ok := c.ncp.(ncp.AddressResolver); ok {
		if nwk, rerr := ar.NWKByIEEE(ctx, ieee); rerr == nil {
			return nwk, nil
		}
	}
	return 0, fmt.Errorf("short address of %s: %w", ieee, err)
}

// HandleJoin processes a join for nwk/ieee as if the radio had reported it
// and interviews the device synchronously.
func (c *Coordinator) HandleJoin(ctx context.Context, nwk zigbee.NWK, ieee zigbee.IEEE) error {
	c.devices.HandleJoin(ncp.DeviceJoinedEvent{ShortAddr: nwk, IEEEAddr: ieee})
	return c.devices.InterviewNow(ctx, ieee.String())
}

func (c *Coordinator) registerIndicationHandlers() {
	c.ncp.OnDeviceJoined(func(evt ncp.DeviceJoinedEvent) {
		c.devices.HandleJoin(evt)
	})
	c.ncp.OnDeviceLeft(func(evt ncp.DeviceLeftEvent) {
		c.devices.HandleLeave(evt)
	})
	c.ncp.OnDeviceAnnounce(func(evt ncp.DeviceAnnounceEvent) {
		c.devices.HandleAnnounce(evt)
	})
	c.ncp.OnAttributeReport(func(evt ncp.AttributeReportEvent) {
		c.devices.HandleAttributeReport(evt)
	})
	c.ncp.OnClusterCommand(func(evt ncp.ClusterCommandEvent) {
		c.devices.HandleClusterCommand(evt)
	})
	c.ncp.OnNwkAddrUpdate(func(nwk zigbee.NWK) {
		c.logger.Info("coordinator NWK address updated", "nwk", nwk)
	})
}
