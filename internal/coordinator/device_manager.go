package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

type interviewEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

// DeviceManager handles device lifecycle (join, leave, interview).
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// Interview cancellation: tracks active interview cancel funcs by IEEE.
	interviewMu      sync.Mutex
	interviewCancels map[string]interviewEntry
	interviewGen     atomic.Uint64
	interviewWg      sync.WaitGroup

	// Debounce duplicate announce events.
	lastJoinMu sync.Mutex
	lastJoin   map[string]time.Time

	// Interview retry pacing; tests shorten it.
	retryDelay time.Duration

	// In-memory short address -> IEEE index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[zigbee.NWK]string
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:            coord,
		logger:           coord.logger.With("component", "device_manager"),
		interviewCancels: make(map[string]interviewEntry),
		lastJoin:         make(map[string]time.Time),
		retryDelay:       5 * time.Second,
		addrIndex:        make(map[zigbee.NWK]string),
	}
}

// CancelAllInterviews cancels all running interview goroutines and waits for them.
func (dm *DeviceManager) CancelAllInterviews() {
	dm.interviewMu.Lock()
	for ieee, entry := range dm.interviewCancels {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()
	dm.interviewWg.Wait()
}

func (dm *DeviceManager) cancelInterview(ieee string) {
	dm.interviewMu.Lock()
	if entry, ok := dm.interviewCancels[ieee]; ok {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()
}

func (dm *DeviceManager) updateAddrIndex(ieee string, shortAddr zigbee.NWK) {
	dm.addrMu.Lock()
	// A device keeps one short address; drop the stale mapping.
	for addr, stored := range dm.addrIndex {
		if stored == ieee && addr != shortAddr {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrIndex[shortAddr] = ieee
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) removeFromAddrIndex(ieee string) {
	dm.addrMu.Lock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrMu.Unlock()
}

// deviceName returns a human-readable display name for a device.
// Returns "Manufacturer Model" if available, or empty string for unknown devices.
func deviceName(dev *store.Device) string {
	if dev == nil {
		return ""
	}
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" || dev.Model != "" {
		name := dev.Manufacturer
		if dev.Model != "" {
			if name != "" {
				name += " "
			}
			name += dev.Model
		}
		return name
	}
	return ""
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[zigbee.NWK(d.ShortAddress)] = d.IEEEAddress
	}
	dm.addrMu.Unlock()
}

// HandleJoin processes a device join event.
func (dm *DeviceManager) HandleJoin(evt ncp.DeviceJoinedEvent) {
	ieee := evt.IEEEAddr.String()
	dm.updateAddrIndex(ieee, evt.ShortAddr)

	now := time.Now()
	dev, err := dm.coord.Store().GetDevice(ieee)
	if err == nil {
		// Rejoin: keep interview data.
		dev.ShortAddress = uint16(evt.ShortAddr)
		dev.LastSeen = now
	} else {
		dev = &store.Device{
			IEEEAddress:  ieee,
			ShortAddress: uint16(evt.ShortAddr),
			JoinedAt:     now,
			LastSeen:     now,
		}
	}

	dm.logger.Info("device joined", "ieee", ieee, "short", evt.ShortAddr, "name", deviceName(dev))

	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device", "err", err, "ieee", ieee)
		return
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceJoined,
		Data: map[string]interface{}{
			"ieee":       ieee,
			"short_addr": evt.ShortAddr.String(),
		},
	})

	// The interview waits for the announce: the join update arrives before
	// the device holds the network key.
}

// HandleLeave processes a device leave event: cancels interview, removes from
// address index, deletes from store, and emits EventDeviceLeft.
func (dm *DeviceManager) HandleLeave(evt ncp.DeviceLeftEvent) {
	ieee := evt.IEEEAddr.String()
	dev, _ := dm.coord.Store().GetDevice(ieee)
	name := deviceName(dev)
	dm.logger.Info("device left", "ieee", ieee, "name", name)

	dm.cancelInterview(ieee)

	dm.lastJoinMu.Lock()
	delete(dm.lastJoin, ieee)
	dm.lastJoinMu.Unlock()

	// ShortAddr may be 0 for leave indications, so match by IEEE.
	dm.removeFromAddrIndex(ieee)

	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		dm.logger.Error("delete device on leave", "err", err, "ieee", ieee)
	} else {
		dm.logger.Info("device removed from store", "ieee", ieee, "name", name)
	}
	dm.dropGroupMemberships(ieee)

	dm.coord.Events().Emit(Event{
		Type: EventDeviceLeft,
		Data: map[string]interface{}{"ieee": ieee},
	})
}

func (dm *DeviceManager) dropGroupMemberships(ieee string) {
	groups, err := dm.coord.Store().ListGroups()
	if err != nil {
		dm.logger.Warn("list groups on leave", "err", err)
		return
	}
	for _, g := range groups {
		err := dm.coord.Store().UpdateGroup(g.ID, func(g *store.Group) error {
			kept := g.Members[:0]
			for _, m := range g.Members {
				if m.IEEE != ieee {
					kept = append(kept, m)
				}
			}
			g.Members = kept
			return nil
		})
		if err != nil {
			dm.logger.Warn("drop group membership", "err", err, "group", fmt.Sprintf("0x%04X", g.ID))
		}
	}
}

// HandleAnnounce processes a device announce event.
func (dm *DeviceManager) HandleAnnounce(evt ncp.DeviceAnnounceEvent) {
	ieee := evt.IEEEAddr.String()
	dm.updateAddrIndex(ieee, evt.ShortAddr)

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			// Real DB error, don't create a new device entry.
			dm.logger.Error("get device on announce", "err", err, "ieee", ieee)
			return
		}
		dev = &store.Device{
			IEEEAddress: ieee,
			JoinedAt:    time.Now(),
		}
	}
	dm.logger.Info("device announce", "ieee", ieee, "short", evt.ShortAddr, "name", deviceName(dev))
	dev.ShortAddress = uint16(evt.ShortAddr)
	dev.Capability = evt.Capability
	dev.LastSeen = time.Now()

	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device on announce", "err", err)
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceAnnounce,
		Data: map[string]interface{}{
			"ieee":       ieee,
			"short_addr": evt.ShortAddr.String(),
			"capability": evt.Capability,
		},
	})

	// The announce means the TC key exchange succeeded, so ZDO requests work.
	dm.interviewMu.Lock()
	_, interviewing := dm.interviewCancels[ieee]
	dm.interviewMu.Unlock()

	if interviewing {
		dm.logger.Info("announce during interview, address updated", "ieee", ieee,
			"short", evt.ShortAddr, "name", deviceName(dev))
		return
	}

	dm.lastJoinMu.Lock()
	if last, ok := dm.lastJoin[ieee]; ok && time.Since(last) < 3*time.Second {
		dm.lastJoinMu.Unlock()
		dm.logger.Debug("duplicate announce, interview already started", "ieee", ieee)
		return
	}
	dm.lastJoin[ieee] = time.Now()
	if len(dm.lastJoin) > 50 {
		for k, t := range dm.lastJoin {
			if time.Since(t) > time.Minute {
				delete(dm.lastJoin, k)
			}
		}
	}
	dm.lastJoinMu.Unlock()

	dm.interviewWg.Add(1)
	go dm.Interview(ieee)
}

// lookupOrRebuild looks up an IEEE address by short address from the in-memory
// index. If not found, rebuilds the index from the store under a write lock
// with a double-check to avoid redundant rebuilds.
func (dm *DeviceManager) lookupOrRebuild(shortAddr zigbee.NWK) string {
	dm.addrMu.RLock()
	ieee := dm.addrIndex[shortAddr]
	dm.addrMu.RUnlock()
	if ieee != "" {
		return ieee
	}

	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	if ieee = dm.addrIndex[shortAddr]; ieee != "" {
		return ieee
	}

	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index for lookup", "err", err)
		return ""
	}
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[zigbee.NWK(d.ShortAddress)] = d.IEEEAddress
		if zigbee.NWK(d.ShortAddress) == shortAddr {
			ieee = d.IEEEAddress
		}
	}
	return ieee
}

// touch refreshes LastSeen and link quality of the device at addr.
func (dm *DeviceManager) touch(ieee string, lqi uint8, rssi int8) *store.Device {
	if ieee == "" {
		return nil
	}
	var saved *store.Device
	err := dm.coord.Store().UpdateDevice(ieee, func(d *store.Device) error {
		d.LastSeen = time.Now()
		if lqi > 0 {
			d.LQI = lqi
			d.RSSI = rssi
		}
		saved = d
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		dm.logger.Error("save device last_seen", "err", err, "ieee", ieee)
	}
	return saved
}

// HandleAttributeReport processes an attribute report event.
func (dm *DeviceManager) HandleAttributeReport(evt ncp.AttributeReportEvent) {
	ieee := dm.lookupOrRebuild(evt.SrcAddr)

	var decoded interface{}
	if len(evt.Record.Raw) > 0 {
		if val, err := evt.Record.Value(); err == nil {
			decoded = val
		} else {
			decoded = fmt.Sprintf("%X", evt.Record.Raw)
		}
	}

	clusterName := dm.coord.Registry().ClusterName(evt.ClusterID)
	attrName := fmt.Sprintf("0x%04X", evt.Record.ID)
	if cluster := dm.coord.Registry().Get(evt.ClusterID); cluster != nil {
		if attr := cluster.FindAttribute(evt.Record.ID); attr != nil {
			attrName = attr.Name
		}
	}

	dev := dm.touch(ieee, evt.LQI, evt.RSSI)

	dm.logger.Info("attribute report",
		"ieee", ieee,
		"name", deviceName(dev),
		"cluster", clusterName,
		"attr", attrName,
		"value", decoded,
	)

	dm.coord.Events().Emit(Event{
		Type: EventAttributeReport,
		Data: map[string]interface{}{
			"ieee":         ieee,
			"short_addr":   evt.SrcAddr.String(),
			"endpoint":     evt.SrcEP,
			"cluster_id":   evt.ClusterID,
			"cluster_name": clusterName,
			"attr_id":      evt.Record.ID,
			"attr_name":    attrName,
			"value":        decoded,
		},
	})

	dm.emitStandardProperty(ieee, evt, decoded)
}

// HandleClusterCommand publishes an incoming cluster-specific command.
func (dm *DeviceManager) HandleClusterCommand(evt ncp.ClusterCommandEvent) {
	ieee := dm.lookupOrRebuild(evt.SrcAddr)
	dm.touch(ieee, evt.LQI, evt.RSSI)

	dm.logger.Debug("cluster command", "ieee", ieee, "src", evt.SrcAddr,
		"cluster", dm.coord.Registry().ClusterName(evt.ClusterID),
		"cmd", fmt.Sprintf("0x%02X", evt.CommandID))

	dm.coord.Events().Emit(Event{
		Type: EventClusterCommand,
		Data: map[string]interface{}{
			"ieee":         ieee,
			"short_addr":   evt.SrcAddr.String(),
			"endpoint":     evt.SrcEP,
			"cluster_id":   evt.ClusterID,
			"cluster_name": dm.coord.Registry().ClusterName(evt.ClusterID),
			"command_id":   evt.CommandID,
			"payload":      fmt.Sprintf("%X", evt.Payload),
		},
	})
}

// standardPropertyMap maps well-known ZCL cluster+attribute pairs to property
// names so automations can trigger on "on_off", "temperature" and the like.
var standardPropertyMap = map[uint16]map[uint16]string{
	zcl.ClusterOnOff:        {0x0000: "on_off"},
	zcl.ClusterLevelControl: {0x0000: "brightness"},
	zcl.ClusterColorControl: {0x0000: "hue", 0x0001: "saturation"},
	zcl.ClusterTemperature:  {0x0000: "temperature"},
	zcl.ClusterPressure:     {0x0000: "pressure"},
	zcl.ClusterHumidity:     {0x0000: "humidity"},
	zcl.ClusterOccupancy:    {0x0000: "occupancy"},
	zcl.ClusterIlluminance:  {0x0000: "illuminance"},
	zcl.ClusterPowerConfig:  {0x0021: "battery"},
	zcl.ClusterIASZone:      {0x0002: "zone_status"},
	zcl.ClusterElectrical:   {0x050B: "power"},
	zcl.ClusterMetering:     {0x0000: "energy"},
}

func (dm *DeviceManager) emitStandardProperty(ieee string, evt ncp.AttributeReportEvent, decoded interface{}) {
	if ieee == "" || decoded == nil {
		return
	}
	propName, ok := standardPropertyMap[evt.ClusterID][evt.Record.ID]
	if !ok {
		return
	}

	err := dm.coord.Store().UpdateDevice(ieee, func(d *store.Device) error {
		if d.Properties == nil {
			d.Properties = make(map[string]any)
		}
		d.Properties[propName] = decoded
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		dm.logger.Error("save standard property", "err", err, "ieee", ieee)
	}

	dm.coord.Events().Emit(Event{
		Type: EventPropertyUpdate,
		Data: map[string]interface{}{
			"ieee":     ieee,
			"property": propName,
			"value":    decoded,
		},
	})
}

// Interview queries a device for its endpoints and descriptors in the
// background. It must be paired with interviewWg.Add(1).
// Retries up to 3 times, re-reading the device from store each time
// to pick up any short address changes from re-joins.
func (dm *DeviceManager) Interview(ieee string) {
	defer dm.interviewWg.Done()
	ctx, cancel := context.WithTimeout(dm.coord.Context(), 3*time.Minute)
	defer cancel()
	if err := dm.runInterview(ctx, cancel, ieee, 3); err != nil {
		dm.logger.Error("interview failed", "ieee", ieee, "err", err)
	}
}

// InterviewNow interviews ieee once and reports the outcome.
func (dm *DeviceManager) InterviewNow(ctx context.Context, ieee string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return dm.runInterview(ctx, cancel, ieee, 1)
}

func (dm *DeviceManager) runInterview(ctx context.Context, cancel context.CancelFunc, ieee string, maxRetries int) error {
	gen := dm.interviewGen.Add(1)

	dm.interviewMu.Lock()
	if prev, ok := dm.interviewCancels[ieee]; ok {
		prev.cancel()
	}
	dm.interviewCancels[ieee] = interviewEntry{cancel: cancel, gen: gen}
	dm.interviewMu.Unlock()

	defer func() {
		dm.interviewMu.Lock()
		if entry, ok := dm.interviewCancels[ieee]; ok && entry.gen == gen {
			delete(dm.interviewCancels, ieee)
		}
		dm.interviewMu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := dm.interviewOnce(ctx, ieee, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
			return err
		}
		if attempt < maxRetries {
			jitter := time.Duration(rand.IntN(3001)) * time.Millisecond
			delay := dm.retryDelay + jitter
			dm.logger.Info("interview: will retry", "ieee", ieee, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("interview %s after %d attempts: %w", ieee, maxRetries, lastErr)
}

func (dm *DeviceManager) interviewOnce(ctx context.Context, ieee string, attempt int) error {
	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		return fmt.Errorf("interview %s: %w", ieee, err)
	}
	addr := zigbee.NWK(dev.ShortAddress)
	name := deviceName(dev)
	dm.logger.Info("starting interview", "ieee", ieee, "name", name, "short", addr, "attempt", attempt)

	endpoints, err := dm.coord.Radio().ActiveEndpoints(ctx, addr)
	if err != nil {
		dm.logger.Warn("interview: active EP failed", "err", err, "ieee", ieee, "name", name, "attempt", attempt)
		return fmt.Errorf("active endpoints: %w", err)
	}

	dev.Endpoints = make([]store.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		sd, err := dm.coord.Radio().SimpleDescriptor(ctx, addr, ep)
		if err != nil {
			dm.logger.Warn("interview: simple desc", "err", err, "ieee", ieee, "name", name, "ep", ep)
			continue
		}
		dev.Endpoints = append(dev.Endpoints, store.Endpoint{
			ID:          ep,
			ProfileID:   sd.ProfileID,
			DeviceID:    sd.DeviceID,
			InClusters:  sd.InClusters,
			OutClusters: sd.OutClusters,
		})
		dm.logger.Info("endpoint discovered",
			"ieee", ieee, "name", name, "ep", ep,
			"profile", fmt.Sprintf("0x%04X", sd.ProfileID),
			"device", fmt.Sprintf("0x%04X", sd.DeviceID),
			"in_clusters", len(sd.InClusters),
			"out_clusters", len(sd.OutClusters),
		)
	}

	for _, ep := range dev.Endpoints {
		if ep.HasInCluster(zcl.ClusterBasic) {
			dm.readBasicAttributes(ctx, dev, ep.ID)
			break
		}
	}
	if dev.FriendlyName == "" && dev.Model != "" {
		dev.FriendlyName = dev.Model
	}
	name = deviceName(dev)

	dev.Interviewed = true
	dev.LastSeen = time.Now()
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		return fmt.Errorf("interview: save: %w", err)
	}
	dm.logger.Info("interview complete", "ieee", ieee, "name", name, "endpoints", len(dev.Endpoints))
	dm.coord.Events().Emit(Event{
		Type: EventDeviceInterview,
		Data: map[string]interface{}{
			"ieee":         ieee,
			"manufacturer": dev.Manufacturer,
			"model":        dev.Model,
			"endpoints":    len(dev.Endpoints),
		},
	})
	return nil
}

// Basic cluster attributes read during the interview.
const (
	attrBasicManufacturer uint16 = 0x0004
	attrBasicModel        uint16 = 0x0005
	attrBasicPowerSource  uint16 = 0x0007
)

func (dm *DeviceManager) readBasicAttributes(ctx context.Context, dev *store.Device, ep uint8) {
	records, err := dm.coord.ReadAttributes(ctx, zigbee.NWK(dev.ShortAddress), ep, zcl.ClusterBasic, 0,
		[]uint16{attrBasicManufacturer, attrBasicModel, attrBasicPowerSource})
	if err != nil {
		dm.logger.Warn("read basic attributes", "err", err, "ieee", dev.IEEEAddress)
		return
	}

	for _, r := range records {
		val, err := r.Value()
		if err != nil {
			continue
		}
		switch r.ID {
		case attrBasicManufacturer:
			if s, ok := val.(string); ok {
				dev.Manufacturer = s
			}
		case attrBasicModel:
			if s, ok := val.(string); ok {
				dev.Model = s
			}
		case attrBasicPowerSource:
			if v, ok := val.(uint8); ok {
				dev.PowerSource = v
			}
		}
	}
}

// RemoveDevice asks the device to leave, cancels any in-progress interview
// and deletes it from the store.
func (dm *DeviceManager) RemoveDevice(ieee string) error {
	dm.cancelInterview(ieee)

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err == nil {
		if parsed, parseErr := zigbee.ParseIEEE(ieee); parseErr == nil {
			ctx, cancel := context.WithTimeout(dm.coord.Context(), 10*time.Second)
			defer cancel()
			if leaveErr := dm.coord.Radio().MgmtLeave(ctx, zigbee.NWK(dev.ShortAddress), parsed, 0); leaveErr != nil {
				dm.logger.Warn("mgmt leave request failed", "ieee", ieee, "name", deviceName(dev), "err", leaveErr)
			} else {
				dm.logger.Info("device removed from network", "ieee", ieee, "name", deviceName(dev))
			}
		}
	}

	dm.removeFromAddrIndex(ieee)
	dm.dropGroupMemberships(ieee)
	return dm.coord.Store().DeleteDevice(ieee)
}
