package store

import (
	"encoding/json"
	"time"
)

// Device represents a Zigbee device.
type Device struct {
	IEEEAddress  string         `json:"ieee_address"`
	ShortAddress uint16         `json:"short_address"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	PowerSource  uint8          `json:"power_source,omitempty"`
	Capability   uint8          `json:"capability,omitempty"`
	Endpoints    []Endpoint     `json:"endpoints,omitempty"`
	Interviewed  bool           `json:"interviewed"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastSeen     time.Time      `json:"last_seen"`
	LQI          uint8          `json:"lqi,omitempty"`
	RSSI         int8           `json:"rssi,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// IsRouter reports whether the device announced itself as a full function
// device (capability bit 1).
func (d *Device) IsRouter() bool {
	return d.Capability&0x02 != 0
}

// Endpoint returns the endpoint with the given id, or nil.
func (d *Device) Endpoint(id uint8) *Endpoint {
	for i := range d.Endpoints {
		if d.Endpoints[i].ID == id {
			return &d.Endpoints[i]
		}
	}
	return nil
}

// Endpoint represents a device endpoint.
type Endpoint struct {
	ID          uint8    `json:"id"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters"`
	OutClusters []uint16 `json:"out_clusters"`
	GroupIDs    []uint16 `json:"group_ids,omitempty"`
}

// HasInCluster reports whether the endpoint serves cluster id.
func (e *Endpoint) HasInCluster(id uint16) bool {
	for _, c := range e.InClusters {
		if c == id {
			return true
		}
	}
	return false
}

// HasOutCluster reports whether the endpoint has a client for cluster id.
func (e *Endpoint) HasOutCluster(id uint16) bool {
	for _, c := range e.OutClusters {
		if c == id {
			return true
		}
	}
	return false
}

// NetworkState holds persisted network configuration.
// NetworkKey is hidden from API/JSON serialization via json:"-".
type NetworkState struct {
	Channel         uint8     `json:"channel"`
	PanID           uint16    `json:"pan_id"`
	ExtPanID        string    `json:"ext_pan_id"`
	NetworkKey      string    `json:"-"`
	NWKUpdateID     uint8     `json:"nwk_update_id"`
	CoordinatorIEEE string    `json:"coordinator_ieee,omitempty"`
	Formed          bool      `json:"formed"`
	FormedAt        time.Time `json:"formed_at,omitempty"`
}

// networkStateStorage keeps the network key on disk.
type networkStateStorage struct {
	NetworkState
	StoredKey string `json:"network_key,omitempty"`
}

// GroupMember is one device endpoint in a group.
type GroupMember struct {
	IEEE     string `json:"ieee"`
	Endpoint uint8  `json:"endpoint"`
}

// Group is a Zigbee group as tracked by the coordinator.
type Group struct {
	ID      uint16        `json:"id"`
	Name    string        `json:"name,omitempty"`
	Members []GroupMember `json:"members"`
}

// AddMember adds m unless already present. It reports whether the group changed.
func (g *Group) AddMember(m GroupMember) bool {
	for _, cur := range g.Members {
		if cur == m {
			return false
		}
	}
	g.Members = append(g.Members, m)
	return true
}

// RemoveMember removes m. It reports whether the group changed.
func (g *Group) RemoveMember(m GroupMember) bool {
	for i, cur := range g.Members {
		if cur == m {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			return true
		}
	}
	return false
}

// Execution is one recorded command dispatch.
type Execution struct {
	ID         string          `json:"id"`
	Command    string          `json:"command"`
	IEEE       string          `json:"ieee,omitempty"`
	Data       string          `json:"data,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
	OK         bool            `json:"ok"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Artifact kinds.
const (
	ArtifactScan     = "scan"
	ArtifactTopology = "topology"
	ArtifactBackup   = "backup"
	ArtifactNVRAM    = "nvram"
)

// Artifact is a stored command output such as a device scan or a backup.
type Artifact struct {
	Kind      string          `json:"kind"`
	Subject   string          `json:"subject"`
	CreatedAt time.Time       `json:"created_at"`
	Body      json.RawMessage `json:"body"`
}
