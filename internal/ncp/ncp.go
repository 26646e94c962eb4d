// Package ncp defines the interface for the Zigbee Network Co-Processor backend.
// Backend: nRF52840 (ZBOSS NCP over USB CDC ACM).
package ncp

import (
	"context"
	"errors"

	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

// ErrUnsupported is returned for operations the backend cannot perform.
var ErrUnsupported = errors.New("not supported by radio")

// ErrClosed is returned when the NCP has been closed or is resetting.
var ErrClosed = errors.New("ncp closed")

// NCP is the abstract interface for a Zigbee NCP device.
type NCP interface {
	// Network management
	Reset(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	Init(ctx context.Context) error
	FormNetwork(ctx context.Context, cfg NetworkConfig) error
	StartNetwork(ctx context.Context) error
	PermitJoin(ctx context.Context, dst zigbee.NWK, duration uint8) error
	NetworkInfo(ctx context.Context) (*NetworkInfo, error)
	NetworkScan(ctx context.Context) ([]NetworkScanResult, error)
	GetLocalIEEE(ctx context.Context) (zigbee.IEEE, error)

	// ZDO
	ActiveEndpoints(ctx context.Context, addr zigbee.NWK) ([]uint8, error)
	SimpleDescriptor(ctx context.Context, addr zigbee.NWK, endpoint uint8) (*SimpleDescriptor, error)
	Bind(ctx context.Context, req BindRequest) error
	Unbind(ctx context.Context, req BindRequest) error
	MgmtLeave(ctx context.Context, addr zigbee.NWK, ieee zigbee.IEEE, flags uint8) error
	ZDORequest(ctx context.Context, req ZDORequest) ([]byte, error)

	// ZCL
	SendZCL(ctx context.Context, req ZCLRequest) (*zcl.Frame, error)

	// Indication callbacks
	OnDeviceJoined(handler func(DeviceJoinedEvent))
	OnDeviceLeft(handler func(DeviceLeftEvent))
	OnDeviceAnnounce(handler func(DeviceAnnounceEvent))
	OnAttributeReport(handler func(AttributeReportEvent))
	OnClusterCommand(handler func(ClusterCommandEvent))
	OnNwkAddrUpdate(handler func(zigbee.NWK))

	// Info
	GetNCPInfo() *NCPInfo

	// Lifecycle
	Close() error
}

// NCPInfo holds firmware/stack version information from the NCP.
type NCPInfo struct {
	FWVersion       uint32 `json:"fw_version"`
	StackVersion    string `json:"stack_version"`
	ProtocolVersion uint32 `json:"protocol_version"`
	NetworkKey      []byte `json:"-"`
}

// NetworkConfig holds parameters for network formation. A nil NetworkKey
// makes the backend generate one.
type NetworkConfig struct {
	Channel    uint8
	PanID      uint16
	ExtPanID   zigbee.IEEE
	NetworkKey []byte
}

// NetworkInfo holds current network state.
type NetworkInfo struct {
	Channel  uint8       `json:"channel"`
	PanID    uint16      `json:"pan_id"`
	ExtPanID zigbee.IEEE `json:"extended_pan_id"`
}

// NetworkScanResult holds one discovered network from an active scan.
type NetworkScanResult struct {
	ExtPanID     zigbee.IEEE `json:"ext_pan_id"`
	PanID        uint16      `json:"pan_id"`
	UpdateID     uint8       `json:"update_id"`
	Channel      uint8       `json:"channel"`
	StackProfile uint8       `json:"stack_profile"`
	PermitJoin   bool        `json:"permit_join"`
	RouterCap    bool        `json:"router_capacity"`
	EDCap        bool        `json:"end_device_capacity"`
	LQI          uint8       `json:"lqi"`
	RSSI         int8        `json:"rssi"`
}

// SimpleDescriptor describes an endpoint.
type SimpleDescriptor struct {
	Endpoint    uint8    `json:"endpoint"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters"`
	OutClusters []uint16 `json:"out_clusters"`
}

// Bind destination modes.
const (
	BindDstGroup uint8 = 0x01
	BindDstIEEE  uint8 = 0x03
)

// BindRequest is a ZDO bind/unbind request sent to Target.
type BindRequest struct {
	Target    zigbee.NWK
	SrcIEEE   zigbee.IEEE
	SrcEP     uint8
	ClusterID uint16
	DstMode   uint8
	DstIEEE   zigbee.IEEE
	DstEP     uint8
	DstGroup  uint16
}

// ZDORequest is a raw ZDO request. Payload excludes the transaction
// sequence number. Broadcast requests never wait for a response.
type ZDORequest struct {
	Dst        zigbee.NWK
	Cluster    uint16
	Payload    []byte
	NoResponse bool
}

// Profile IDs.
const (
	ProfileZDO uint16 = 0x0000
	ProfileHA  uint16 = 0x0104
	ProfileZLL uint16 = 0xC05E
)

// ZCLRequest sends one ZCL frame. The backend assigns Frame.Seq. With
// WaitResponse set, the frame from the destination carrying the same
// sequence number is returned.
type ZCLRequest struct {
	Dst          zigbee.NWK
	Group        uint16
	UseGroup     bool
	DstEP        uint8
	SrcEP        uint8
	ClusterID    uint16
	ProfileID    uint16
	Frame        *zcl.Frame
	WaitResponse bool
}

// DeviceJoinedEvent is emitted when a device joins the network.
type DeviceJoinedEvent struct {
	ShortAddr zigbee.NWK
	IEEEAddr  zigbee.IEEE
}

// DeviceLeftEvent is emitted when a device leaves.
type DeviceLeftEvent struct {
	ShortAddr zigbee.NWK
	IEEEAddr  zigbee.IEEE
}

// DeviceAnnounceEvent is emitted on device announce.
type DeviceAnnounceEvent struct {
	ShortAddr  zigbee.NWK
	IEEEAddr   zigbee.IEEE
	Capability uint8
}

// AttributeReportEvent is emitted for unsolicited attribute reports.
type AttributeReportEvent struct {
	SrcAddr   zigbee.NWK
	SrcEP     uint8
	ClusterID uint16
	Record    zcl.AttributeRecord
	LQI       uint8
	RSSI      int8
}

// ClusterCommandEvent is emitted for incoming cluster-specific commands.
type ClusterCommandEvent struct {
	SrcAddr   zigbee.NWK
	SrcEP     uint8
	ClusterID uint16
	CommandID uint8
	Payload   []byte
	LQI       uint8
	RSSI      int8
}
