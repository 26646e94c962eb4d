// Package ncptest provides an in-memory NCP for tests.
package ncptest

import (
	"context"
	"fmt"
	"sync"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

// LeaveCall records one MgmtLeave call.
type LeaveCall struct {
	Addr  zigbee.NWK
	IEEE  zigbee.IEEE
	Flags uint8
}

// PermitJoinCall records one PermitJoin call.
type PermitJoinCall struct {
	Dst      zigbee.NWK
	Duration uint8
}

// Stub is a scriptable NCP. Set the handler funcs to shape responses; all
// calls are recorded. It also implements every optional capability.
type Stub struct {
	mu sync.Mutex

	IEEE      zigbee.IEEE
	Info      ncp.NetworkInfo
	Endpoints map[zigbee.NWK][]uint8
	Descs     map[zigbee.NWK]map[uint8]*ncp.SimpleDescriptor
	Addresses map[zigbee.NWK]zigbee.IEEE
	Values    map[string]interface{}
	Key       []byte

	// ZDO and ZCL answer ZDORequest and SendZCL. Nil handlers return
	// (nil, nil).
	ZDO func(req ncp.ZDORequest) ([]byte, error)
	ZCL func(req ncp.ZCLRequest) (*zcl.Frame, error)
	// Err, when set, fails every request-style call.
	Err error

	ZDORequests []ncp.ZDORequest
	ZCLRequests []ncp.ZCLRequest
	Binds       []ncp.BindRequest
	Unbinds     []ncp.BindRequest
	Leaves      []LeaveCall
	PermitJoins []PermitJoinCall
	Formed      []ncp.NetworkConfig
	Resets      int
	FactoryRsts int
	Started     int
	LinkKeyTbl  []ncp.LinkKey
	InstallCode map[zigbee.IEEE][]byte
	MfgStarted  bool
	Closed      bool

	seq uint8

	onJoined     func(ncp.DeviceJoinedEvent)
	onLeft       func(ncp.DeviceLeftEvent)
	onAnnounce   func(ncp.DeviceAnnounceEvent)
	onReport     func(ncp.AttributeReportEvent)
	onClusterCmd func(ncp.ClusterCommandEvent)
	onNwkUpdate  func(zigbee.NWK)
}

var (
	_ ncp.NCP              = (*Stub)(nil)
	_ ncp.AddressResolver  = (*Stub)(nil)
	_ ncp.ValueReader      = (*Stub)(nil)
	_ ncp.KeyReader        = (*Stub)(nil)
	_ ncp.LinkKeyManager   = (*Stub)(nil)
	_ ncp.InstallCodeAdder = (*Stub)(nil)
	_ ncp.MfgTester        = (*Stub)(nil)
)

// New returns a stub with coordinator IEEE ieee.
func New(ieee zigbee.IEEE) *Stub {
	return &Stub{
		IEEE:        ieee,
		Info:        ncp.NetworkInfo{Channel: 15, PanID: 0x1A62},
		Endpoints:   make(map[zigbee.NWK][]uint8),
		Descs:       make(map[zigbee.NWK]map[uint8]*ncp.SimpleDescriptor),
		Addresses:   make(map[zigbee.NWK]zigbee.IEEE),
		Values:      make(map[string]interface{}),
		InstallCode: make(map[zigbee.IEEE][]byte),
	}
}

// AddDevice registers endpoints and descriptors for a simulated device.
func (s *Stub) AddDevice(nwk zigbee.NWK, ieee zigbee.IEEE, descs ...ncp.SimpleDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Addresses[nwk] = ieee
	if s.Descs[nwk] == nil {
		s.Descs[nwk] = make(map[uint8]*ncp.SimpleDescriptor)
	}
	for i := range descs {
		d := descs[i]
		s.Endpoints[nwk] = append(s.Endpoints[nwk], d.Endpoint)
		s.Descs[nwk][d.Endpoint] = &d
	}
}

func (s *Stub) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
	return s.Err
}

func (s *Stub) FactoryReset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FactoryRsts++
	return s.Err
}

func (s *Stub) Init(ctx context.Context) error { return s.Err }

func (s *Stub) FormNetwork(ctx context.Context, cfg ncp.NetworkConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Formed = append(s.Formed, cfg)
	s.Info = ncp.NetworkInfo{Channel: cfg.Channel, PanID: cfg.PanID, ExtPanID: cfg.ExtPanID}
	if cfg.NetworkKey != nil {
		s.Key = append([]byte(nil), cfg.NetworkKey...)
	}
	return nil
}

func (s *Stub) StartNetwork(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Started++
	return s.Err
}

func (s *Stub) PermitJoin(ctx context.Context, dst zigbee.NWK, duration uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PermitJoins = append(s.PermitJoins, PermitJoinCall{Dst: dst, Duration: duration})
	return s.Err
}

func (s *Stub) NetworkInfo(ctx context.Context) (*ncp.NetworkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	info := s.Info
	return &info, nil
}

func (s *Stub) NetworkScan(ctx context.Context) ([]ncp.NetworkScanResult, error) {
	return nil, s.Err
}

func (s *Stub) GetLocalIEEE(ctx context.Context) (zigbee.IEEE, error) {
	return s.IEEE, s.Err
}

func (s *Stub) ActiveEndpoints(ctx context.Context, addr zigbee.NWK) ([]uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	eps, ok := s.Endpoints[addr]
	if !ok {
		return nil, fmt.Errorf("no device at %s", addr)
	}
	return append([]uint8(nil), eps...), nil
}

func (s *Stub) SimpleDescriptor(ctx context.Context, addr zigbee.NWK, endpoint uint8) (*ncp.SimpleDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	d, ok := s.Descs[addr][endpoint]
	if !ok {
		return nil, fmt.Errorf("no endpoint %d at %s", endpoint, addr)
	}
	cp := *d
	return &cp, nil
}

func (s *Stub) Bind(ctx context.Context, req ncp.BindRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Binds = append(s.Binds, req)
	return s.Err
}

func (s *Stub) Unbind(ctx context.Context, req ncp.BindRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Unbinds = append(s.Unbinds, req)
	return s.Err
}

func (s *Stub) MgmtLeave(ctx context.Context, addr zigbee.NWK, ieee zigbee.IEEE, flags uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Leaves = append(s.Leaves, LeaveCall{Addr: addr, IEEE: ieee, Flags: flags})
	return s.Err
}

func (s *Stub) ZDORequest(ctx context.Context, req ncp.ZDORequest) ([]byte, error) {
	s.mu.Lock()
	s.ZDORequests = append(s.ZDORequests, req)
	h, err := s.ZDO, s.Err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	return h(req)
}

func (s *Stub) SendZCL(ctx context.Context, req ncp.ZCLRequest) (*zcl.Frame, error) {
	s.mu.Lock()
	s.seq++
	if req.Frame != nil {
		req.Frame.Seq = s.seq
	}
	s.ZCLRequests = append(s.ZCLRequests, req)
	h, err := s.ZCL, s.Err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	return h(req)
}

func (s *Stub) OnDeviceJoined(h func(ncp.DeviceJoinedEvent))       { s.mu.Lock(); s.onJoined = h; s.mu.Unlock() }
func (s *Stub) OnDeviceLeft(h func(ncp.DeviceLeftEvent))           { s.mu.Lock(); s.onLeft = h; s.mu.Unlock() }
func (s *Stub) OnDeviceAnnounce(h func(ncp.DeviceAnnounceEvent))   { s.mu.Lock(); s.onAnnounce = h; s.mu.Unlock() }
func (s *Stub) OnAttributeReport(h func(ncp.AttributeReportEvent)) { s.mu.Lock(); s.onReport = h; s.mu.Unlock() }
func (s *Stub) OnClusterCommand(h func(ncp.ClusterCommandEvent))   { s.mu.Lock(); s.onClusterCmd = h; s.mu.Unlock() }
func (s *Stub) OnNwkAddrUpdate(h func(zigbee.NWK))                 { s.mu.Lock(); s.onNwkUpdate = h; s.mu.Unlock() }

// Join simulates a device joining.
func (s *Stub) Join(evt ncp.DeviceJoinedEvent) {
	s.mu.Lock()
	h := s.onJoined
	s.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Leave simulates a device leaving.
func (s *Stub) Leave(evt ncp.DeviceLeftEvent) {
	s.mu.Lock()
	h := s.onLeft
	s.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Announce simulates a device announce.
func (s *Stub) Announce(evt ncp.DeviceAnnounceEvent) {
	s.mu.Lock()
	h := s.onAnnounce
	s.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Report simulates an attribute report.
func (s *Stub) Report(evt ncp.AttributeReportEvent) {
	s.mu.Lock()
	h := s.onReport
	s.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// Command simulates an incoming cluster command.
func (s *Stub) Command(evt ncp.ClusterCommandEvent) {
	s.mu.Lock()
	h := s.onClusterCmd
	s.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func (s *Stub) GetNCPInfo() *ncp.NCPInfo {
	return &ncp.NCPInfo{FWVersion: 1, StackVersion: "3.11.3.0", ProtocolVersion: 1}
}

func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

func (s *Stub) IEEEByNWK(ctx context.Context, nwk zigbee.NWK) (zigbee.IEEE, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ieee, ok := s.Addresses[nwk]
	if !ok {
		return zigbee.IEEE{}, fmt.Errorf("unknown address %s", nwk)
	}
	return ieee, nil
}

func (s *Stub) NWKByIEEE(ctx context.Context, ieee zigbee.IEEE) (zigbee.NWK, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nwk, a := range s.Addresses {
		if a == ieee {
			return nwk, nil
		}
	}
	return 0, fmt.Errorf("unknown device %s", ieee)
}

// RadioValue looks up Values by "space:name".
func (s *Stub) RadioValue(ctx context.Context, space, name string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Values[space+":"+name]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", space, name, ncp.ErrUnsupported)
	}
	return v, nil
}

func (s *Stub) NetworkKey(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Key == nil {
		return nil, fmt.Errorf("no network key")
	}
	return append([]byte(nil), s.Key...), nil
}

func (s *Stub) LinkKeys(ctx context.Context) ([]ncp.LinkKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ncp.LinkKey(nil), s.LinkKeyTbl...), nil
}

func (s *Stub) AddLinkKey(ctx context.Context, ieee zigbee.IEEE, key []byte) error {
	if len(key) != 16 {
		return fmt.Errorf("link key must be 16 bytes")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LinkKeyTbl = append(s.LinkKeyTbl, ncp.LinkKey{IEEE: ieee, Key: append([]byte(nil), key...)})
	return nil
}

func (s *Stub) ClearLinkKeys(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LinkKeyTbl = nil
	return nil
}

func (s *Stub) AddInstallCode(ctx context.Context, ieee zigbee.IEEE, code []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InstallCode[ieee] = append([]byte(nil), code...)
	return nil
}

func (s *Stub) StartMfg(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MfgStarted = true
	return nil
}

// Snapshot helpers for assertions from other goroutines.

func (s *Stub) ZCLSent() []ncp.ZCLRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ncp.ZCLRequest(nil), s.ZCLRequests...)
}

func (s *Stub) ZDOSent() []ncp.ZDORequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ncp.ZDORequest(nil), s.ZDORequests...)
}
