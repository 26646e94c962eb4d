// Package toolkit dispatches network-management commands to their
// handlers. A command arrives as a Request (name, device reference, opaque
// data and extra parameters) from any transport; the Router resolves the
// device, picks the handler and reports the outcome to its observers.
package toolkit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"zigbee-toolkit/internal/ncp"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

// Sentinel errors. Transports map them to response codes.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingIEEE    = errors.New("command requires a device address")
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidData    = errors.New("invalid command data")
	ErrUnsupported    = ncp.ErrUnsupported
)

// EventCommandExecuted is published after every dispatch.
const EventCommandExecuted = "command_executed"

// App is the network controller handed to every handler.
type App interface {
	Context() context.Context
	LocalIEEE() zigbee.IEEE
	Device(ieee zigbee.IEEE) (*store.Device, error)
	Devices() ([]*store.Device, error)
	ResolveIEEE(ctx context.Context, ref string) (zigbee.IEEE, error)
	NWK(ctx context.Context, ieee zigbee.IEEE) (zigbee.NWK, error)
	Radio() ncp.NCP
	Store() store.Store
	Registry() *zcl.Registry

	PermitJoin(ctx context.Context, duration uint8, via zigbee.IEEE) error
	HandleJoin(ctx context.Context, nwk zigbee.NWK, ieee zigbee.IEEE) error
	Form(ctx context.Context, cfg ncp.NetworkConfig) error
	UpdateChannel(channel, updateID uint8) error

	ZDORequest(ctx context.Context, dst zigbee.NWK, cluster uint16, payload []byte) ([]byte, error)
	ZDOBroadcast(ctx context.Context, dst zigbee.NWK, cluster uint16, payload []byte) error
	Bind(ctx context.Context, req ncp.BindRequest) error
	Unbind(ctx context.Context, req ncp.BindRequest) error
	Leave(ctx context.Context, target zigbee.NWK, ieee zigbee.IEEE, rejoin bool) error

	ZCLRequest(ctx context.Context, req ncp.ZCLRequest) (*zcl.Frame, error)
	ReadAttributes(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, attrIDs []uint16) ([]zcl.AttributeRecord, error)
	WriteAttributes(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, records []zcl.WriteRecord) error
	ConfigureReporting(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, configs []zcl.ReportingConfig) error
	DiscoverAttributes(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16) ([]zcl.DiscoveredAttribute, error)
	DiscoverCommands(ctx context.Context, dst zigbee.NWK, ep uint8, clusterID, manuf uint16, generated bool) ([]uint8, error)
}

// Listener is the gateway handle: handlers publish events through it.
type Listener interface {
	Publish(eventType string, data interface{})
}

// Request is one service call.
type Request struct {
	ID      string                 `json:"id,omitempty"`
	Command string                 `json:"command"`
	IEEE    string                 `json:"ieee,omitempty"`
	Data    string                 `json:"command_data,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	// Origin names the transport ("mqtt", "http", "lua", "cron", "cli").
	Origin string `json:"origin,omitempty"`
}

// Result is the outcome of a dispatch.
type Result struct {
	ID         string        `json:"id"`
	Command    string        `json:"command"`
	IEEE       string        `json:"ieee,omitempty"`
	Data       interface{}   `json:"data,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`

	// Matched is false when no handler was registered for Command.
	Matched bool `json:"-"`
}

// Invocation is the normalized argument set a handler receives.
type Invocation struct {
	App      App
	Listener Listener
	// IEEE is the resolved device; HasIEEE is false when the request named
	// none.
	IEEE    zigbee.IEEE
	HasIEEE bool
	Command string
	Data    string
	Request *Request
	Logger  *slog.Logger
}

// Handler executes one command. The returned value becomes Result.Data.
type Handler func(ctx context.Context, inv *Invocation) (interface{}, error)

// CommandInfo describes a registered command.
type CommandInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	RequiresIEEE bool   `json:"requires_ieee"`
}

// ErrorCode classifies err for transport responses.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrMissingIEEE):
		return "missing_ieee"
	case errors.Is(err, ErrInvalidData):
		return "invalid_data"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "failed"
}
