package ncp

import (
	"context"

	"zigbee-toolkit/internal/zigbee"
)

// Optional backend capabilities. Callers type-assert an NCP against these
// and report ErrUnsupported when the backend lacks one.

// AddressResolver looks up addresses in the radio's own tables.
type AddressResolver interface {
	IEEEByNWK(ctx context.Context, nwk zigbee.NWK) (zigbee.IEEE, error)
	NWKByIEEE(ctx context.Context, ieee zigbee.IEEE) (zigbee.NWK, error)
}

// Value namespaces understood by ValueReader.
const (
	ValueSpaceValue  = "value"
	ValueSpaceConfig = "config"
	ValueSpacePolicy = "policy"
	ValueSpaceToken  = "token"
)

// ValueReader exposes radio configuration, policies and tokens by name.
type ValueReader interface {
	RadioValue(ctx context.Context, space, name string) (interface{}, error)
}

// KeyReader exposes the active network key.
type KeyReader interface {
	NetworkKey(ctx context.Context) ([]byte, error)
}

// LinkKey is one entry of the trust center link key table.
type LinkKey struct {
	IEEE    zigbee.IEEE `json:"ieee"`
	Key     []byte      `json:"key"`
	InCount uint32      `json:"incoming_frame_counter"`
}

// LinkKeyManager manages the trust center link key table.
type LinkKeyManager interface {
	LinkKeys(ctx context.Context) ([]LinkKey, error)
	AddLinkKey(ctx context.Context, ieee zigbee.IEEE, key []byte) error
	ClearLinkKeys(ctx context.Context) error
}

// InstallCodeAdder admits a device with an install-code derived link key.
type InstallCodeAdder interface {
	AddInstallCode(ctx context.Context, ieee zigbee.IEEE, code []byte) error
}

// MfgTester switches the radio into manufacturing test mode.
type MfgTester interface {
	StartMfg(ctx context.Context) error
}
