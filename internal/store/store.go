package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	// Network state
	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)
	ClearNetworkState() error

	// Groups. UpdateGroup creates the group when it does not exist; a group
	// left without members by fn is deleted.
	GetGroup(id uint16) (*Group, error)
	ListGroups() ([]*Group, error)
	UpdateGroup(id uint16, fn func(g *Group) error) error
	DeleteGroup(id uint16) error

	// Execution history, newest first. AddExecution prunes the oldest
	// entries beyond limit when limit > 0.
	AddExecution(e *Execution, limit int) error
	ListExecutions(limit int) ([]*Execution, error)
	GetExecution(id string) (*Execution, error)

	// Artifacts
	SaveArtifact(a *Artifact) error
	ListArtifacts(kind string) ([]*Artifact, error)
	LatestArtifact(kind, subject string) (*Artifact, error)

	// Close the store
	Close() error
}
