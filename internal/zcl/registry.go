package zcl

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
)

// Registry holds all known ZCL cluster definitions.
type Registry struct {
	mu       sync.RWMutex
	clusters map[uint16]*ClusterDef
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clusters: make(map[uint16]*ClusterDef),
		logger:   logger,
	}
}

// NewStandardRegistry creates a registry preloaded with StandardClusters.
func NewStandardRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	for _, c := range StandardClusters() {
		r.Register(c)
	}
	return r
}

// Register adds a cluster definition, merging into an existing one.
func (r *Registry) Register(c ClusterDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clusters[c.ID]; ok {
		existing.Merge(&c)
		r.logger.Debug("cluster merged", "id", fmt.Sprintf("0x%04X", c.ID), "name", existing.Name)
		return
	}
	r.clusters[c.ID] = c.DeepCopy()
}

// Get returns a copy of a cluster definition, or nil if not found.
func (r *Registry) Get(id uint16) *ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[id]
	if c == nil {
		return nil
	}
	return c.DeepCopy()
}

// All returns copies of all definitions sorted by cluster ID.
func (r *Registry) All() []ClusterDef {
	r.mu.RLock()
	result := make([]ClusterDef, 0, len(r.clusters))
	for _, c := range r.clusters {
		result = append(result, *c.DeepCopy())
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ResolveCluster accepts a numeric literal ("6", "0x0006") or a cluster
// name ("on_off", "OnOff").
func (r *Registry) ResolveCluster(ref string) (uint16, error) {
	if v, err := strconv.ParseUint(ref, 0, 16); err == nil {
		return uint16(v), nil
	}
	want := normalizeName(ref)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.clusters {
		if normalizeName(c.Name) == want {
			return id, nil
		}
	}
	return 0, fmt.Errorf("zcl: unknown cluster %q", ref)
}

// ResolveAttribute accepts a numeric literal or an attribute name of the
// given cluster. The definition is nil for numeric references to
// attributes the registry does not know.
func (r *Registry) ResolveAttribute(clusterID uint16, ref string) (uint16, *AttributeDef, error) {
	c := r.Get(clusterID)
	if v, err := strconv.ParseUint(ref, 0, 16); err == nil {
		if c != nil {
			return uint16(v), c.FindAttribute(uint16(v)), nil
		}
		return uint16(v), nil, nil
	}
	if c == nil {
		return 0, nil, fmt.Errorf("zcl: attribute %q: unknown cluster 0x%04X", ref, clusterID)
	}
	a := c.FindAttributeByName(ref)
	if a == nil {
		return 0, nil, fmt.Errorf("zcl: cluster %s has no attribute %q", c.Name, ref)
	}
	return a.ID, a, nil
}

// ClusterName returns the registered name or the hex ID.
func (r *Registry) ClusterName(id uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.clusters[id]; ok {
		return c.Name
	}
	return fmt.Sprintf("0x%04X", id)
}
