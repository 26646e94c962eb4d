package commands

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zdo"
	"zigbee-toolkit/internal/zigbee"
)

// EventTopologyScan is published when a background topology scan ends.
const EventTopologyScan = "topology_scan"

// RegisterTopologyCommands registers neighbour and routing table walks.
func RegisterTopologyCommands(r *toolkit.Router) {
	s := &scanner{}
	r.MustRegister("get_routes_and_neighbours", routesAndNeighbours, toolkit.RequiresIEEE(),
		toolkit.Describe("read the neighbour and routing tables of a device"))
	r.MustRegister("all_routes_and_neighbours", allRoutesAndNeighbours,
		toolkit.Describe("read neighbour and routing tables of the coordinator and every router"))
	r.MustRegister("zdo_scan_now", s.start,
		toolkit.Describe("start a background topology scan and return its job id"))
}

// NodeTopology is the table walk result of one node.
type NodeTopology struct {
	IEEE       string         `json:"ieee"`
	NWK        string         `json:"nwk"`
	Neighbours []zdo.Neighbor `json:"neighbours"`
	Routes     []zdo.Route    `json:"routes"`
	Errors     []string       `json:"errors,omitempty"`
}

// NetworkTopology is the walk result of the whole network.
type NetworkTopology struct {
	ScannedAt time.Time       `json:"scanned_at"`
	Nodes     []*NodeTopology `json:"nodes"`
}

// walkTable reads every page of a paged management table.
func walkTable[T any](ctx context.Context, app toolkit.App, nwk zigbee.NWK, cluster uint16,
	request func(start uint8) []byte, parse func([]byte) (*zdo.TablePage[T], error)) ([]T, error) {
	var out []T
	for {
		resp, err := app.ZDORequest(ctx, nwk, cluster, request(uint8(len(out))))
		if err != nil {
			return out, err
		}
		page, err := parse(resp)
		if err != nil {
			return out, err
		}
		out = append(out, page.Entries...)
		if len(page.Entries) == 0 || len(out) >= page.Total || len(out) > 0xFF {
			return out, nil
		}
	}
}

func nodeTopology(ctx context.Context, app toolkit.App, ieee zigbee.IEEE, nwk zigbee.NWK) *NodeTopology {
	node := &NodeTopology{IEEE: ieee.String(), NWK: nwk.String(), Neighbours: []zdo.Neighbor{}, Routes: []zdo.Route{}}
	neighbours, err := walkTable(ctx, app, nwk, zdo.MgmtLqiReq, zdo.MgmtLqiRequest, zdo.ParseMgmtLqiResponse)
	if err != nil {
		node.Errors = append(node.Errors, "neighbours: "+err.Error())
	}
	node.Neighbours = append(node.Neighbours, neighbours...)
	routes, err := walkTable(ctx, app, nwk, zdo.MgmtRtgReq, zdo.MgmtRtgRequest, zdo.ParseMgmtRtgResponse)
	if err != nil {
		node.Errors = append(node.Errors, "routes: "+err.Error())
	}
	node.Routes = append(node.Routes, routes...)
	return node
}

func routesAndNeighbours(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	nwk, err := inv.App.NWK(ctx, inv.IEEE)
	if err != nil {
		return nil, err
	}
	node := nodeTopology(ctx, inv.App, inv.IEEE, nwk)
	if err := saveArtifact(inv.App, store.ArtifactTopology, node.IEEE, node); err != nil {
		return nil, err
	}
	return node, nil
}

// scanNetwork walks the coordinator and every router.
func scanNetwork(ctx context.Context, app toolkit.App) (*NetworkTopology, error) {
	topo := &NetworkTopology{ScannedAt: time.Now()}
	topo.Nodes = append(topo.Nodes, nodeTopology(ctx, app, app.LocalIEEE(), zigbee.NWKCoordinator))

	devices, err := app.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !dev.IsRouter() {
			continue
		}
		ieee, err := zigbee.ParseIEEE(dev.IEEEAddress)
		if err != nil {
			continue
		}
		node := nodeTopology(ctx, app, ieee, zigbee.NWK(dev.ShortAddress))
		if err := saveArtifact(app, store.ArtifactTopology, node.IEEE, node); err != nil {
			return nil, err
		}
		topo.Nodes = append(topo.Nodes, node)
	}
	if err := saveArtifact(app, store.ArtifactTopology, "network", topo); err != nil {
		return nil, err
	}
	return topo, nil
}

func allRoutesAndNeighbours(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	return scanNetwork(ctx, inv.App)
}

// scanner runs at most one background topology scan.
type scanner struct {
	mu      sync.Mutex
	running string
}

func (s *scanner) start(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != "" {
		return map[string]interface{}{"job_id": s.running, "already_running": true}, nil
	}
	id := uuid.NewString()
	s.running = id

	app, listener, logger := inv.App, inv.Listener, inv.Logger
	go func() {
		start := time.Now()
		topo, err := scanNetwork(app.Context(), app)

		s.mu.Lock()
		s.running = ""
		s.mu.Unlock()

		evt := map[string]interface{}{"job_id": id, "duration_ms": time.Since(start).Milliseconds()}
		if err != nil {
			logger.Error("topology scan failed", "job", id, "err", err)
			evt["error"] = err.Error()
		} else {
			logger.Info("topology scan finished", "job", id, "nodes", len(topo.Nodes))
			evt["nodes"] = len(topo.Nodes)
		}
		if listener != nil {
			listener.Publish(EventTopologyScan, evt)
		}
	}()
	return map[string]interface{}{"job_id": id}, nil
}
