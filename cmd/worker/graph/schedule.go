// Package graph validates workflow graphs and produces the deterministic
// execution order the worker runs nodes in.
package graph

import (
	"sort"

	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

// Schedule is the outcome of a topological sort: the node execution order
// and the direct-parent map used to route inputs.
type Schedule struct {
	// Order lists every node in dependency order. Ties among ready nodes
	// break by ascending node id, so the order is stable across runs.
	Order []models.Node

	// Dependencies maps node id to its direct parents, ascending. A node
	// receives exactly its parents' outputs as inputs, no transitive
	// closure.
	Dependencies map[string][]string
}

// Sort runs Kahn's algorithm over the graph. Edges whose endpoints are not
// in the node set are ignored; the validator rejects those graphs upstream.
func Sort(nodes []models.Node, edges []models.Edge) (*Schedule, error) {
	byID := make(map[string]models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	inDegree := make(map[string]int, len(nodes))
	children := make(map[string][]string, len(nodes))
	parents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = 0
		parents[n.ID] = nil
	}

	seen := make(map[string]map[string]bool, len(nodes))
	for _, e := range edges {
		if _, ok := byID[e.Source]; !ok {
			continue
		}
		if _, ok := byID[e.Target]; !ok {
			continue
		}
		// Parallel edges count once
		if seen[e.Source][e.Target] {
			continue
		}
		if seen[e.Source] == nil {
			seen[e.Source] = make(map[string]bool)
		}
		seen[e.Source][e.Target] = true

		children[e.Source] = append(children[e.Source], e.Target)
		parents[e.Target] = append(parents[e.Target], e.Source)
		inDegree[e.Target]++
	}

	ready := make([]string, 0, len(nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]models.Node, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])

		released := make([]string, 0, len(children[id]))
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				released = append(released, child)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(nodes) {
		return nil, &errs.CycleOrOrphanError{Emitted: len(order), Total: len(nodes)}
	}

	for id := range parents {
		sort.Strings(parents[id])
	}

	return &Schedule{Order: order, Dependencies: parents}, nil
}

// RelevantOutputs picks the direct parents' outputs for a node out of
// everything produced so far
func (s *Schedule) RelevantOutputs(nodeID string, outputs map[string]map[string]interface{}) map[string]map[string]interface{} {
	relevant := make(map[string]map[string]interface{})
	for _, parent := range s.Dependencies[nodeID] {
		if out, ok := outputs[parent]; ok {
			relevant[parent] = out
		}
	}
	return relevant
}
