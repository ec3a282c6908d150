package parser

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/luomaohao/agentRun/internal/core"
)

// Optimization holds precomputed graph structure the engine uses to batch
// dispatch. Layers are a hint only; readiness stays a dynamic predicate.
type Optimization struct {
	// Layers is a topological layering of the dispatchable nodes. Every
	// node in layer i has all its predecessors in layers < i.
	Layers [][]string

	// Predecessors and Successors index the combined edge set per node.
	Predecessors map[string][]string
	Successors   map[string][]string

	// Groups lists parallel-eligible sets: nodes sharing a layer and an
	// identical predecessor set can be submitted together.
	Groups [][]string
}

// Optimize computes the dispatch structure for a validated workflow. Nodes
// owned by loop bodies or reserved for compensation never enter the layers;
// their owners run them directly.
func Optimize(w *core.Workflow) (*Optimization, error) {
	owned := w.OwnedNodeIDs()

	opt := &Optimization{
		Predecessors: map[string][]string{},
		Successors:   map[string][]string{},
	}

	indegree := map[string]int{}
	var order []string
	for _, n := range w.Nodes {
		if owned[n.ID] {
			continue
		}
		order = append(order, n.ID)
		indegree[n.ID] = 0
		opt.Predecessors[n.ID] = nil
		opt.Successors[n.ID] = nil
	}

	for _, e := range w.Edges {
		if owned[e.From] || owned[e.To] {
			continue
		}
		if lo.Contains(opt.Successors[e.From], e.To) {
			continue
		}
		opt.Successors[e.From] = append(opt.Successors[e.From], e.To)
		opt.Predecessors[e.To] = append(opt.Predecessors[e.To], e.From)
		indegree[e.To]++
	}

	// Kahn's layering. Iterating the declaration order keeps the output
	// deterministic for identical definitions.
	remaining := len(order)
	ready := lo.Filter(order, func(id string, _ int) bool { return indegree[id] == 0 })
	for len(ready) > 0 {
		opt.Layers = append(opt.Layers, ready)
		remaining -= len(ready)
		var next []string
		for _, id := range ready {
			for _, succ := range opt.Successors[id] {
				indegree[succ]--
				if indegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		sort.SliceStable(next, func(i, j int) bool {
			return lo.IndexOf(order, next[i]) < lo.IndexOf(order, next[j])
		})
		ready = next
	}
	if remaining > 0 {
		return nil, core.NewError(core.ErrKindCycle, "%d nodes are unreachable from the layering", remaining)
	}

	opt.Groups = groupByPredecessors(opt)
	return opt, nil
}

// groupByPredecessors splits each layer by predecessor signature. Nodes
// with the same signature become ready at the same instant.
func groupByPredecessors(opt *Optimization) [][]string {
	var groups [][]string
	for _, layer := range opt.Layers {
		byKey := lo.GroupBy(layer, func(id string) string {
			preds := append([]string{}, opt.Predecessors[id]...)
			sort.Strings(preds)
			return strings.Join(preds, "\x00")
		})
		keys := lo.Keys(byKey)
		sort.Slice(keys, func(i, j int) bool {
			return lo.IndexOf(layer, byKey[keys[i]][0]) < lo.IndexOf(layer, byKey[keys[j]][0])
		})
		for _, k := range keys {
			groups = append(groups, byKey[k])
		}
	}
	return groups
}

// LayerOf returns the index of the layer containing id, or -1.
func (o *Optimization) LayerOf(id string) int {
	for i, layer := range o.Layers {
		if lo.Contains(layer, id) {
			return i
		}
	}
	return -1
}
