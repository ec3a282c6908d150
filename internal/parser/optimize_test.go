package parser

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
)

func TestOptimizeDiamond(t *testing.T) {
	t.Parallel()

	w, err := Parse([]byte(`
name: diamond
nodes:
  - {id: a, type: tool, config: {tool_id: echo}}
  - {id: b, type: tool, config: {tool_id: echo}, depends_on: [a]}
  - {id: c, type: tool, config: {tool_id: echo}, depends_on: [a]}
  - {id: d, type: tool, config: {tool_id: echo}, depends_on: [b, c]}
`))
	require.NoError(t, err)

	opt, err := Optimize(w)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, opt.Layers)
	assert.Equal(t, []string{"b", "c"}, opt.Successors["a"])
	assert.Equal(t, []string{"b", "c"}, opt.Predecessors["d"])
	assert.Empty(t, opt.Predecessors["a"])

	// b and c share the predecessor set {a}, so they dispatch together.
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, opt.Groups)

	assert.Equal(t, 0, opt.LayerOf("a"))
	assert.Equal(t, 1, opt.LayerOf("c"))
	assert.Equal(t, -1, opt.LayerOf("ghost"))
}

func TestOptimizeGroupsSplitByPredecessors(t *testing.T) {
	t.Parallel()

	w, err := Parse([]byte(`
name: split-groups
nodes:
  - {id: a, type: tool, config: {tool_id: echo}}
  - {id: b, type: tool, config: {tool_id: echo}}
  - {id: c, type: tool, config: {tool_id: echo}, depends_on: [a]}
  - {id: d, type: tool, config: {tool_id: echo}, depends_on: [b]}
`))
	require.NoError(t, err)

	opt, err := Optimize(w)
	require.NoError(t, err)

	// c and d sit in the same layer but become ready at different moments.
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, opt.Layers)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}}, opt.Groups)
}

func TestOptimizeExcludesOwnedNodes(t *testing.T) {
	t.Parallel()

	w, err := Parse([]byte(`
name: owned
nodes:
  - id: repeat
    type: control
    subtype: loop
    config: {mode: count, count: 2, body: [step]}
  - {id: step, type: tool, config: {tool_id: echo}}
  - {id: book, type: tool, config: {tool_id: booking}, compensation_ref: unbook}
  - {id: unbook, type: tool, config: {tool_id: booking}}
`))
	require.NoError(t, err)

	opt, err := Optimize(w)
	require.NoError(t, err)

	// Loop bodies and compensation nodes never enter the layering; their
	// owners run them directly.
	require.Len(t, opt.Layers, 1)
	assert.ElementsMatch(t, []string{"repeat", "book"}, opt.Layers[0])
	assert.Equal(t, -1, opt.LayerOf("step"))
	assert.Equal(t, -1, opt.LayerOf("unbook"))
	assert.NotContains(t, opt.Predecessors, "step")
	assert.NotContains(t, opt.Successors, "unbook")
}

func TestOptimizeRejectsCycle(t *testing.T) {
	t.Parallel()

	// Built by hand: Parse would already reject the cycle.
	w := &core.Workflow{
		Name: "cyclic", Version: "1.0.0", Kind: core.KindDAG,
		Nodes: []*core.Node{{ID: "a", Kind: core.NodeTool}, {ID: "b", Kind: core.NodeTool}},
		Edges: []*core.Edge{
			{From: "a", To: "b", Kind: core.EdgeData},
			{From: "b", To: "a", Kind: core.EdgeData},
		},
	}
	_, err := Optimize(w)
	require.Error(t, err)
	typed := core.AsError(err, "")
	assert.Equal(t, core.ErrKindCycle, typed.Kind)
}

func TestOptimizeRandomGraphs(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		n := 3 + rng.Intn(8)
		w := &core.Workflow{Name: "random", Version: "1.0.0", Kind: core.KindDAG}
		for i := 0; i < n; i++ {
			w.Nodes = append(w.Nodes, &core.Node{ID: fmt.Sprintf("n%02d", i), Kind: core.NodeTool})
		}
		// Edges only point forward in declaration order, so the graph is
		// acyclic by construction.
		for j := 1; j < n; j++ {
			i := rng.Intn(j)
			w.Edges = append(w.Edges, &core.Edge{
				From: w.Nodes[i].ID, To: w.Nodes[j].ID, Kind: core.EdgeData,
			})
		}

		opt, err := Optimize(w)
		require.NoError(t, err, "round %d", round)

		seen := map[string]int{}
		for _, layer := range opt.Layers {
			for _, id := range layer {
				seen[id]++
			}
		}
		require.Len(t, seen, n, "round %d: every node appears in a layer", round)
		for _, e := range w.Edges {
			assert.Less(t, opt.LayerOf(e.From), opt.LayerOf(e.To),
				"round %d: edge %s -> %s must cross layers forward", round, e.From, e.To)
		}

		// Reversing one edge closes a cycle; the layering must refuse it.
		pick := w.Edges[rng.Intn(len(w.Edges))]
		w.Edges = append(w.Edges, &core.Edge{From: pick.To, To: pick.From, Kind: core.EdgeData})
		_, err = Optimize(w)
		require.Error(t, err, "round %d: reversed edge", round)
	}
}
