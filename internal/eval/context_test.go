package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
)

func TestContextGetSet(t *testing.T) {
	t.Parallel()

	c := NewContext(map[string]any{"val": 3})

	v, ok := c.Get("input.val")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	require.NoError(t, c.Set("session.user.id", "u-1"))
	v, ok = c.Get("session.user.id")
	require.True(t, ok)
	assert.Equal(t, "u-1", v)

	_, ok = c.Get("session.missing")
	assert.False(t, ok)

	// setting through a scalar is rejected
	require.NoError(t, c.Set("session.flag", true))
	assert.Error(t, c.Set("session.flag.deep", 1))
}

func TestContextNodeOutputs(t *testing.T) {
	t.Parallel()

	c := NewContext(nil)
	c.SetNodeOutput("a", map[string]any{"out": 1})

	out, ok := c.NodeOutput("a")
	require.True(t, ok)
	assert.Equal(t, 1, out["out"])

	v, ok := c.Get("nodes.a.output.out")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// second write replaces the first
	c.SetNodeOutput("a", map[string]any{"out": 2})
	out, _ = c.NodeOutput("a")
	assert.Equal(t, 2, out["out"])
}

func TestContextSnapshotIsolation(t *testing.T) {
	t.Parallel()

	c := NewContext(map[string]any{"nested": map[string]any{"k": "v"}})
	snap := c.Snapshot()

	nested := snap["input"].(map[string]any)["nested"].(map[string]any)
	nested["k"] = "mutated"

	v, ok := c.Get("input.nested.k")
	require.True(t, ok)
	assert.Equal(t, "v", v, "snapshot mutation must not reach the live tree")
}

func TestContextParentFallback(t *testing.T) {
	t.Parallel()

	parent := NewContext(map[string]any{"region": "eu"})
	parent.SetNodeOutput("upstream", map[string]any{"token": "t-1"})

	child := NewContext(map[string]any{"val": 1}).WithParent(parent)

	v, ok := child.Get("input.val")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// child misses fall back to the parent tree
	v, ok = child.Get("nodes.upstream.output.token")
	require.True(t, ok)
	assert.Equal(t, "t-1", v)

	// child snapshot sees parent branches, child winning on conflict
	snap := child.Snapshot()
	input := snap["input"].(map[string]any)
	assert.Equal(t, 1, input["val"])
}

func TestContextMerge(t *testing.T) {
	t.Parallel()

	c := NewContext(nil)
	require.NoError(t, c.Set("session.a", 1))
	require.NoError(t, c.Merge(map[string]any{
		"session": map[string]any{"b": 2},
	}))

	_, okA := c.Get("session.a")
	_, okB := c.Get("session.b")
	assert.True(t, okA)
	assert.True(t, okB)
}

func TestFromTreeRestoresBranches(t *testing.T) {
	t.Parallel()

	c := FromTree(map[string]any{"input": map[string]any{"x": 1}})
	_, ok := c.Get("nodes")
	assert.True(t, ok)
	v, ok := c.Get("input.x")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestConditionEval(t *testing.T) {
	t.Parallel()

	cond, err := CompileCondition(`input.val > 2 && input.kind == "order"`)
	require.NoError(t, err)

	ok, err := cond.Eval(map[string]any{
		"input": map[string]any{"val": 3, "kind": "order"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Eval(map[string]any{
		"input": map[string]any{"val": 1, "kind": "order"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionUndefinedIsFalse(t *testing.T) {
	t.Parallel()

	cond, err := CompileCondition("missing")
	require.NoError(t, err)

	ok, err := cond.Eval(map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionValueForSwitch(t *testing.T) {
	t.Parallel()

	cond, err := CompileCondition("nodes.classify.output.intent")
	require.NoError(t, err)

	v, err := cond.Value(map[string]any{
		"nodes": map[string]any{
			"classify": map[string]any{
				"output": map[string]any{"intent": "complaint"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "complaint", v)
}

func TestConditionCompileError(t *testing.T) {
	t.Parallel()

	_, err := CompileCondition("input.val >")
	require.Error(t, err)
	typed := core.AsError(err, "")
	assert.Equal(t, core.ErrKindValidation, typed.Kind)
}

func TestConditionNonBoolResult(t *testing.T) {
	t.Parallel()

	cond, err := CompileCondition(`"a string"`)
	require.NoError(t, err)
	_, err = cond.Eval(map[string]any{})
	assert.Error(t, err)
}

func TestReduce(t *testing.T) {
	t.Parallel()

	outputs := []map[string]any{
		{"k_b": 1},
		{"k_c": 1},
		{"k_d": 1},
	}

	t.Run("merge", func(t *testing.T) {
		got, err := Reduce(core.ReducerMerge, []string{"b", "c", "d"}, outputs)
		require.NoError(t, err)
		assert.Len(t, got, 3)
		assert.Equal(t, 1, got["k_b"])
	})

	t.Run("concat", func(t *testing.T) {
		got, err := Reduce(core.ReducerConcat, []string{"b", "c", "d"}, outputs)
		require.NoError(t, err)
		items := got["items"].([]any)
		assert.Len(t, items, 3)
	})

	t.Run("sum", func(t *testing.T) {
		got, err := Reduce(core.ReducerSum, nil, []map[string]any{
			{"n": 1.5}, {"n": 2}, {"n": int64(3)},
		})
		require.NoError(t, err)
		assert.InDelta(t, 6.5, got["sum"], 1e-9)
	})

	t.Run("last", func(t *testing.T) {
		got, err := Reduce(core.ReducerLast, nil, outputs)
		require.NoError(t, err)
		assert.Equal(t, 1, got["k_d"])
	})

	t.Run("default is merge", func(t *testing.T) {
		got, err := Reduce("", nil, outputs)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Reduce("median", nil, outputs)
		assert.Error(t, err)
	})
}
