// Package eval resolves template expressions and conditions against an
// execution's context tree. Parsing happens once at workflow load; evaluation
// is a pure walk over a context snapshot and never suspends.
package eval

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/luomaohao/agentRun/internal/core"
)

// Well-known top-level branches of the context tree.
const (
	BranchInput   = "input"
	BranchNodes   = "nodes"
	BranchSession = "session"
	BranchTrigger = "trigger"
	BranchMeta    = "meta"
)

// OutputKey nests a node's output under nodes.<id>.
const OutputKey = "output"

// Context is the nested key-value tree carrying inputs and node outputs
// across an execution. It is mutated only by the engine coordinating the
// execution; executors receive immutable snapshots. A child context (sub
// workflow) falls back to its parent on misses.
type Context struct {
	tree   map[string]any
	parent *Context
}

// NewContext builds a context tree with the well-known branches in place.
func NewContext(input map[string]any) *Context {
	if input == nil {
		input = map[string]any{}
	}
	return &Context{tree: map[string]any{
		BranchInput:   input,
		BranchNodes:   map[string]any{},
		BranchSession: map[string]any{},
		BranchTrigger: map[string]any{},
		BranchMeta:    map[string]any{},
	}}
}

// FromTree wraps an existing tree, typically one restored from a persisted
// execution record. Missing well-known branches are created.
func FromTree(tree map[string]any) *Context {
	if tree == nil {
		tree = map[string]any{}
	}
	for _, b := range []string{BranchInput, BranchNodes, BranchSession, BranchTrigger, BranchMeta} {
		if _, ok := tree[b]; !ok {
			tree[b] = map[string]any{}
		}
	}
	return &Context{tree: tree}
}

// WithParent returns a child context that resolves misses against parent.
func (c *Context) WithParent(parent *Context) *Context {
	return &Context{tree: c.tree, parent: parent}
}

// Tree returns the live tree for persistence. Callers must not mutate it.
func (c *Context) Tree() map[string]any {
	return c.tree
}

// Get resolves a dotted path with optional [index] steps. Misses fall back
// to the parent context when one is attached.
func (c *Context) Get(path string) (any, bool) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	v, ok := walk(c.tree, steps)
	if !ok && c.parent != nil {
		return c.parent.Get(path)
	}
	return v, ok
}

// Set writes a value at a dotted path, creating intermediate maps. Index
// steps must resolve to existing slice slots.
func (c *Context) Set(path string, value any) error {
	steps, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return core.NewError(core.ErrKindTemplate, "empty context path")
	}
	cur := c.tree
	for i, s := range steps[:len(steps)-1] {
		if s.index >= 0 {
			return core.NewError(core.ErrKindTemplate, "cannot set through index step in %q", path)
		}
		next, ok := cur[s.key]
		if !ok {
			child := map[string]any{}
			cur[s.key] = child
			cur = child
			continue
		}
		childMap, ok := next.(map[string]any)
		if !ok {
			return core.NewError(core.ErrKindTemplate,
				"path %q blocked by non-object at %q", path, steps[i].key)
		}
		cur = childMap
	}
	last := steps[len(steps)-1]
	if last.index >= 0 {
		return core.NewError(core.ErrKindTemplate, "cannot set through index step in %q", path)
	}
	cur[last.key] = value
	return nil
}

// SetNodeOutput records a node's output under nodes.<id>.output. The output
// replaces any previous value for the node; cross-node merging is the
// aggregation nodes' job.
func (c *Context) SetNodeOutput(nodeID string, output map[string]any) {
	nodes, ok := c.tree[BranchNodes].(map[string]any)
	if !ok {
		nodes = map[string]any{}
		c.tree[BranchNodes] = nodes
	}
	entry, ok := nodes[nodeID].(map[string]any)
	if !ok {
		entry = map[string]any{}
		nodes[nodeID] = entry
	}
	entry[OutputKey] = output
}

// NodeOutput returns the recorded output of a node, if any.
func (c *Context) NodeOutput(nodeID string) (map[string]any, bool) {
	v, ok := c.Get(fmt.Sprintf("%s.%s.%s", BranchNodes, nodeID, OutputKey))
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// Merge deep-merges src into the tree, src values winning.
func (c *Context) Merge(src map[string]any) error {
	return mergo.Merge(&c.tree, src, mergo.WithOverride)
}

// Snapshot returns a deep copy of the visible tree, parent branches
// included. Executors evaluate against snapshots so no two goroutines share
// mutable state.
func (c *Context) Snapshot() map[string]any {
	if c.parent == nil {
		return deepCopyMap(c.tree)
	}
	snap := c.parent.Snapshot()
	if err := mergo.Merge(&snap, deepCopyMap(c.tree), mergo.WithOverride); err != nil {
		return deepCopyMap(c.tree)
	}
	return snap
}

func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}

// walk resolves steps against a value, returning false on any miss.
func walk(v any, steps []pathStep) (any, bool) {
	cur := any(v)
	for _, s := range steps {
		if s.key != "" {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[s.key]
			if !ok {
				return nil, false
			}
		}
		if s.index >= 0 {
			list, ok := cur.([]any)
			if !ok || s.index >= len(list) {
				return nil, false
			}
			cur = list[s.index]
		}
	}
	return cur, true
}
