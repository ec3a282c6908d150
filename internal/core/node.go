package core

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// NodeKind discriminates the work a node performs. Dispatch is by kind via
// the executor registry, never by subtyping.
type NodeKind string

const (
	NodeAgent       NodeKind = "agent"
	NodeTool        NodeKind = "tool"
	NodeControl     NodeKind = "control"
	NodeAggregation NodeKind = "aggregation"
	NodeSubWorkflow NodeKind = "sub_workflow"
)

// Valid reports whether the kind token is one the runtime dispatches.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeAgent, NodeTool, NodeControl, NodeAggregation, NodeSubWorkflow:
		return true
	}
	return false
}

// ControlType discriminates control nodes.
type ControlType string

const (
	ControlSwitch   ControlType = "switch"
	ControlParallel ControlType = "parallel"
	ControlLoop     ControlType = "loop"
	ControlJoin     ControlType = "join"
)

// Valid reports whether the control subtype token is known.
func (c ControlType) Valid() bool {
	switch c {
	case ControlSwitch, ControlParallel, ControlLoop, ControlJoin:
		return true
	}
	return false
}

// DefaultNodeTimeout bounds nodes that declare no timeout of their own.
const DefaultNodeTimeout = 5 * time.Minute

// Node is a single unit of work inside a workflow. Config carries the
// kind-specific declaration verbatim; typed views are decoded on demand.
type Node struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Kind            NodeKind          `json:"kind" yaml:"type"`
	Control         ControlType       `json:"control,omitempty" yaml:"subtype,omitempty"`
	Config          map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	InputBindings   map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	OutputSchema    map[string]any    `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Dependencies    []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Retry           *RetryPolicy      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	Priority        int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	CompensationRef string            `json:"compensation_ref,omitempty" yaml:"compensation_ref,omitempty"`
}

// DisplayName returns the human-facing name, falling back to the id.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// AgentID returns the agent id declared in the node config, if any.
func (n *Node) AgentID() string {
	if s, ok := n.Config["agent_id"].(string); ok {
		return s
	}
	return ""
}

// ToolID returns the tool id declared in the node config, if any.
func (n *Node) ToolID() string {
	if s, ok := n.Config["tool_id"].(string); ok {
		return s
	}
	return ""
}

// ResourceKey identifies the external resource a node consumes, for rate
// limiting and circuit breaking. Agent and tool nodes key by their target id;
// everything else keys by kind.
func (n *Node) ResourceKey() string {
	switch n.Kind {
	case NodeAgent:
		if id := n.AgentID(); id != "" {
			return "agent:" + id
		}
	case NodeTool:
		if id := n.ToolID(); id != "" {
			return "tool:" + id
		}
	}
	return "kind:" + string(n.Kind)
}

// SwitchConfig is the typed view of a switch control node's config.
type SwitchConfig struct {
	Condition string            `mapstructure:"condition"`
	Branches  map[string]string `mapstructure:"branches"`
	Default   string            `mapstructure:"default"`
}

// BranchKey renders a switch condition result for branch-map lookup. Whole
// floats render without a fraction so numeric results match numeric-looking
// branch keys regardless of how the expression engine typed them.
func BranchKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return BranchKey(float64(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ParallelConfig is the typed view of a parallel control node's config.
type ParallelConfig struct {
	Branches []string `mapstructure:"branches"`
	WaitAll  bool     `mapstructure:"wait_all"`
}

// LoopMode selects the loop termination discipline. Declarations must name
// one explicitly.
type LoopMode string

const (
	LoopWhile   LoopMode = "while"
	LoopForEach LoopMode = "for_each"
	LoopCount   LoopMode = "count"
)

// DefaultMaxIterations caps loop bodies that declare no tighter bound.
const DefaultMaxIterations = 100

// LoopConfig is the typed view of a loop control node's config. Body names
// the nodes re-executed per iteration.
type LoopConfig struct {
	Mode          LoopMode `mapstructure:"mode"`
	Condition     string   `mapstructure:"condition"`
	Items         string   `mapstructure:"items"`
	Count         int      `mapstructure:"count"`
	Body          []string `mapstructure:"body"`
	MaxIterations int      `mapstructure:"max_iterations"`
}

// Bound returns the iteration cap, falling back to DefaultMaxIterations
// when the declaration names none.
func (c *LoopConfig) Bound() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return DefaultMaxIterations
}

// JoinConfig is the typed view of a join control node's config.
type JoinConfig struct {
	WaitFor []string `mapstructure:"wait_for"`
	WaitAny bool     `mapstructure:"wait_any"`
}

// Reducer names an aggregation combine function.
type Reducer string

const (
	ReducerConcat Reducer = "concat"
	ReducerMerge  Reducer = "merge"
	ReducerSum    Reducer = "sum"
	ReducerLast   Reducer = "last"
)

// AggregationConfig is the typed view of an aggregation node's config.
// Sources lists the upstream node ids whose outputs are combined.
type AggregationConfig struct {
	Sources []string `mapstructure:"sources"`
	Reducer Reducer  `mapstructure:"reducer"`
	Key     string   `mapstructure:"key"`
}

// SubWorkflowConfig is the typed view of a sub_workflow node's config.
type SubWorkflowConfig struct {
	Name    string `mapstructure:"workflow"`
	Version string `mapstructure:"version"`
}

// DecodeConfig decodes the node's raw config map into a typed view.
func (n *Node) DecodeConfig(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(n.Config)
}
