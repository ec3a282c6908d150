package core

import (
	"fmt"
	"time"
)

// Kind distinguishes the workflow topologies the runtime executes.
type Kind string

const (
	KindDAG          Kind = "dag"
	KindStateMachine Kind = "state_machine"
	KindHybrid       Kind = "hybrid"
)

// Valid reports whether the kind token is one the runtime knows.
func (k Kind) Valid() bool {
	switch k {
	case KindDAG, KindStateMachine, KindHybrid:
		return true
	}
	return false
}

// HasGraph reports whether the workflow carries a node graph to execute.
func (k Kind) HasGraph() bool {
	return k == KindDAG || k == KindHybrid
}

// HasStates reports whether the workflow carries state-machine definitions.
func (k Kind) HasStates() bool {
	return k == KindStateMachine || k == KindHybrid
}

// Workflow is the immutable, versioned blueprint the engine executes. A
// (Name, Version) pair is unique in the definition store. The declarative
// tree is kept as parsed; the indexed adjacency form is built per execution
// by the runtime plan.
type Workflow struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Kind         Kind              `json:"kind" yaml:"type"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes        []*Node           `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Edges        []*Edge           `json:"edges,omitempty" yaml:"edges,omitempty"`
	InitialState string            `json:"initial_state,omitempty" yaml:"initial_state,omitempty"`
	States       []*State          `json:"states,omitempty" yaml:"states,omitempty"`
	Handlers     []*HandlerRule    `json:"error_handlers,omitempty" yaml:"error_handlers,omitempty"`
	Compensation *CompensationPlan `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Schedule     string            `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Ref returns the canonical name:version reference for logs and stores.
func (w *Workflow) Ref() string {
	return fmt.Sprintf("%s:%s", w.Name, w.Version)
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// StateByName returns the state with the given name, or nil.
func (w *Workflow) StateByName(name string) *State {
	for _, s := range w.States {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// LoopBodies maps each loop node id to its decoded body node ids. Config
// decode failures yield an empty body here; the validator reports them.
func (w *Workflow) LoopBodies() map[string][]string {
	bodies := map[string][]string{}
	for _, n := range w.Nodes {
		if n.Kind != NodeControl || n.Control != ControlLoop {
			continue
		}
		var cfg LoopConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			continue
		}
		bodies[n.ID] = cfg.Body
	}
	return bodies
}

// CompensationTargets maps node ids to the compensation node each declares.
func (w *Workflow) CompensationTargets() map[string]string {
	targets := map[string]string{}
	for _, n := range w.Nodes {
		if n.CompensationRef != "" {
			targets[n.ID] = n.CompensationRef
		}
	}
	return targets
}

// OwnedNodeIDs returns the node ids excluded from dependency-driven
// dispatch: loop body members, which the loop executor re-runs per
// iteration, and compensation nodes, which only the compensation manager
// invokes.
func (w *Workflow) OwnedNodeIDs() map[string]bool {
	owned := map[string]bool{}
	for _, body := range w.LoopBodies() {
		for _, id := range body {
			owned[id] = true
		}
	}
	for _, comp := range w.CompensationTargets() {
		owned[comp] = true
	}
	return owned
}

// BackoffKind selects the retry delay progression.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds automatic re-execution of a failed node. A nil policy
// means no retries. RetryableKinds empty means every retryable error
// qualifies.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff        BackoffKind   `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	BaseDelay      time.Duration `json:"base_delay,omitempty" yaml:"base_delay"`
	MaxDelay       time.Duration `json:"max_delay,omitempty" yaml:"max_delay"`
	Jitter         bool          `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	RetryableKinds []ErrorKind   `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"`
}

// Retries reports whether err qualifies for another attempt under the policy.
func (p *RetryPolicy) Retries(err *Error, attempt int) bool {
	if p == nil || err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return err.Retryable
	}
	for _, k := range p.RetryableKinds {
		if k == err.Kind {
			return true
		}
	}
	return false
}

// HandlerPolicy names the recovery applied when a handler rule matches.
type HandlerPolicy string

const (
	PolicyRetry      HandlerPolicy = "retry"
	PolicySkip       HandlerPolicy = "skip"
	PolicyDegrade    HandlerPolicy = "degrade"
	PolicyCompensate HandlerPolicy = "compensate"
	PolicyEscalate   HandlerPolicy = "escalate"
)

// HandlerRule maps node-id patterns and error kinds to a recovery policy.
// Rules are evaluated in declaration order, first match wins; a node-local
// retry policy takes precedence when both apply.
type HandlerRule struct {
	NodePattern string         `json:"node_pattern,omitempty" yaml:"node_pattern,omitempty"`
	ErrorKinds  []ErrorKind    `json:"error_kinds,omitempty" yaml:"error_kinds,omitempty"`
	Policy      HandlerPolicy  `json:"policy" yaml:"policy"`
	Retry       *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	FallbackID  string         `json:"fallback_node,omitempty" yaml:"fallback_node,omitempty"`
	Default     map[string]any `json:"default_output,omitempty" yaml:"default_output,omitempty"`
}

// CompensationStrategy selects how the compensation log is replayed.
type CompensationStrategy string

const (
	StrategySequentialReverse CompensationStrategy = "sequential_reverse"
	StrategyParallel          CompensationStrategy = "parallel"
	StrategyCustomPlan        CompensationStrategy = "custom_plan"
)

// CompensationPlan configures Saga rollback for a workflow.
type CompensationPlan struct {
	Strategy        CompensationStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	ContinueOnError bool                 `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Order           []string             `json:"order,omitempty" yaml:"order,omitempty"`
	EntryTimeout    time.Duration        `json:"entry_timeout,omitempty" yaml:"entry_timeout"`
	MaxRetries      int                  `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}
