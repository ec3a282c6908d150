package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/eval"
)

// Validate enforces every structural invariant on a built workflow and
// returns all violations at once as a core.ErrorList.
func Validate(w *core.Workflow) error {
	var errs core.ErrorList
	validateMetadata(w, &errs)
	if w.Kind.HasGraph() {
		validateGraph(w, &errs)
	}
	if w.Kind.HasStates() {
		validateStates(w, &errs)
	}
	validateHandlers(w, &errs)
	validateCompensation(w, &errs)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateMetadata(w *core.Workflow, errs *core.ErrorList) {
	if w.Name == "" {
		*errs = append(*errs, core.ErrNameRequired)
	}
	if _, err := semver.NewVersion(w.Version); err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %q", core.ErrVersionInvalid, w.Version))
	}
	if !w.Kind.Valid() {
		*errs = append(*errs, fmt.Errorf("%w: got %q", core.ErrKindInvalid, w.Kind))
	}
	if w.Schedule != "" {
		if _, err := cron.ParseStandard(w.Schedule); err != nil {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "invalid schedule %q: %s", w.Schedule, err))
		}
	}
	if w.Kind.HasGraph() && len(w.Nodes) == 0 {
		*errs = append(*errs, core.NewError(core.ErrKindValidation, "%s workflow requires nodes", w.Kind))
	}
	if w.Kind.HasStates() && len(w.States) == 0 {
		*errs = append(*errs, core.NewError(core.ErrKindValidation, "%s workflow requires states", w.Kind))
	}
	if w.Kind == core.KindStateMachine && len(w.Nodes) > 0 {
		*errs = append(*errs, core.NewError(core.ErrKindValidation, "state_machine workflow must not declare nodes; use kind hybrid"))
	}
}

func validateGraph(w *core.Workflow, errs *core.ErrorList) {
	ids := map[string]bool{}
	for _, n := range w.Nodes {
		if n.ID == "" {
			*errs = append(*errs, core.ErrNodeIDRequired)
			continue
		}
		if ids[n.ID] {
			*errs = append(*errs, core.NewError(core.ErrKindDuplicateID, "duplicate node id %q", n.ID))
			continue
		}
		ids[n.ID] = true
	}

	for _, n := range w.Nodes {
		validateNode(w, n, ids, errs)
	}

	for _, e := range w.Edges {
		if !ids[e.From] {
			*errs = append(*errs, core.NewError(core.ErrKindUnknownReference, "edge references unknown node %q", e.From))
		}
		if !ids[e.To] {
			*errs = append(*errs, core.NewError(core.ErrKindUnknownReference, "edge references unknown node %q", e.To))
		}
		if e.From == e.To && e.From != "" {
			*errs = append(*errs, fmt.Errorf("%w: edge %q -> %q", core.ErrSelfDependency, e.From, e.To))
		}
		switch e.Kind {
		case core.EdgeData, core.EdgeControl, core.EdgeConditional:
		default:
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "edge %s -> %s has unknown kind %q", e.From, e.To, e.Kind))
		}
		if e.Condition != "" {
			if _, err := eval.CompileCondition(e.Condition); err != nil {
				*errs = append(*errs, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, err))
			}
		}
	}

	validateLoopBoundaries(w, ids, errs)
	validateCompensationIsolation(w, errs)

	if cycle := findCycle(w); len(cycle) > 0 {
		*errs = append(*errs, core.NewError(core.ErrKindCycle,
			"workflow graph contains a cycle: %s", strings.Join(cycle, " -> ")))
	}
}

func validateNode(w *core.Workflow, n *core.Node, ids map[string]bool, errs *core.ErrorList) {
	if !n.Kind.Valid() {
		*errs = append(*errs, fmt.Errorf("%w: node %q declares %q", core.ErrNodeKindInvalid, n.ID, n.Kind))
	}
	for _, dep := range n.Dependencies {
		if dep == n.ID {
			*errs = append(*errs, fmt.Errorf("%w: node %q", core.ErrSelfDependency, n.ID))
		} else if !ids[dep] {
			*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
				"node %q depends on unknown node %q", n.ID, dep))
		}
	}
	if err := eval.Validate(n.InputBindings); err != nil {
		*errs = append(*errs, fmt.Errorf("node %q inputs: %w", n.ID, err))
	}
	if p := n.Retry; p != nil {
		if p.MaxAttempts < 0 || p.BaseDelay < 0 || p.MaxDelay < 0 {
			*errs = append(*errs, fmt.Errorf("%w: node %q", core.ErrRetryPolicyNegative, n.ID))
		}
		switch p.Backoff {
		case core.BackoffFixed, core.BackoffLinear, core.BackoffExponential:
		default:
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"node %q declares unknown backoff %q", n.ID, p.Backoff))
		}
	}
	if n.Timeout < 0 {
		*errs = append(*errs, fmt.Errorf("%w: node %q", core.ErrTimeoutNegative, n.ID))
	}
	if n.CompensationRef != "" {
		if n.CompensationRef == n.ID {
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"node %q cannot compensate itself", n.ID))
		} else if !ids[n.CompensationRef] {
			*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
				"node %q names unknown compensation node %q", n.ID, n.CompensationRef))
		}
	}

	switch n.Kind {
	case core.NodeAgent:
		if n.AgentID() == "" {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "agent node %q requires config.agent_id", n.ID))
		}
	case core.NodeTool:
		if n.ToolID() == "" {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "tool node %q requires config.tool_id", n.ID))
		}
	case core.NodeControl:
		validateControlNode(n, ids, errs)
	case core.NodeAggregation:
		var cfg core.AggregationConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "aggregation node %q config: %s", n.ID, err))
			return
		}
		if len(cfg.Sources) == 0 {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "aggregation node %q requires config.sources", n.ID))
		}
		for _, src := range cfg.Sources {
			if !ids[src] {
				*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
					"aggregation node %q reads unknown node %q", n.ID, src))
			}
		}
		switch cfg.Reducer {
		case "", core.ReducerConcat, core.ReducerMerge, core.ReducerSum, core.ReducerLast:
		default:
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"aggregation node %q declares unknown reducer %q", n.ID, cfg.Reducer))
		}
	case core.NodeSubWorkflow:
		var cfg core.SubWorkflowConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "sub_workflow node %q config: %s", n.ID, err))
			return
		}
		if cfg.Name == "" {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "sub_workflow node %q requires config.workflow", n.ID))
		}
	}
}

func validateControlNode(n *core.Node, ids map[string]bool, errs *core.ErrorList) {
	if !n.Control.Valid() {
		*errs = append(*errs, fmt.Errorf("%w: node %q declares %q", core.ErrControlTypeInvalid, n.ID, n.Control))
		return
	}
	switch n.Control {
	case core.ControlSwitch:
		var cfg core.SwitchConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "switch node %q config: %s", n.ID, err))
			return
		}
		if cfg.Condition == "" {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "switch node %q requires config.condition", n.ID))
		} else if _, err := eval.CompileCondition(cfg.Condition); err != nil {
			*errs = append(*errs, fmt.Errorf("switch node %q: %w", n.ID, err))
		}
		if len(cfg.Branches) == 0 {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "switch node %q requires config.branches", n.ID))
		}
		for caseVal, target := range cfg.Branches {
			if !ids[target] {
				*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
					"switch node %q branch %q targets unknown node %q", n.ID, caseVal, target))
			}
		}
		if cfg.Default != "" && !ids[cfg.Default] {
			*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
				"switch node %q default targets unknown node %q", n.ID, cfg.Default))
		}

	case core.ControlParallel:
		var cfg core.ParallelConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "parallel node %q config: %s", n.ID, err))
			return
		}
		if len(cfg.Branches) == 0 {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "parallel node %q requires config.branches", n.ID))
		}
		for _, target := range cfg.Branches {
			if !ids[target] {
				*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
					"parallel node %q branch targets unknown node %q", n.ID, target))
			}
		}

	case core.ControlLoop:
		var cfg core.LoopConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "loop node %q config: %s", n.ID, err))
			return
		}
		switch cfg.Mode {
		case core.LoopWhile:
			if cfg.Condition == "" {
				*errs = append(*errs, core.NewError(core.ErrKindValidation, "while loop %q requires config.condition", n.ID))
			} else if _, err := eval.CompileCondition(cfg.Condition); err != nil {
				*errs = append(*errs, fmt.Errorf("loop node %q: %w", n.ID, err))
			}
		case core.LoopForEach:
			if cfg.Items == "" {
				*errs = append(*errs, core.NewError(core.ErrKindValidation, "for_each loop %q requires config.items", n.ID))
			} else if _, err := eval.ParseTemplate(cfg.Items); err != nil {
				*errs = append(*errs, fmt.Errorf("loop node %q items: %w", n.ID, err))
			}
		case core.LoopCount:
			if cfg.Count <= 0 {
				*errs = append(*errs, core.NewError(core.ErrKindValidation, "count loop %q requires a positive config.count", n.ID))
			}
		default:
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"loop node %q requires config.mode of while, for_each, or count", n.ID))
		}
		if len(cfg.Body) == 0 {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "loop node %q requires config.body", n.ID))
		}
		for _, id := range cfg.Body {
			if !ids[id] {
				*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
					"loop node %q body names unknown node %q", n.ID, id))
			}
			if id == n.ID {
				*errs = append(*errs, core.NewError(core.ErrKindValidation, "loop node %q cannot be part of its own body", n.ID))
			}
		}
		if cfg.MaxIterations < 0 {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "loop node %q max_iterations must be non-negative", n.ID))
		}

	case core.ControlJoin:
		var cfg core.JoinConfig
		if err := n.DecodeConfig(&cfg); err != nil {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "join node %q config: %s", n.ID, err))
			return
		}
		if len(cfg.WaitFor) == 0 {
			*errs = append(*errs, core.NewError(core.ErrKindValidation, "join node %q requires config.wait_for", n.ID))
		}
		for _, src := range cfg.WaitFor {
			if !ids[src] {
				*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
					"join node %q waits on unknown node %q", n.ID, src))
			}
		}
	}
}

// validateLoopBoundaries rejects edges crossing a loop body boundary and
// nodes claimed by more than one loop. Body nodes live outside normal
// dispatch, so the only way in or out of a body is the loop node itself.
func validateLoopBoundaries(w *core.Workflow, ids map[string]bool, errs *core.ErrorList) {
	owner := map[string]string{}
	for loopID, body := range w.LoopBodies() {
		for _, id := range body {
			if !ids[id] {
				continue
			}
			if prev, claimed := owner[id]; claimed && prev != loopID {
				*errs = append(*errs, core.NewError(core.ErrKindValidation,
					"node %q belongs to the bodies of both %q and %q", id, prev, loopID))
				continue
			}
			owner[id] = loopID
		}
	}
	if len(owner) == 0 {
		return
	}
	for _, e := range w.Edges {
		fromOwner, fromIn := owner[e.From]
		toOwner, toIn := owner[e.To]
		if fromIn != toIn || (fromIn && toIn && fromOwner != toOwner) {
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"edge %s -> %s crosses a loop body boundary", e.From, e.To))
		}
	}
	for nodeID, comp := range w.CompensationTargets() {
		if _, in := owner[comp]; in {
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"node %q uses loop body node %q for compensation", nodeID, comp))
		}
	}
}

// validateCompensationIsolation keeps compensation nodes out of the regular
// graph. The compensation manager alone invokes them, so dependencies or
// edges on them would never fire.
func validateCompensationIsolation(w *core.Workflow, errs *core.ErrorList) {
	targets := map[string]bool{}
	for _, comp := range w.CompensationTargets() {
		targets[comp] = true
	}
	if len(targets) == 0 {
		return
	}
	for _, n := range w.Nodes {
		if targets[n.ID] && len(n.Dependencies) > 0 {
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"compensation node %q must not declare dependencies", n.ID))
		}
	}
	for _, e := range w.Edges {
		if targets[e.From] || targets[e.To] {
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"edge %s -> %s touches a compensation node", e.From, e.To))
		}
	}
}

// findCycle runs a depth-first search with grey/black coloring over the
// edge adjacency and returns the first cycle found as a node id path.
func findCycle(w *core.Workflow) []string {
	adj := map[string][]string{}
	for _, e := range w.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				start := lo.IndexOf(stack, next)
				cycle = append(append([]string{}, stack[start:]...), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, n := range w.Nodes {
		if color[n.ID] == white && visit(n.ID) {
			return cycle
		}
	}
	return nil
}

var knownErrorKinds = map[core.ErrorKind]bool{
	core.ErrKindValidation: true, core.ErrKindSchema: true, core.ErrKindCycle: true,
	core.ErrKindUnknownReference: true, core.ErrKindDuplicateID: true, core.ErrKindTemplate: true,
	core.ErrKindAgent: true, core.ErrKindTool: true, core.ErrKindTimeout: true,
	core.ErrKindCancelled: true, core.ErrKindCircuitOpen: true, core.ErrKindResource: true,
	core.ErrKindCompensation: true, core.ErrKindUnmatchedBranch: true, core.ErrKindState: true,
	core.ErrKindInternal: true,
}

func validateHandlers(w *core.Workflow, errs *core.ErrorList) {
	for i, rule := range w.Handlers {
		if rule.NodePattern != "" {
			if _, err := regexp.Compile(rule.NodePattern); err != nil {
				*errs = append(*errs, core.NewError(core.ErrKindValidation,
					"error handler %d: invalid node pattern %q: %s", i, rule.NodePattern, err))
			}
		}
		for _, kind := range rule.ErrorKinds {
			if !knownErrorKinds[kind] {
				*errs = append(*errs, core.NewError(core.ErrKindValidation,
					"error handler %d: unknown error kind %q", i, kind))
			}
		}
		switch rule.Policy {
		case core.PolicyRetry:
			if rule.Retry == nil {
				*errs = append(*errs, core.NewError(core.ErrKindValidation,
					"error handler %d: retry policy requires a retry block", i))
			} else if rule.Retry.MaxAttempts < 0 || rule.Retry.BaseDelay < 0 || rule.Retry.MaxDelay < 0 {
				*errs = append(*errs, fmt.Errorf("%w: error handler %d", core.ErrRetryPolicyNegative, i))
			}
		case core.PolicyDegrade:
			if rule.FallbackID == "" && rule.Default == nil {
				*errs = append(*errs, core.NewError(core.ErrKindValidation,
					"error handler %d: degrade policy requires fallback_node or default_output", i))
			}
			if rule.FallbackID != "" && w.NodeByID(rule.FallbackID) == nil {
				*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
					"error handler %d: fallback node %q does not exist", i, rule.FallbackID))
			}
		case core.PolicyCompensate:
			if w.Compensation == nil {
				*errs = append(*errs, core.NewError(core.ErrKindValidation,
					"error handler %d: compensate policy requires a compensation plan", i))
			}
		case core.PolicySkip, core.PolicyEscalate:
		default:
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"error handler %d: unknown policy %q", i, rule.Policy))
		}
	}
}

func validateStates(w *core.Workflow, errs *core.ErrorList) {
	names := map[string]bool{}
	initials := 0
	for _, st := range w.States {
		if st.Name == "" {
			*errs = append(*errs, core.ErrStateNameRequired)
			continue
		}
		if names[st.Name] {
			*errs = append(*errs, core.NewError(core.ErrKindDuplicateID, "duplicate state name %q", st.Name))
			continue
		}
		names[st.Name] = true
		switch st.Type {
		case core.StateInitial:
			initials++
		case core.StateNormal, core.StateFinal:
		default:
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"state %q declares unknown type %q", st.Name, st.Type))
		}
	}

	if initials != 1 {
		*errs = append(*errs, fmt.Errorf("%w: found %d", core.ErrNoInitialState, initials))
	} else if w.InitialState == "" || !names[w.InitialState] {
		*errs = append(*errs, fmt.Errorf("%w: initial_state %q is not a declared state", core.ErrNoInitialState, w.InitialState))
	} else if st := w.StateByName(w.InitialState); st != nil && st.Type != core.StateInitial {
		*errs = append(*errs, core.NewError(core.ErrKindValidation,
			"initial_state %q conflicts with the state typed initial", w.InitialState))
	}

	for _, st := range w.States {
		for _, tr := range st.Transitions {
			if tr.Event == "" {
				*errs = append(*errs, core.NewError(core.ErrKindValidation,
					"state %q declares a transition without an event", st.Name))
			}
			if !names[tr.Target] {
				*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
					"state %q transition on %q targets unknown state %q", st.Name, tr.Event, tr.Target))
			}
			if tr.Guard != "" {
				if _, err := eval.CompileCondition(tr.Guard); err != nil {
					*errs = append(*errs, fmt.Errorf("state %q transition on %q: %w", st.Name, tr.Event, err))
				}
			}
			validateActions(st.Name, tr.Actions, errs)
		}
		validateActions(st.Name, st.OnEnter, errs)
		validateActions(st.Name, st.OnExit, errs)
	}
}

// requiredActionKeys names the config key each action type cannot run
// without.
var requiredActionKeys = map[core.ActionType]string{
	core.ActionLog:         "message",
	core.ActionSetContext:  "key",
	core.ActionEmitEvent:   "event",
	core.ActionInvokeAgent: "agent_id",
	core.ActionInvokeTool:  "tool_id",
	core.ActionTimerStart:  "timer_id",
	core.ActionTimerCancel: "timer_id",
}

func validateActions(state string, actions []*core.Action, errs *core.ErrorList) {
	for _, a := range actions {
		if !a.Type.Valid() {
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"state %q declares unknown action type %q", state, a.Type))
			continue
		}
		key := requiredActionKeys[a.Type]
		if _, ok := a.Config[key]; !ok {
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"state %q action %s requires config.%s", state, a.Type, key))
		}
	}
}

func validateCompensation(w *core.Workflow, errs *core.ErrorList) {
	plan := w.Compensation
	if plan == nil {
		return
	}
	switch plan.Strategy {
	case core.StrategySequentialReverse, core.StrategyParallel:
	case core.StrategyCustomPlan:
		if len(plan.Order) == 0 {
			*errs = append(*errs, core.NewError(core.ErrKindValidation,
				"custom_plan compensation requires an order"))
		}
		for _, id := range plan.Order {
			if w.NodeByID(id) == nil {
				*errs = append(*errs, core.NewError(core.ErrKindUnknownReference,
					"compensation order names unknown node %q", id))
			}
		}
	default:
		*errs = append(*errs, core.NewError(core.ErrKindValidation,
			"unknown compensation strategy %q", plan.Strategy))
	}
	if plan.EntryTimeout < 0 || plan.MaxRetries < 0 {
		*errs = append(*errs, core.NewError(core.ErrKindValidation,
			"compensation entry timeout and max retries must be non-negative"))
	}
}
