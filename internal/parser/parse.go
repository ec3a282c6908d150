// Package parser turns declarative workflow documents into validated
// core.Workflow values and computes the dispatch hints the engine consumes.
package parser

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/luomaohao/agentRun/internal/core"
)

// Defaults applied while building definitions.
const (
	defaultVersion           = "1.0.0"
	defaultRetryBaseDelay    = time.Second
	defaultRetryMaxDelay     = time.Minute
	defaultCompensateTimeout = 30 * time.Second
)

// Parse decodes a YAML or JSON workflow document, builds the workflow, and
// validates it. The definition may sit at the top level or nested under a
// "workflow" key.
func Parse(data []byte) (*core.Workflow, error) {
	raw, err := unmarshalData(data)
	if err != nil {
		return nil, core.NewError(core.ErrKindSchema, "cannot decode workflow document: %s", err).Wrap(err)
	}
	def, err := decode(raw)
	if err != nil {
		return nil, core.NewError(core.ErrKindSchema, "workflow document does not match the definition schema: %s", err).Wrap(err)
	}
	w, err := build(def)
	if err != nil {
		return nil, err
	}
	if err := Validate(w); err != nil {
		return nil, err
	}
	return w, nil
}

// ParseFile reads and parses a workflow definition file.
func ParseFile(path string) (*core.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %q: %w", path, err)
	}
	return Parse(data)
}

// Marshal serializes a workflow back to its declarative YAML form under a
// top-level "workflow" key. The output parses back to an equal workflow.
func Marshal(w *core.Workflow) ([]byte, error) {
	data, err := yaml.MarshalWithOptions(map[string]any{"workflow": w},
		yaml.CustomMarshaler[time.Duration](func(d time.Duration) ([]byte, error) {
			return []byte(d.String()), nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow %s: %w", w.Ref(), err)
	}
	return data, nil
}

// unmarshalData decodes the document into a map, unwrapping the optional
// top-level "workflow" key.
func unmarshalData(data []byte) (map[string]any, error) {
	var cm map[string]any
	if err := yaml.Unmarshal(data, &cm); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if nested, ok := cm["workflow"].(map[string]any); ok && len(cm) == 1 {
		return nested, nil
	}
	return cm, nil
}

// decode maps the raw document onto the definition structs. Unknown keys are
// rejected so typos surface at load time instead of silently parsing.
func decode(cm map[string]any) (*workflowDef, error) {
	def := new(workflowDef)
	md, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           def,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := md.Decode(cm); err != nil {
		return nil, err
	}
	return def, nil
}

// buildFn assembles one part of the workflow from its definition.
type buildFn func(def *workflowDef, w *core.Workflow) error

var buildRegistry = []struct {
	name string
	fn   buildFn
}{
	{"metadata", buildMetadata},
	{"nodes", buildNodes},
	{"edges", buildEdges},
	{"states", buildStates},
	{"handlers", buildHandlers},
	{"compensation", buildCompensation},
}

// build assembles a workflow from the decoded definition, collecting every
// problem instead of stopping at the first.
func build(def *workflowDef) (*core.Workflow, error) {
	w := &core.Workflow{}
	var errs core.ErrorList
	for _, step := range buildRegistry {
		if err := step.fn(def, w); err != nil {
			var list core.ErrorList
			if errors.As(err, &list) {
				errs = append(errs, list...)
			} else {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return w, nil
}

func buildMetadata(def *workflowDef, w *core.Workflow) error {
	w.ID = def.ID
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Name = def.Name
	w.Version = def.Version
	if w.Version == "" {
		w.Version = defaultVersion
	}
	kind := def.Type
	if kind == "" {
		kind = def.Kind
	}
	if kind == "" {
		switch {
		case len(def.States) > 0 && len(def.Nodes) > 0:
			kind = string(core.KindHybrid)
		case len(def.States) > 0:
			kind = string(core.KindStateMachine)
		default:
			kind = string(core.KindDAG)
		}
	}
	w.Kind = core.Kind(kind)
	w.Description = def.Description
	w.Schedule = def.Schedule
	w.Metadata = def.Metadata
	return nil
}

func buildNodes(def *workflowDef, w *core.Workflow) error {
	var errs core.ErrorList
	for _, nd := range def.Nodes {
		node, err := buildNode(nd)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w.Nodes = append(w.Nodes, node)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func buildNode(nd nodeDef) (*core.Node, error) {
	node := &core.Node{
		ID:              nd.ID,
		Name:            nd.Name,
		Kind:            core.NodeKind(nd.Type),
		Control:         core.ControlType(nd.Subtype),
		Config:          nd.Config,
		InputBindings:   nd.Inputs,
		OutputSchema:    nd.OutputSchema,
		Dependencies:    mergeDeps(nd.Dependencies, nd.DependsOn),
		Priority:        nd.Priority,
		CompensationRef: nd.CompensationRef,
	}
	if node.Config == nil {
		node.Config = map[string]any{}
	}

	timeout, err := parseDuration(nd.Timeout)
	if err != nil {
		return nil, core.NewError(core.ErrKindValidation, "invalid timeout: %s", err).WithNode(nd.ID)
	}
	if nd.Timeout == nil {
		timeout = core.DefaultNodeTimeout
	}
	node.Timeout = timeout

	if nd.Retry != nil {
		policy, err := buildRetry(*nd.Retry)
		if err != nil {
			return nil, core.AsError(err, nd.ID)
		}
		node.Retry = policy
	}

	if node.Kind == core.NodeControl && node.Control == core.ControlSwitch {
		normalizeSwitchConfig(node.Config)
	}
	return node, nil
}

// mergeDeps joins the dependencies and depends_on spellings, deduplicated
// in declaration order.
func mergeDeps(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return lo.Uniq(merged)
}

func buildRetry(rd retryDef) (*core.RetryPolicy, error) {
	policy := &core.RetryPolicy{
		MaxAttempts: rd.MaxAttempts,
		Backoff:     core.BackoffKind(rd.Backoff),
		Jitter:      rd.Jitter,
	}
	if policy.Backoff == "" {
		policy.Backoff = core.BackoffExponential
	}

	base := firstNonNil(rd.BaseDelay, rd.BaseDelayMS)
	baseDelay, err := parseDuration(base)
	if err != nil {
		return nil, core.NewError(core.ErrKindValidation, "invalid retry base delay: %s", err)
	}
	if base == nil {
		baseDelay = defaultRetryBaseDelay
	}
	policy.BaseDelay = baseDelay

	maxRaw := firstNonNil(rd.MaxDelay, rd.MaxDelayMS)
	maxDelay, err := parseDuration(maxRaw)
	if err != nil {
		return nil, core.NewError(core.ErrKindValidation, "invalid retry max delay: %s", err)
	}
	if maxRaw == nil {
		maxDelay = defaultRetryMaxDelay
	}
	policy.MaxDelay = maxDelay

	for _, k := range rd.RetryableErrors {
		policy.RetryableKinds = append(policy.RetryableKinds, core.ErrorKind(k))
	}
	return policy, nil
}

// normalizeSwitchConfig rewrites the list-of-cases branch form
// ([{case, target}, {default}]) into the branch-map form the runtime
// decodes.
func normalizeSwitchConfig(cfg map[string]any) {
	list, ok := cfg["branches"].([]any)
	if !ok {
		return
	}
	branches := map[string]any{}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if target, ok := m["default"]; ok {
			cfg["default"] = target
			continue
		}
		caseVal, hasCase := m["case"]
		target, hasTarget := m["target"]
		if hasCase && hasTarget {
			branches[core.BranchKey(caseVal)] = target
		}
	}
	cfg["branches"] = branches
}

func buildEdges(def *workflowDef, w *core.Workflow) error {
	var errs core.ErrorList
	seen := map[string]bool{}
	key := func(from, to string) string { return from + "\x00" + to }

	for _, ed := range def.Edges {
		kind := ed.kind()
		if kind == "" {
			kind = string(core.EdgeData)
		}
		edge := &core.Edge{
			From:        ed.from(),
			To:          ed.to(),
			Kind:        core.EdgeKind(kind),
			Condition:   ed.Condition,
			DataMapping: ed.DataMapping,
		}
		if edge.From == "" || edge.To == "" {
			errs = append(errs, core.NewError(core.ErrKindValidation, "edge requires both endpoints, got %q -> %q", edge.From, edge.To))
			continue
		}
		w.Edges = append(w.Edges, edge)
		seen[key(edge.From, edge.To)] = true
	}

	// Dependencies that no explicit edge covers become data edges.
	for _, n := range w.Nodes {
		for _, dep := range n.Dependencies {
			if !seen[key(dep, n.ID)] {
				seen[key(dep, n.ID)] = true
				w.Edges = append(w.Edges, &core.Edge{From: dep, To: n.ID, Kind: core.EdgeData})
			}
		}
	}

	// Control-node configs imply edges: switch and parallel fan out to their
	// branch heads, joins wait on their configured set.
	for _, n := range w.Nodes {
		if n.Kind != core.NodeControl {
			continue
		}
		add := func(from, to string) {
			if from == "" || to == "" || seen[key(from, to)] {
				return
			}
			seen[key(from, to)] = true
			w.Edges = append(w.Edges, &core.Edge{From: from, To: to, Kind: core.EdgeControl})
		}
		switch n.Control {
		case core.ControlSwitch:
			var cfg core.SwitchConfig
			if err := n.DecodeConfig(&cfg); err != nil {
				continue // the validator reports malformed configs
			}
			targets := lo.Uniq(append(lo.Values(cfg.Branches), cfg.Default))
			sort.Strings(targets)
			for _, t := range targets {
				add(n.ID, t)
			}
		case core.ControlParallel:
			var cfg core.ParallelConfig
			if err := n.DecodeConfig(&cfg); err != nil {
				continue
			}
			for _, t := range cfg.Branches {
				add(n.ID, t)
			}
		case core.ControlJoin:
			var cfg core.JoinConfig
			if err := n.DecodeConfig(&cfg); err != nil {
				continue
			}
			for _, src := range cfg.WaitFor {
				add(src, n.ID)
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func buildStates(def *workflowDef, w *core.Workflow) error {
	var errs core.ErrorList
	w.InitialState = def.InitialState
	for _, sd := range def.States {
		st := &core.State{Name: sd.Name, Type: core.StateType(sd.Type)}
		if st.Type == "" {
			if sd.Name != "" && sd.Name == def.InitialState {
				st.Type = core.StateInitial
			} else {
				st.Type = core.StateNormal
			}
		}
		var err error
		if st.OnEnter, err = buildActions(sd.OnEnter); err != nil {
			errs = append(errs, fmt.Errorf("state %q on_enter: %w", sd.Name, err))
		}
		if st.OnExit, err = buildActions(sd.OnExit); err != nil {
			errs = append(errs, fmt.Errorf("state %q on_exit: %w", sd.Name, err))
		}
		for _, td := range sd.Transitions {
			tr := &core.Transition{Event: td.Event, Guard: td.guard(), Target: td.Target}
			if tr.Actions, err = buildActions(td.Actions); err != nil {
				errs = append(errs, fmt.Errorf("state %q transition on %q: %w", sd.Name, td.Event, err))
			}
			st.Transitions = append(st.Transitions, tr)
		}
		w.States = append(w.States, st)
	}
	if w.InitialState == "" {
		for _, st := range w.States {
			if st.Type == core.StateInitial {
				w.InitialState = st.Name
				break
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// buildActions decodes action maps. Keys other than type and config are
// folded into the config so actions may be declared flat.
func buildActions(raw []map[string]any) ([]*core.Action, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	actions := make([]*core.Action, 0, len(raw))
	for _, m := range raw {
		typ, _ := m["type"].(string)
		if typ == "" {
			return nil, core.NewError(core.ErrKindValidation, "action requires a type")
		}
		cfg, _ := m["config"].(map[string]any)
		if cfg == nil {
			cfg = map[string]any{}
			for k, v := range m {
				if k != "type" {
					cfg[k] = v
				}
			}
		}
		actions = append(actions, &core.Action{Type: core.ActionType(typ), Config: cfg})
	}
	return actions, nil
}

func buildHandlers(def *workflowDef, w *core.Workflow) error {
	var errs core.ErrorList
	for i, hd := range def.ErrorHandlers {
		rule := &core.HandlerRule{
			NodePattern: hd.NodePattern,
			Policy:      core.HandlerPolicy(hd.Policy),
			FallbackID:  hd.FallbackNode,
			Default:     hd.DefaultOutput,
		}
		for _, k := range hd.ErrorKinds {
			rule.ErrorKinds = append(rule.ErrorKinds, core.ErrorKind(k))
		}
		if hd.Retry != nil {
			policy, err := buildRetry(*hd.Retry)
			if err != nil {
				errs = append(errs, fmt.Errorf("error handler %d: %w", i, err))
				continue
			}
			rule.Retry = policy
		}
		w.Handlers = append(w.Handlers, rule)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func buildCompensation(def *workflowDef, w *core.Workflow) error {
	if def.Compensation == nil {
		return nil
	}
	plan := &core.CompensationPlan{
		Strategy:        core.CompensationStrategy(def.Compensation.Strategy),
		ContinueOnError: def.Compensation.ContinueOnError,
		Order:           def.Compensation.Order,
		MaxRetries:      def.Compensation.MaxRetries,
	}
	if plan.Strategy == "" {
		plan.Strategy = core.StrategySequentialReverse
	}
	timeout, err := parseDuration(def.Compensation.EntryTimeout)
	if err != nil {
		return core.NewError(core.ErrKindValidation, "invalid compensation entry timeout: %s", err)
	}
	if def.Compensation.EntryTimeout == nil {
		timeout = defaultCompensateTimeout
	}
	plan.EntryTimeout = timeout
	w.Compensation = plan
	return nil
}

// parseDuration accepts a Go duration string or a bare number meaning
// milliseconds. nil parses to zero.
func parseDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		return time.Duration(t) * time.Millisecond, nil
	case uint64:
		return time.Duration(t) * time.Millisecond, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), nil
	case string:
		if t == "" {
			return 0, nil
		}
		if d, err := time.ParseDuration(t); err == nil {
			return d, nil
		}
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return time.Duration(n * float64(time.Millisecond)), nil
		}
		return 0, fmt.Errorf("invalid duration %q", t)
	default:
		return 0, fmt.Errorf("invalid duration value %v (%T)", v, v)
	}
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
