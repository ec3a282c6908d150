package runtime

import (
	"sync"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/eval"
	"github.com/luomaohao/agentRun/internal/parser"
)

// Plan is the per-execution view of the workflow graph: one node-execution
// record per dispatchable node plus the edge decisions made so far. The
// engine is the only writer of edge decisions; node records are written by
// the task owning the node, always through Update, so record writes
// happen-before the readiness checks that read them.
type Plan struct {
	executionID string
	workflow    *core.Workflow
	opt         *parser.Optimization

	// Immutable after construction.
	defs     map[string]*core.Node
	bindings map[string]*eval.Bindings
	conds    map[string]*eval.Condition
	joinAny  map[string]bool
	order    []string

	mu      sync.RWMutex
	records map[string]*core.NodeExecution
	// iters lists loop iteration record ids in append order.
	iters []string
	// taken marks edges the source node released. An edge is decided once
	// its source settles; undecided edges keep successors waiting.
	taken map[string]bool
}

func edgeKey(from, to string) string { return from + "\x00" + to }

// NewPlan builds the dispatch state for one execution. Nodes owned by loops
// or reserved for compensation are absent from the optimizer output and so
// from the plan; isolated fallback nodes named by degrade rules are likewise
// reserved for the error path and never dispatched.
func NewPlan(executionID string, w *core.Workflow, opt *parser.Optimization) (*Plan, error) {
	p := &Plan{
		executionID: executionID,
		workflow:    w,
		opt:         opt,
		defs:        make(map[string]*core.Node, len(w.Nodes)),
		bindings:    make(map[string]*eval.Bindings, len(w.Nodes)),
		conds:       map[string]*eval.Condition{},
		joinAny:     map[string]bool{},
		records:     map[string]*core.NodeExecution{},
		taken:       map[string]bool{},
	}

	for _, n := range w.Nodes {
		p.defs[n.ID] = n
		b, err := eval.ParseBindings(n.InputBindings)
		if err != nil {
			return nil, core.AsError(err, n.ID)
		}
		p.bindings[n.ID] = b
		if n.Kind == core.NodeControl && n.Control == core.ControlJoin {
			var cfg core.JoinConfig
			if err := n.DecodeConfig(&cfg); err == nil {
				p.joinAny[n.ID] = cfg.WaitAny
			}
		}
	}

	for _, e := range w.Edges {
		if e.Condition == "" {
			continue
		}
		cond, err := eval.CompileCondition(e.Condition)
		if err != nil {
			return nil, core.AsError(err, e.From)
		}
		p.conds[edgeKey(e.From, e.To)] = cond
	}

	reserved := reservedFallbacks(w, opt)
	for _, layer := range opt.Layers {
		for _, id := range layer {
			if reserved[id] {
				continue
			}
			p.order = append(p.order, id)
			p.records[id] = core.NewNodeExecution(executionID, id)
		}
	}
	return p, nil
}

// reservedFallbacks returns degrade fallback nodes that sit isolated in the
// graph. They exist only to be invoked by the degrade path; dispatching them
// with the initial frontier would run them unconditionally.
func reservedFallbacks(w *core.Workflow, opt *parser.Optimization) map[string]bool {
	reserved := map[string]bool{}
	for _, rule := range w.Handlers {
		id := rule.FallbackID
		if id == "" {
			continue
		}
		if len(opt.Predecessors[id]) == 0 && len(opt.Successors[id]) == 0 {
			reserved[id] = true
		}
	}
	return reserved
}

// Restore overlays persisted records onto a fresh plan for resume. Settled
// and failed records keep their state; records caught mid-flight by the
// suspension revert to waiting so the frontier re-derives them.
func (p *Plan) Restore(existing []*core.NodeExecution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range existing {
		if rec == nil {
			continue
		}
		if _, dispatchable := p.records[rec.NodeID]; !dispatchable {
			// Iteration records ride along untouched.
			p.iters = append(p.iters, rec.NodeID)
			p.records[rec.NodeID] = rec
			continue
		}
		switch rec.Status {
		case core.NodeSuccess, core.NodeSkipped, core.NodeFailed, core.NodeCancelled:
			p.records[rec.NodeID] = rec
		default:
			p.records[rec.NodeID] = core.NewNodeExecution(p.executionID, rec.NodeID)
		}
	}
}

// Node returns the definition for a node id, including owned nodes.
func (p *Plan) Node(id string) *core.Node {
	return p.defs[id]
}

// Bindings returns the pre-parsed input bindings for a node id.
func (p *Plan) Bindings(id string) *eval.Bindings {
	return p.bindings[id]
}

// Record returns the node-execution record for id, or nil.
func (p *Plan) Record(id string) *core.NodeExecution {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.records[id]
}

// Update runs fn on the record for id under the plan lock.
func (p *Plan) Update(id string, fn func(*core.NodeExecution) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return core.NewError(core.ErrKindInternal, "no record for node %s", id)
	}
	return fn(rec)
}

// AppendIteration registers a loop iteration record so snapshots and
// persistence see it. The owning loop task keeps writing it afterwards.
func (p *Plan) AppendIteration(rec *core.NodeExecution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.records[rec.NodeID]; !seen {
		p.iters = append(p.iters, rec.NodeID)
	}
	p.records[rec.NodeID] = rec
}

// MarkEdges decides every out-edge of from. The engine supplies the
// predicate: switch nodes release only the selected branch, conditional
// edges release when their condition holds, skipped nodes release nothing.
func (p *Plan) MarkEdges(from string, takenFn func(to string, cond *eval.Condition) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, to := range p.opt.Successors[from] {
		key := edgeKey(from, to)
		p.taken[key] = takenFn(to, p.conds[key])
	}
}

// Frontier scans waiting nodes and splits them into ready (dispatch now) and
// skip (no path can reach them anymore). A node is ready when every
// predecessor settled and at least one incoming edge was released; a
// wait_any join is ready as soon as one wait-for member releases its edge.
func (p *Plan) Frontier() (ready, skip []string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, id := range p.order {
		rec := p.records[id]
		if rec.Status != core.NodeWaiting {
			continue
		}
		preds := p.opt.Predecessors[id]
		if len(preds) == 0 {
			ready = append(ready, id)
			continue
		}

		settled, released := 0, false
		for _, pred := range preds {
			predRec := p.records[pred]
			if predRec == nil || !predRec.Status.IsSettled() {
				continue
			}
			settled++
			if p.taken[edgeKey(pred, id)] {
				released = true
			}
		}

		if p.joinAny[id] {
			switch {
			case released:
				ready = append(ready, id)
			case settled == len(preds):
				skip = append(skip, id)
			}
			continue
		}

		if settled != len(preds) {
			continue
		}
		if released {
			ready = append(ready, id)
		} else {
			skip = append(skip, id)
		}
	}
	return ready, skip
}

// CancelRemaining marks every node that has not reached a terminal status as
// cancelled and returns their ids. Called after in-flight tasks drained, so
// no task owns any of these records anymore.
func (p *Plan) CancelRemaining() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var cancelled []string
	for _, id := range p.order {
		rec := p.records[id]
		if rec.Status.IsTerminal() {
			continue
		}
		rec.Status = core.NodeCancelled
		cancelled = append(cancelled, id)
	}
	return cancelled
}

// Settled reports whether every dispatchable node reached a terminal status.
func (p *Plan) Settled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.order {
		if !p.records[id].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Failed returns the first failed node's error in dispatch order, or nil.
func (p *Plan) Failed() *core.Error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.order {
		if rec := p.records[id]; rec.Status == core.NodeFailed && rec.Error != nil {
			return rec.Error
		}
	}
	return nil
}

// Leaves returns the dispatchable nodes without successors, in dispatch
// order. Their merged outputs become the execution output.
func (p *Plan) Leaves() []string {
	var leaves []string
	for _, id := range p.order {
		if len(p.opt.Successors[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Records returns a snapshot of every record, iteration records included.
func (p *Plan) Records() []*core.NodeExecution {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*core.NodeExecution, 0, len(p.records))
	for _, id := range p.order {
		out = append(out, p.records[id])
	}
	for _, id := range p.iters {
		out = append(out, p.records[id])
	}
	return out
}
