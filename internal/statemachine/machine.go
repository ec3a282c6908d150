// Package statemachine runs event-driven workflow instances. States are
// addressed by name and transitions reference target names, so cycles
// between states are legal. Events for one instance are serialized behind a
// per-instance mutex; instances advance independently of each other.
package statemachine

import (
	"context"
	"sync"
	"time"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/eval"
	"github.com/luomaohao/agentRun/internal/eventbus"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/runtime/executor"
)

// Config wires the engine's collaborators. Every field may be nil; the
// engine substitutes an in-memory store, an empty registry, and an inert
// emitter so tests can exercise slices of it.
type Config struct {
	Instances core.InstanceRepo
	Executors *executor.Registry
	Emitter   *eventbus.Emitter
}

// Engine advances state-machine instances. Workflows register once and are
// immutable afterwards; guards compile at registration so invalid
// expressions fail before the first event arrives.
type Engine struct {
	repo     core.InstanceRepo
	registry *executor.Registry
	emitter  *eventbus.Emitter

	mu        sync.Mutex
	workflows map[string]*core.Workflow
	guards    map[string]*eval.Condition
	locks     map[string]*sync.Mutex
	timers    map[string]map[string]*time.Timer
}

// Result reports what one event did to an instance. Fired is false when no
// transition matched or the matched transition aborted; in both cases the
// instance is unchanged.
type Result struct {
	InstanceID string `json:"instance_id"`
	Event      string `json:"event"`
	Fired      bool   `json:"fired"`
	From       string `json:"from"`
	To         string `json:"to,omitempty"`
	Final      bool   `json:"final"`
}

// New builds a state-machine engine.
func New(cfg Config) *Engine {
	e := &Engine{
		repo:      cfg.Instances,
		registry:  cfg.Executors,
		emitter:   cfg.Emitter,
		workflows: map[string]*core.Workflow{},
		guards:    map[string]*eval.Condition{},
		locks:     map[string]*sync.Mutex{},
		timers:    map[string]map[string]*time.Timer{},
	}
	if e.repo == nil {
		e.repo = NewMemoryStore()
	}
	if e.registry == nil {
		e.registry = executor.NewRegistry()
	}
	if e.emitter == nil {
		e.emitter = eventbus.NewEmitter(nil, nil)
	}
	return e
}

// Register makes a workflow's states available to new instances and
// compiles every transition guard. Registering the same id again replaces
// the previous definition; instances resolve their workflow on every event,
// so live instances observe the replacement from their next event on. An
// instance whose current state no longer exists fails with a state error.
func (e *Engine) Register(w *core.Workflow) error {
	if w == nil || !w.Kind.HasStates() {
		return core.NewError(core.ErrKindValidation, "workflow %q carries no states", safeName(w))
	}
	compiled := map[string]*eval.Condition{}
	for _, st := range w.States {
		for _, tr := range st.Transitions {
			if tr.Guard == "" {
				continue
			}
			cond, err := eval.CompileCondition(tr.Guard)
			if err != nil {
				return err
			}
			compiled[tr.Guard] = cond
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[w.ID] = w
	for src, cond := range compiled {
		e.guards[src] = cond
	}
	return nil
}

// CreateInstance starts a new instance at the workflow's initial state and
// runs that state's entry actions. Entry-action failures follow the same
// no-rollback contract as transitions: the instance exists and stays at the
// initial state, the failure is emitted as on_enter.failed, and the error
// is returned alongside the instance.
func (e *Engine) CreateInstance(ctx context.Context, workflowID string, initial map[string]any) (*core.Instance, error) {
	w := e.workflow(workflowID)
	if w == nil {
		return nil, core.ErrWorkflowNotFound
	}
	inst, err := core.NewInstance(w, initial)
	if err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, inst); err != nil {
		return nil, err
	}
	logger.Info(ctx, "State machine instance created",
		tag.Instance(inst.ID),
		tag.Workflow(w.Name),
		tag.State(inst.CurrentState),
	)

	state := w.StateByName(inst.CurrentState)
	if state == nil || len(state.OnEnter) == 0 {
		return inst, nil
	}

	// Hold the instance lock for the entry phase: an entry action may start
	// a timer whose dispatch must not interleave with the follow-up save.
	lock := e.lock(inst.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.runActions(ctx, inst, state.OnEnter, scopeEnter); err != nil {
		e.emitter.Emit(ctx, core.NewEvent(inst.ID, core.EventOnEnterFailed).WithPayload(map[string]any{
			"state": inst.CurrentState,
			"error": err.Error(),
		}))
		return inst, err
	}
	// Entry actions may have written context; persist it.
	if err := e.repo.Save(ctx, inst); err != nil {
		return inst, err
	}
	return inst, nil
}

// ProcessEvent applies one event to an instance. Exactly one of three
// things happens, and the returned Result says which:
//
//   - no transition on the current state matches the event with a satisfied
//     guard: an event.unhandled record is emitted and the instance is
//     untouched;
//   - a transition matches but an exit or transition action fails: the
//     transition aborts, the instance is untouched, and transition.aborted
//     is emitted;
//   - the transition commits: state and history move atomically, then entry
//     actions run. Entry-action failures do not roll the commit back; they
//     emit on_enter.failed and come back as the error beside a Fired result.
//
// Events for the same instance are serialized; callers may invoke this
// concurrently for different instances.
func (e *Engine) ProcessEvent(ctx context.Context, instanceID, event string, payload map[string]any) (*Result, error) {
	lock := e.lock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.repo.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	w := e.workflow(inst.WorkflowID)
	if w == nil {
		return nil, core.ErrWorkflowNotFound
	}
	res := &Result{InstanceID: instanceID, Event: event, From: inst.CurrentState, Final: inst.IsFinal}

	if inst.IsFinal {
		e.unhandled(ctx, inst, event)
		return res, nil
	}
	state := w.StateByName(inst.CurrentState)
	if state == nil {
		return nil, core.NewError(core.ErrKindState,
			"instance %s is in unknown state %q", instanceID, inst.CurrentState)
	}

	// Guards see the would-be context: current values overlaid with the
	// event payload. The overlay only commits if a transition fires.
	snapshot := overlay(inst.Context, payload)
	snapshot["event"] = event

	transition := e.match(ctx, state, event, snapshot)
	if transition == nil {
		e.unhandled(ctx, inst, event)
		return res, nil
	}

	// Exit and transition actions run against a scratch copy so an abort
	// leaves the persisted context untouched.
	scratch := inst.Clone()
	mergeInto(scratch.Context, payload)

	if err := e.runActions(ctx, scratch, state.OnExit, scopeExit); err != nil {
		e.abort(ctx, inst, transition, event, scopeExit, err)
		return res, err
	}
	if err := e.runActions(ctx, scratch, transition.Actions, scopeTransition); err != nil {
		e.abort(ctx, inst, transition, event, scopeTransition, err)
		return res, err
	}

	// Commit: the scratch copy becomes the instance. State pointer and
	// history move together, and the commit is durable before the fired
	// event is observable.
	from := inst.CurrentState
	inst.Context = scratch.Context
	inst.Commit(from, event, transition.Target, payload)
	target := w.StateByName(transition.Target)
	if target != nil && target.IsFinal() {
		inst.IsFinal = true
	}
	if err := e.repo.Save(ctx, inst); err != nil {
		return nil, err
	}
	res.Fired = true
	res.To = transition.Target
	res.Final = inst.IsFinal
	e.emitter.Emit(ctx, core.NewEvent(inst.ID, core.EventTransitionFired).WithPayload(map[string]any{
		"event": event,
		"from":  from,
		"to":    transition.Target,
	}))
	logger.Info(ctx, "Transition fired",
		tag.Instance(inst.ID),
		tag.Event(event),
		tag.State(transition.Target),
		"from", from,
	)

	var enterErr error
	if target != nil && len(target.OnEnter) > 0 {
		if enterErr = e.runActions(ctx, inst, target.OnEnter, scopeEnter); enterErr != nil {
			e.emitter.Emit(ctx, core.NewEvent(inst.ID, core.EventOnEnterFailed).WithPayload(map[string]any{
				"state": target.Name,
				"error": enterErr.Error(),
			}))
			logger.Error(ctx, "Entry actions failed after commit",
				tag.Instance(inst.ID),
				tag.State(target.Name),
				tag.Error(enterErr),
			)
		}
		// Entry actions may have written context.
		if err := e.repo.Save(ctx, inst); err != nil {
			return res, err
		}
	}

	if inst.IsFinal {
		e.finish(ctx, inst)
	}
	return res, enterErr
}

// Instance returns the current persisted view of an instance.
func (e *Engine) Instance(ctx context.Context, instanceID string) (*core.Instance, error) {
	return e.repo.Load(ctx, instanceID)
}

// Instances lists the persisted instances of a workflow by name.
func (e *Engine) Instances(ctx context.Context, workflow string) ([]*core.Instance, error) {
	return e.repo.List(ctx, workflow)
}

// match returns the first transition on state whose event name matches and
// whose guard is satisfied against the snapshot. A guard that fails to
// evaluate is unsatisfied, not fatal: the event may legitimately match a
// later transition.
func (e *Engine) match(ctx context.Context, state *core.State, event string, snapshot map[string]any) *core.Transition {
	for _, tr := range state.Transitions {
		if tr.Event != event {
			continue
		}
		if tr.Guard == "" {
			return tr
		}
		cond := e.guard(tr.Guard)
		if cond == nil {
			continue
		}
		ok, err := cond.Eval(snapshot)
		if err != nil {
			logger.Warn(ctx, "Guard evaluation failed; treating as unsatisfied",
				tag.State(state.Name),
				tag.Event(event),
				tag.Error(err),
			)
			continue
		}
		if ok {
			return tr
		}
	}
	return nil
}

func (e *Engine) unhandled(ctx context.Context, inst *core.Instance, event string) {
	e.emitter.Emit(ctx, core.NewEvent(inst.ID, core.EventUnhandled).WithPayload(map[string]any{
		"event": event,
		"state": inst.CurrentState,
	}))
	logger.Warn(ctx, "No transition matched event",
		tag.Instance(inst.ID),
		tag.State(inst.CurrentState),
		tag.Event(event),
	)
}

func (e *Engine) abort(ctx context.Context, inst *core.Instance, tr *core.Transition, event, phase string, cause error) {
	e.emitter.Emit(ctx, core.NewEvent(inst.ID, core.EventTransitionAborted).WithPayload(map[string]any{
		"event":  event,
		"from":   inst.CurrentState,
		"target": tr.Target,
		"phase":  phase,
		"error":  cause.Error(),
	}))
	logger.Error(ctx, "Transition aborted",
		tag.Instance(inst.ID),
		tag.Event(event),
		tag.State(inst.CurrentState),
		"phase", phase,
		tag.Error(cause),
	)
}

// finish emits instance.completed and releases the instance's timers and
// event-sequence counter. The instance record itself stays in the store for
// inspection.
func (e *Engine) finish(ctx context.Context, inst *core.Instance) {
	e.cancelTimers(inst.ID)
	e.emitter.Emit(ctx, core.NewEvent(inst.ID, core.EventInstanceCompleted).WithPayload(map[string]any{
		"final_state": inst.CurrentState,
		"context":     inst.Context,
	}))
	logger.Info(ctx, "State machine instance completed",
		tag.Instance(inst.ID),
		tag.State(inst.CurrentState),
	)
	e.emitter.Release(inst.ID)
}

func (e *Engine) workflow(id string) *core.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflows[id]
}

func (e *Engine) guard(src string) *eval.Condition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guards[src]
}

func (e *Engine) lock(instanceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[instanceID] = l
	}
	return l
}

// overlay returns a fresh map of base with patch applied on top. Neither
// input is mutated.
func overlay(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func safeName(w *core.Workflow) string {
	if w == nil {
		return ""
	}
	return w.Name
}
