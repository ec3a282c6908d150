// Package runtime executes workflow graphs. For each execution it derives a
// plan from the optimizer's layering, dispatches ready nodes through the
// scheduler, applies the workflow's recovery policies to failures, and drives
// the execution to exactly one terminal status. One engine goroutine owns all
// mutable execution state; node tasks report back over a channel and touch
// only their own record.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"dario.cat/mergo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/luomaohao/agentRun/internal/compensation"
	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/errhandler"
	"github.com/luomaohao/agentRun/internal/eval"
	"github.com/luomaohao/agentRun/internal/eventbus"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/metrics"
	"github.com/luomaohao/agentRun/internal/otel"
	"github.com/luomaohao/agentRun/internal/parser"
	"github.com/luomaohao/agentRun/internal/runtime/executor"
	"github.com/luomaohao/agentRun/internal/scheduler"
)

// Config wires the engine's collaborators. Every field may be nil; the
// engine substitutes inert defaults so tests can exercise slices of it.
type Config struct {
	Scheduler *scheduler.Scheduler
	Executors *executor.Registry
	Breakers  *errhandler.BreakerSet
	Emitter   *eventbus.Emitter
	Repo      core.ExecutionRepo
	Metrics   *metrics.Metrics
	Tracer    *otel.Tracer
}

// Engine runs workflow executions to completion.
type Engine struct {
	sched    *scheduler.Scheduler
	registry *executor.Registry
	breakers *errhandler.BreakerSet
	emitter  *eventbus.Emitter
	repo     core.ExecutionRepo
	metrics  *metrics.Metrics
	tracer   *otel.Tracer
	ownSched bool

	mu   sync.Mutex
	runs map[string]*run
}

// run is the in-memory state of one live execution.
type run struct {
	workflow *core.Workflow
	exec     *core.Execution
	plan     *Plan
	evalCtx  *eval.Context
	handler  *errhandler.Handler
	compLog  *compensation.Log

	results     chan *nodeResult
	suspend     chan struct{}
	suspendOnce sync.Once
	inflight    int
}

// nodeResult is what a node task reports back to the engine loop.
type nodeResult struct {
	nodeID string
	status core.NodeStatus
	output map[string]any
	err    *core.Error
	// bodyOutputs carries the latest loop-body outputs to merge into the
	// execution context when a loop settles.
	bodyOutputs map[string]map[string]any
	// abort stops dispatch and fails the execution.
	abort bool
}

// New builds an engine. A nil scheduler gets an owned default that starts
// immediately and stops on Close.
func New(cfg Config) *Engine {
	e := &Engine{
		sched:    cfg.Scheduler,
		registry: cfg.Executors,
		breakers: cfg.Breakers,
		emitter:  cfg.Emitter,
		repo:     cfg.Repo,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		runs:     map[string]*run{},
	}
	if e.registry == nil {
		e.registry = executor.NewRegistry()
	}
	if e.breakers == nil {
		e.breakers = errhandler.NewBreakerSet(errhandler.BreakerConfig{}, cfg.Metrics)
	}
	if e.emitter == nil {
		e.emitter = eventbus.NewEmitter(nil, nil)
	}
	if e.sched == nil {
		e.sched = scheduler.New(scheduler.Quota{}, cfg.Metrics)
		e.sched.Start(context.Background())
		e.ownSched = true
	}
	return e
}

// Close stops the owned scheduler, if any. Engines given a scheduler leave
// its lifecycle to the caller.
func (e *Engine) Close(ctx context.Context) error {
	if e.ownSched {
		return e.sched.Stop(ctx)
	}
	return nil
}

// Run executes exec's workflow until it reaches a terminal status and
// records the outcome on exec. It returns an error only when the execution
// could not be set up; node failures end up on exec.Error instead. Blocks
// until the execution settles or suspends.
func (e *Engine) Run(ctx context.Context, w *core.Workflow, exec *core.Execution) error {
	if !w.Kind.HasGraph() {
		return e.failSetup(ctx, exec,
			core.NewError(core.ErrKindValidation, "workflow %s has no graph to execute", w.Ref()))
	}

	opt, err := parser.Optimize(w)
	if err != nil {
		return e.failSetup(ctx, exec, err)
	}
	plan, err := NewPlan(exec.ID, w, opt)
	if err != nil {
		return e.failSetup(ctx, exec, err)
	}
	handler, err := newHandler(w)
	if err != nil {
		return e.failSetup(ctx, exec, err)
	}

	evalCtx := eval.NewContext(exec.Input)
	seedContext(evalCtx, exec)

	r := &run{
		workflow: w,
		exec:     exec,
		plan:     plan,
		evalCtx:  evalCtx,
		handler:  handler,
		compLog:  compensation.NewLog(),
		results:  make(chan *nodeResult, len(w.Nodes)+4),
		suspend:  make(chan struct{}),
	}

	if err := exec.Transition(core.Running); err != nil {
		return e.failSetup(ctx, exec, err)
	}
	e.persistExec(ctx, r)
	e.appendRecords(ctx, r)
	e.emitter.Emit(ctx, core.NewEvent(exec.ID, core.EventExecutionStarted).WithPayload(map[string]any{
		"workflow": w.Name,
		"version":  w.Version,
		"trigger":  string(exec.Trigger),
	}))
	e.metrics.ExecutionStarted()
	logger.Info(ctx, "Execution started",
		tag.Execution(exec.ID), tag.Workflow(w.Name), tag.Version(w.Version))

	return e.execute(ctx, r)
}

// Resume restarts a suspended execution from its persisted record. Settled
// nodes keep their results; everything caught mid-flight by the suspension
// runs again.
func (e *Engine) Resume(ctx context.Context, w *core.Workflow, record *core.ExecutionRecord) error {
	exec := record.Execution
	if exec.Status != core.Suspended {
		return fmt.Errorf("%w: execution %s is %s", core.ErrExecutionNotSuspended, exec.ID, exec.Status)
	}

	opt, err := parser.Optimize(w)
	if err != nil {
		return e.failSetup(ctx, exec, err)
	}
	plan, err := NewPlan(exec.ID, w, opt)
	if err != nil {
		return e.failSetup(ctx, exec, err)
	}
	plan.Restore(record.Nodes)
	handler, err := newHandler(w)
	if err != nil {
		return e.failSetup(ctx, exec, err)
	}

	r := &run{
		workflow: w,
		exec:     exec,
		plan:     plan,
		evalCtx:  eval.FromTree(exec.Context),
		handler:  handler,
		compLog:  restoreCompensationLog(w, plan),
		results:  make(chan *nodeResult, len(w.Nodes)+4),
		suspend:  make(chan struct{}),
	}

	var lastSeq int64
	for _, ev := range record.Events {
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
	}
	e.emitter.Prime(exec.ID, lastSeq)

	if err := exec.Transition(core.Running); err != nil {
		return e.failSetup(ctx, exec, err)
	}
	e.persistExec(ctx, r)
	e.emitter.Emit(ctx, core.NewEvent(exec.ID, core.EventExecutionResumed))
	logger.Info(ctx, "Execution resumed",
		tag.Execution(exec.ID), tag.Workflow(w.Name), tag.Count(len(record.Events)))

	e.replayEdges(ctx, r)
	return e.execute(ctx, r)
}

// Suspend asks a live execution to stop dispatching and settle into the
// suspended status once in-flight nodes drain. Reports whether the
// execution was live. Safe to call more than once.
func (e *Engine) Suspend(executionID string) bool {
	e.mu.Lock()
	r := e.runs[executionID]
	e.mu.Unlock()
	if r == nil {
		return false
	}
	r.suspendOnce.Do(func() { close(r.suspend) })
	return true
}

// execute registers the run, drives it to an outcome, and finalizes.
func (e *Engine) execute(ctx context.Context, r *run) error {
	e.mu.Lock()
	e.runs[r.exec.ID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, r.exec.ID)
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("execution: %s", r.workflow.Name))
	defer span.End()
	span.SetAttributes(
		attribute.String("execution.id", r.exec.ID),
		attribute.String("workflow.name", r.workflow.Name),
		attribute.String("workflow.version", r.workflow.Version),
	)

	status, cause := e.drive(ctx, r)
	e.finalize(ctx, r, status, cause)
	span.SetAttributes(attribute.String("execution.status", r.exec.Status.String()))
	return nil
}

// drive is the dispatch loop. It owns the evaluation context and the edge
// decisions; node tasks own nothing but their record. The loop ends when no
// work is in flight and either the plan settled or dispatch stopped.
func (e *Engine) drive(ctx context.Context, r *run) (core.Status, *core.Error) {
	done := ctx.Done()
	suspendCh := r.suspend
	var (
		aborted   bool
		cancelled bool
		suspended bool
		abortErr  *core.Error
	)

	for {
		if !aborted && !suspended {
			e.advance(ctx, r)
		}
		if r.inflight == 0 {
			switch {
			case cancelled:
				return core.Cancelled, nil
			case suspended:
				return core.Suspended, nil
			case aborted:
				return core.Failed, abortErr
			case r.plan.Settled():
				return core.Completed, nil
			default:
				return core.Failed, core.NewError(core.ErrKindInternal,
					"execution stalled with no runnable nodes")
			}
		}

		select {
		case res := <-r.results:
			r.inflight--
			e.consume(ctx, r, res)
			if res.abort && !aborted {
				aborted = true
				abortErr = res.err
				e.sched.CancelExecution(ctx, r.exec.ID)
			}
		case <-done:
			done = nil
			cancelled, aborted = true, true
			e.sched.CancelExecution(ctx, r.exec.ID)
		case <-suspendCh:
			suspendCh = nil
			suspended = true
			logger.Info(ctx, "Execution suspending", tag.Execution(r.exec.ID),
				tag.Count(r.inflight))
		}
	}
}

// advance settles cascade skips to a fixpoint, then dispatches every ready
// node. Skipping releases no edges, so each round may surface more skips
// before anything becomes ready.
func (e *Engine) advance(ctx context.Context, r *run) {
	for {
		ready, skips := r.plan.Frontier()
		if len(skips) > 0 {
			for _, id := range skips {
				e.skipNode(ctx, r, id)
			}
			continue
		}
		for _, id := range ready {
			e.dispatch(ctx, r, id)
		}
		return
	}
}

// skipNode settles a node no taken edge can reach anymore.
func (e *Engine) skipNode(ctx context.Context, r *run, id string) {
	if err := r.plan.Update(id, func(rec *core.NodeExecution) error {
		return rec.Skip()
	}); err != nil {
		logger.Error(ctx, "Failed to skip node", tag.Node(id), tag.Error(err))
		return
	}
	r.plan.MarkEdges(id, func(string, *eval.Condition) bool { return false })
	e.persistNode(ctx, r, id)
	e.emitter.Emit(ctx, core.NewEvent(r.exec.ID, core.EventNodeSkipped).
		WithNode(id).
		WithPayload(map[string]any{"reason": "branch_not_taken"}))
	e.metrics.NodeExecuted(string(r.plan.Node(id).Kind), core.NodeSkipped.String(), 0)
}

// dispatch hands a ready node to the scheduler with a snapshot of the
// context as of now. Later node completions never leak into this snapshot;
// ordering comes from edges, not time.
func (e *Engine) dispatch(ctx context.Context, r *run, id string) {
	def := r.plan.Node(id)
	if err := r.plan.Update(id, func(rec *core.NodeExecution) error {
		return rec.Transition(core.NodeReady)
	}); err != nil {
		logger.Error(ctx, "Failed to mark node ready", tag.Node(id), tag.Error(err))
		return
	}
	e.persistNode(ctx, r, id)
	e.emitter.Emit(ctx, core.NewEvent(r.exec.ID, core.EventNodeReady).WithNode(id))

	snapshot := r.evalCtx.Snapshot()
	r.inflight++
	task := &scheduler.Task{
		ExecutionID: r.exec.ID,
		Node:        def,
		Run: func(taskCtx context.Context) {
			e.runNode(taskCtx, r, def, snapshot)
		},
	}
	if err := e.sched.Submit(ctx, task); err != nil {
		cause := core.NewError(core.ErrKindInternal,
			"scheduler rejected node: %v", err).WithNode(id)
		_ = r.plan.Update(id, func(rec *core.NodeExecution) error {
			rec.Error = cause
			return rec.Cancel()
		})
		e.persistNode(ctx, r, id)
		r.results <- &nodeResult{nodeID: id, status: core.NodeCancelled, err: cause, abort: true}
	}
}

// consume folds one settled node back into the execution: publish its
// output, commit its compensation entry, decide its out-edges, and persist
// the advanced context.
func (e *Engine) consume(ctx context.Context, r *run, res *nodeResult) {
	def := r.plan.Node(res.nodeID)
	switch res.status {
	case core.NodeSuccess:
		r.evalCtx.SetNodeOutput(res.nodeID, res.output)
		for id, out := range res.bodyOutputs {
			r.evalCtx.SetNodeOutput(id, out)
		}
		if def != nil && def.CompensationRef != "" {
			r.compLog.Append(res.nodeID, def.CompensationRef, res.output)
		}
		e.markSettledEdges(ctx, r, res.nodeID, res.status, res.output)
	case core.NodeSkipped:
		out := res.output
		if out == nil {
			out = map[string]any{}
		}
		r.evalCtx.SetNodeOutput(res.nodeID, out)
		e.markSettledEdges(ctx, r, res.nodeID, res.status, out)
	default:
		// Failed and cancelled nodes release nothing; the abort path
		// cancels whatever was waiting on them.
	}
	e.persistExec(ctx, r)
}

// markSettledEdges decides the out-edges of a settled node. A switch
// releases only its selected branch; a policy skip releases everything so
// its empty output propagates; otherwise conditional edges are evaluated
// against the advanced context and an edge that fails to evaluate is not
// taken.
func (e *Engine) markSettledEdges(ctx context.Context, r *run, id string, status core.NodeStatus, output map[string]any) {
	def := r.plan.Node(id)
	if status == core.NodeSkipped {
		r.plan.MarkEdges(id, func(string, *eval.Condition) bool { return true })
		return
	}
	if def != nil && def.Kind == core.NodeControl && def.Control == core.ControlSwitch {
		selected, _ := output["selected"].(string)
		r.plan.MarkEdges(id, func(to string, _ *eval.Condition) bool { return to == selected })
		return
	}
	snap := r.evalCtx.Snapshot()
	r.plan.MarkEdges(id, func(to string, cond *eval.Condition) bool {
		if cond == nil {
			return true
		}
		ok, err := cond.Eval(snap)
		if err != nil {
			logger.Warn(ctx, "Edge condition failed, not taking edge",
				tag.Node(id), tag.Error(err), "to", to)
			return false
		}
		return ok
	})
}

// replayEdges re-derives edge decisions for nodes settled before a
// suspension. Switch decisions come from the persisted output; a skipped
// node with a recorded output was a policy skip and released its edges,
// while a cascade skip recorded none and released nothing.
func (e *Engine) replayEdges(ctx context.Context, r *run) {
	for _, id := range r.plan.order {
		rec := r.plan.Record(id)
		if rec == nil {
			continue
		}
		switch rec.Status {
		case core.NodeSuccess, core.NodeSkipped:
			e.markSettledEdges(ctx, r, id, rec.Status, rec.Output)
		}
	}
}

// finalize settles the execution into its terminal (or suspended) status.
// Persistence and events run on a detached context: a cancelled execution
// still records how it ended.
func (e *Engine) finalize(ctx context.Context, r *run, status core.Status, cause *core.Error) {
	pctx := context.WithoutCancel(ctx)
	exec := r.exec

	if status == core.Suspended {
		if err := exec.Transition(core.Suspended); err != nil {
			logger.Error(pctx, "Failed to suspend execution", tag.Execution(exec.ID), tag.Error(err))
		}
		e.persistExec(pctx, r)
		e.emitter.Emit(pctx, core.NewEvent(exec.ID, core.EventExecutionSuspended))
		e.emitter.Release(exec.ID)
		logger.Info(pctx, "Execution suspended", tag.Execution(exec.ID))
		return
	}

	for _, id := range r.plan.CancelRemaining() {
		e.persistNode(pctx, r, id)
	}

	switch status {
	case core.Cancelled:
		e.maybeCompensate(pctx, r)
		if err := exec.Transition(core.Cancelled); err != nil {
			logger.Error(pctx, "Failed to cancel execution", tag.Execution(exec.ID), tag.Error(err))
		}
		reason := "cancelled"
		if ctx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		}
		e.emitter.Emit(pctx, core.NewEvent(exec.ID, core.EventExecutionCancelled).
			WithPayload(map[string]any{"reason": reason}))
		logger.Warn(pctx, "Execution cancelled", tag.Execution(exec.ID), "reason", reason)

	case core.Failed:
		if cause == nil {
			cause = r.plan.Failed()
		}
		if cause == nil {
			cause = core.NewError(core.ErrKindInternal, "execution failed without a recorded cause")
		}
		e.maybeCompensate(pctx, r)
		exec.Error = cause
		if err := exec.Transition(core.Failed); err != nil {
			logger.Error(pctx, "Failed to fail execution", tag.Execution(exec.ID), tag.Error(err))
		}
		e.emitter.Emit(pctx, core.NewEvent(exec.ID, core.EventExecutionFailed).
			WithPayload(map[string]any{
				"error":   cause.Message,
				"kind":    string(cause.Kind),
				"node_id": cause.NodeID,
			}))
		logger.Error(pctx, "Execution failed",
			tag.Execution(exec.ID), tag.Workflow(r.workflow.Name), tag.Error(cause))

	default:
		exec.Output = e.assembleOutput(r)
		if err := exec.Transition(core.Completed); err != nil {
			logger.Error(pctx, "Failed to complete execution", tag.Execution(exec.ID), tag.Error(err))
		}
		e.emitter.Emit(pctx, core.NewEvent(exec.ID, core.EventExecutionCompleted).
			WithPayload(map[string]any{"duration_ms": exec.Duration().Milliseconds()}))
		logger.Info(pctx, "Execution completed",
			tag.Execution(exec.ID), tag.Workflow(r.workflow.Name), tag.Duration(exec.Duration()))
	}

	e.persistExec(pctx, r)
	e.metrics.ExecutionCompleted(exec.Status.String(), exec.Duration())
	e.emitter.Release(exec.ID)
}

// maybeCompensate runs the workflow's compensation plan against the log of
// committed work. Only executions that declared a plan and committed at
// least one compensable node compensate; the status detour through
// Compensating is visible to watchers.
func (e *Engine) maybeCompensate(ctx context.Context, r *run) {
	if r.workflow.Compensation == nil || r.compLog.Len() == 0 {
		return
	}
	if err := r.exec.Transition(core.Compensating); err != nil {
		logger.Error(ctx, "Failed to enter compensating status",
			tag.Execution(r.exec.ID), tag.Error(err))
		return
	}
	e.persistExec(ctx, r)

	mgr := compensation.NewManager(e.compensationInvoker(r), e.emitter, e.metrics)
	result := mgr.Run(ctx, r.exec.ID, r.workflow.Compensation, r.compLog)
	logger.Info(ctx, "Compensation finished",
		tag.Execution(r.exec.ID),
		tag.Count(len(result.Outcomes)),
		"success", result.Success,
	)
}

// compensationInvoker runs compensating actions through the same executor
// registry and breakers as forward nodes.
func (e *Engine) compensationInvoker(r *run) compensation.InvokeFunc {
	return func(ctx context.Context, entry compensation.Entry) (map[string]any, error) {
		def := r.plan.Node(entry.ActionRef)
		if def == nil {
			return nil, core.NewError(core.ErrKindInternal,
				"compensation action %s is not a node", entry.ActionRef)
		}
		out, cerr := e.invokeExecutor(ctx, r, def, entry.Input)
		if cerr != nil {
			return nil, cerr
		}
		return out, nil
	}
}

// assembleOutput merges the outputs of successful leaf nodes in declaration
// order; later leaves win on key conflicts.
func (e *Engine) assembleOutput(r *run) map[string]any {
	out := map[string]any{}
	for _, id := range r.plan.Leaves() {
		rec := r.plan.Record(id)
		if rec == nil || rec.Status != core.NodeSuccess || len(rec.Output) == 0 {
			continue
		}
		if err := mergo.Merge(&out, rec.Output, mergo.WithOverride); err != nil {
			logger.Warn(context.Background(), "Failed to merge leaf output",
				tag.Node(id), tag.Error(err))
		}
	}
	return out
}

// failSetup records an execution that never got off the ground.
func (e *Engine) failSetup(ctx context.Context, exec *core.Execution, err error) error {
	cause := core.AsError(err, "")
	exec.Error = cause
	if terr := exec.Transition(core.Failed); terr != nil {
		logger.Error(ctx, "Failed to record setup failure", tag.Execution(exec.ID), tag.Error(terr))
	}
	if e.repo != nil {
		if perr := e.repo.Update(ctx, exec); perr != nil {
			logger.Error(ctx, "Failed to persist execution", tag.Execution(exec.ID), tag.Error(perr))
		}
	}
	e.emitter.Emit(ctx, core.NewEvent(exec.ID, core.EventExecutionFailed).
		WithPayload(map[string]any{"error": cause.Message, "kind": string(cause.Kind)}))
	e.emitter.Release(exec.ID)
	logger.Error(ctx, "Execution setup failed", tag.Execution(exec.ID), tag.Error(err))
	return err
}

// persistExec snapshots the evaluation context onto the execution and saves
// it. Persistence failures are logged, never fatal.
func (e *Engine) persistExec(ctx context.Context, r *run) {
	if e.repo == nil {
		return
	}
	r.exec.Context = r.evalCtx.Snapshot()
	if err := e.repo.Update(ctx, r.exec); err != nil {
		logger.Error(ctx, "Failed to persist execution",
			tag.Execution(r.exec.ID), tag.Error(err))
	}
}

// persistNode saves the current record for a node id.
func (e *Engine) persistNode(ctx context.Context, r *run, id string) {
	e.persistRecord(ctx, r.plan.Record(id))
}

// persistRecord saves a node execution record, iteration records included.
func (e *Engine) persistRecord(ctx context.Context, rec *core.NodeExecution) {
	if e.repo == nil || rec == nil {
		return
	}
	if err := e.repo.UpdateNode(ctx, rec); err != nil {
		logger.Error(ctx, "Failed to persist node execution",
			tag.Execution(rec.ExecutionID), tag.Node(rec.NodeID), tag.Error(err))
	}
}

// appendRecords seeds the repo with one record per dispatchable node so
// later updates have something to land on.
func (e *Engine) appendRecords(ctx context.Context, r *run) {
	if e.repo == nil {
		return
	}
	for _, rec := range r.plan.Records() {
		if err := e.repo.AppendNode(ctx, rec); err != nil {
			logger.Error(ctx, "Failed to persist node execution",
				tag.Execution(r.exec.ID), tag.Node(rec.NodeID), tag.Error(err))
		}
	}
}

// newHandler compiles the workflow's handler rules.
func newHandler(w *core.Workflow) (*errhandler.Handler, error) {
	rules := make([]core.HandlerRule, 0, len(w.Handlers))
	for _, rule := range w.Handlers {
		if rule != nil {
			rules = append(rules, *rule)
		}
	}
	return errhandler.New(rules)
}

// seedContext populates the trigger and meta branches for template access.
func seedContext(evalCtx *eval.Context, exec *core.Execution) {
	_ = evalCtx.Set("trigger.type", string(exec.Trigger))
	_ = evalCtx.Set("meta.execution_id", exec.ID)
	_ = evalCtx.Set("meta.workflow", exec.Workflow)
	_ = evalCtx.Set("meta.version", exec.Version)
}

// restoreCompensationLog rebuilds the committed-work log from persisted
// records so a resumed execution can still roll back pre-suspension work.
// Records are replayed oldest commit first to keep the reverse order right.
func restoreCompensationLog(w *core.Workflow, plan *Plan) *compensation.Log {
	log := compensation.NewLog()
	type committed struct {
		rec *core.NodeExecution
		ref string
	}
	var entries []committed
	for _, rec := range plan.Records() {
		if rec.Status != core.NodeSuccess {
			continue
		}
		def := w.NodeByID(baseNodeID(rec.NodeID))
		if def == nil || def.CompensationRef == "" {
			continue
		}
		entries = append(entries, committed{rec: rec, ref: def.CompensationRef})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].rec.FinishedAt.Before(entries[j].rec.FinishedAt)
	})
	for _, c := range entries {
		log.Append(c.rec.NodeID, c.ref, c.rec.Output)
	}
	return log
}

// baseNodeID strips a loop-iteration suffix such as "step[3]".
func baseNodeID(id string) string {
	if i := strings.IndexByte(id, '['); i >= 0 {
		return id[:i]
	}
	return id
}
