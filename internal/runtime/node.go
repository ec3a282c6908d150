package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"dario.cat/mergo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/eval"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/runtime/executor"
)

// attemptOutcome is how a node settled after all recovery was applied.
type attemptOutcome struct {
	status core.NodeStatus
	output map[string]any
	err    *core.Error
	// bodyOutputs carries a loop's latest per-body-node outputs.
	bodyOutputs map[string]map[string]any
}

// runNode is the scheduler-submitted task body for one ready node.
func (e *Engine) runNode(ctx context.Context, r *run, node *core.Node, snapshot map[string]any) {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("node: %s", node.ID))
	defer span.End()
	span.SetAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.kind", string(node.Kind)),
	)

	var outcome attemptOutcome
	if ctx.Err() != nil {
		// Cancelled before dispatch; the scheduler runs us anyway so the
		// record settles.
		cause := core.AsError(ctx.Err(), node.ID)
		e.settleCancelled(ctx, r, node, node.ID, cause)
		outcome = attemptOutcome{status: core.NodeCancelled, err: cause}
	} else {
		outcome = e.runAttempts(ctx, r, node, node.ID, snapshot)
	}
	span.SetAttributes(attribute.String("node.status", outcome.status.String()))

	r.results <- &nodeResult{
		nodeID:      node.ID,
		status:      outcome.status,
		output:      outcome.output,
		err:         outcome.err,
		bodyOutputs: outcome.bodyOutputs,
		abort:       outcome.status == core.NodeFailed || outcome.status == core.NodeCancelled,
	}
}

// runAttempts drives one node record through its attempts until the
// recovery policy settles it. recID is the record key: the node id for plan
// nodes, the iteration id for loop-body runs.
func (e *Engine) runAttempts(ctx context.Context, r *run, node *core.Node, recID string, snapshot map[string]any) attemptOutcome {
	attempt := 0
	started := false

	for {
		attempt++
		input, cause := e.buildInput(r, node, snapshot)

		if err := r.plan.Update(recID, func(rec *core.NodeExecution) error {
			return rec.Start(input)
		}); err != nil {
			ierr := core.AsError(err, node.ID)
			return e.settleFailed(ctx, r, node, recID, ierr)
		}
		if !started {
			started = true
			e.persistNode(ctx, r, recID)
			e.emitter.Emit(ctx, core.NewEvent(r.exec.ID, core.EventNodeStarted).
				WithNode(recID).
				WithPayload(map[string]any{"attempt": attempt}))
		}

		var out map[string]any
		var bodyOuts map[string]map[string]any
		if cause == nil {
			out, bodyOuts, cause = e.invoke(ctx, r, node, snapshot, input)
		}

		if cause == nil {
			return e.settleSuccess(ctx, r, node, recID, out, bodyOuts, false)
		}
		if cause.Kind == core.ErrKindCancelled {
			e.settleCancelled(ctx, r, node, recID, cause)
			return attemptOutcome{status: core.NodeCancelled, err: cause}
		}

		decision := r.handler.Decide(ctx, node, cause, attempt)
		switch decision.Policy {
		case core.PolicyRetry:
			if err := r.plan.Update(recID, func(rec *core.NodeExecution) error {
				return rec.Retrying(cause)
			}); err != nil {
				return e.settleFailed(ctx, r, node, recID, cause)
			}
			e.persistNode(ctx, r, recID)
			e.emitter.Emit(ctx, core.NewEvent(r.exec.ID, core.EventNodeRetrying).
				WithNode(recID).
				WithPayload(map[string]any{
					"attempt":  attempt,
					"delay_ms": decision.Delay.Milliseconds(),
					"error":    cause.Message,
				}))
			logger.Warn(ctx, "Node retrying",
				tag.Node(recID), tag.Attempt(attempt), tag.Duration(decision.Delay), tag.Error(cause))
			if err := sleepDelay(ctx, decision.Delay); err != nil {
				cancelCause := core.AsError(err, node.ID)
				e.settleCancelled(ctx, r, node, recID, cancelCause)
				return attemptOutcome{status: core.NodeCancelled, err: cancelCause}
			}

		case core.PolicySkip:
			if err := r.plan.Update(recID, func(rec *core.NodeExecution) error {
				rec.Output = map[string]any{}
				return rec.Skip()
			}); err != nil {
				return e.settleFailed(ctx, r, node, recID, cause)
			}
			e.persistNode(ctx, r, recID)
			e.emitter.Emit(ctx, core.NewEvent(r.exec.ID, core.EventNodeSkipped).
				WithNode(recID).
				WithPayload(map[string]any{"reason": "error_policy", "error": cause.Message}))
			e.observeNode(r, node, recID, core.NodeSkipped)
			logger.Info(ctx, "Node skipped by error policy", tag.Node(recID), tag.Error(cause))
			return attemptOutcome{status: core.NodeSkipped, output: map[string]any{}}

		case core.PolicyDegrade:
			out, degradeErr := e.degrade(ctx, r, node, decision.Rule, input)
			if degradeErr == nil {
				return e.settleSuccess(ctx, r, node, recID, out, nil, true)
			}
			return e.settleFailed(ctx, r, node, recID, cause)

		default:
			// Compensate and escalate both settle the node failed; the
			// engine decides whether a rollback follows.
			return e.settleFailed(ctx, r, node, recID, cause)
		}
	}
}

// buildInput resolves the node's input bindings against the snapshot.
// Aggregation nodes additionally see their sources' outputs merged in
// declaration order underneath any explicit bindings.
func (e *Engine) buildInput(r *run, node *core.Node, snapshot map[string]any) (map[string]any, *core.Error) {
	var input map[string]any
	if b := r.plan.Bindings(node.ID); b != nil {
		resolved, err := b.Resolve(snapshot)
		if err != nil {
			return nil, core.AsError(err, node.ID)
		}
		input = resolved
	}
	if node.Kind != core.NodeAggregation {
		return input, nil
	}

	var cfg core.AggregationConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, core.NewError(core.ErrKindValidation,
			"invalid aggregation config: %v", err).WithNode(node.ID)
	}
	merged := map[string]any{}
	for _, src := range cfg.Sources {
		if out, ok := nodeOutput(snapshot, src); ok {
			if err := mergo.Merge(&merged, out, mergo.WithOverride); err != nil {
				return nil, core.NewError(core.ErrKindInternal,
					"merging source %s: %v", src, err).WithNode(node.ID)
			}
		}
	}
	if err := mergo.Merge(&merged, input, mergo.WithOverride); err != nil {
		return nil, core.NewError(core.ErrKindInternal,
			"merging bindings: %v", err).WithNode(node.ID)
	}
	return merged, nil
}

// invoke runs one attempt. Control and aggregation nodes are engine-internal
// and bypass the breakers; everything else goes through the executor
// registry behind its resource's breaker.
func (e *Engine) invoke(ctx context.Context, r *run, node *core.Node, snapshot, input map[string]any) (map[string]any, map[string]map[string]any, *core.Error) {
	switch node.Kind {
	case core.NodeControl:
		switch node.Control {
		case core.ControlSwitch:
			out, err := runSwitch(node, snapshot)
			return out, nil, err
		case core.ControlParallel:
			out, err := runParallel(node)
			return out, nil, err
		case core.ControlJoin:
			out, err := e.runJoin(r, node)
			return out, nil, err
		case core.ControlLoop:
			return e.runLoop(ctx, r, node, snapshot)
		}
		return nil, nil, core.NewError(core.ErrKindValidation,
			"unknown control type %q", node.Control).WithNode(node.ID)
	case core.NodeAggregation:
		out, err := runAggregation(node, snapshot)
		return out, nil, err
	default:
		out, err := e.invokeExecutor(ctx, r, node, input)
		return out, nil, err
	}
}

// invokeExecutor runs an adapter-backed node under its deadline and its
// resource's circuit breaker. A zero timeout is an immediate timeout: the
// adapter is never invoked and the breaker never consulted.
func (e *Engine) invokeExecutor(ctx context.Context, r *run, node *core.Node, input map[string]any) (map[string]any, *core.Error) {
	if node.Timeout <= 0 {
		return nil, core.NewError(core.ErrKindTimeout,
			"node timed out after %s", node.Timeout).WithNode(node.ID)
	}
	res, err := e.breakers.Do(node.ResourceKey(), func() (any, error) {
		return e.invokeWithDeadline(ctx, r, node, input)
	})
	if err != nil {
		return nil, core.AsError(err, node.ID)
	}
	out, _ := res.(map[string]any)
	return out, nil
}

// invokeWithDeadline races the executor against the node's deadline. The
// executor goroutine is left to notice its context on its own; its buffered
// reply channel means a late finish leaks nothing.
func (e *Engine) invokeWithDeadline(ctx context.Context, r *run, node *core.Node, input map[string]any) (map[string]any, error) {
	tctx, cancel := context.WithTimeout(ctx, node.Timeout)
	defer cancel()

	type reply struct {
		out map[string]any
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error(ctx, "Executor panicked",
					tag.Node(node.ID),
					tag.Error(fmt.Errorf("%v", rec)),
					"stack", string(debug.Stack()),
				)
				ch <- reply{err: core.NewError(core.ErrKindInternal,
					"executor panic: %v", rec).WithNode(node.ID)}
			}
		}()
		out, err := e.registry.Execute(tctx, executor.Request{
			ExecutionID: r.exec.ID,
			Node:        node,
			Input:       input,
			Meta: map[string]any{
				"execution_id": r.exec.ID,
				"workflow":     r.workflow.Name,
			},
		})
		ch <- reply{out: out, err: err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return nil, core.AsError(rep.err, node.ID)
		}
		return rep.out, nil
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, core.AsError(ctx.Err(), node.ID)
		}
		return nil, core.NewError(core.ErrKindTimeout,
			"node timed out after %s", node.Timeout).WithNode(node.ID)
	}
}

// degrade serves a failed node from its rule's fallback node, falling back
// again to the rule's static default output. The fallback runs with the
// failed node's original input under its own breaker and deadline.
func (e *Engine) degrade(ctx context.Context, r *run, node *core.Node, rule *core.HandlerRule, input map[string]any) (map[string]any, *core.Error) {
	if rule == nil {
		return nil, core.NewError(core.ErrKindInternal,
			"degrade decided without a rule").WithNode(node.ID)
	}
	if rule.FallbackID != "" {
		fb := r.plan.Node(rule.FallbackID)
		if fb == nil {
			return nil, core.NewError(core.ErrKindInternal,
				"fallback node %s not found", rule.FallbackID).WithNode(node.ID)
		}
		out, cause := e.invokeExecutor(ctx, r, fb, input)
		if cause == nil {
			logger.Info(ctx, "Node degraded to fallback",
				tag.Node(node.ID), "fallback", rule.FallbackID)
			return out, nil
		}
		logger.Warn(ctx, "Fallback node failed",
			tag.Node(node.ID), "fallback", rule.FallbackID, tag.Error(cause))
	}
	if len(rule.Default) > 0 {
		out := map[string]any{}
		if err := mergo.Merge(&out, rule.Default); err != nil {
			return nil, core.AsError(err, node.ID)
		}
		logger.Info(ctx, "Node degraded to default output", tag.Node(node.ID))
		return out, nil
	}
	return nil, core.NewError(core.ErrKindInternal,
		"degrade rule has neither fallback nor default").WithNode(node.ID)
}

// runSwitch evaluates the switch condition and selects a branch target. No
// matching branch and no default is an unmatched-branch failure.
func runSwitch(node *core.Node, snapshot map[string]any) (map[string]any, *core.Error) {
	var cfg core.SwitchConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, core.NewError(core.ErrKindValidation,
			"invalid switch config: %v", err).WithNode(node.ID)
	}
	cond, err := eval.CompileCondition(cfg.Condition)
	if err != nil {
		return nil, core.AsError(err, node.ID)
	}
	val, err := cond.Value(snapshot)
	if err != nil {
		return nil, core.AsError(err, node.ID)
	}
	key := core.BranchKey(val)
	target, ok := cfg.Branches[key]
	if !ok {
		target = cfg.Default
	}
	if target == "" {
		return nil, core.NewError(core.ErrKindUnmatchedBranch,
			"no branch for value %q and no default", key).WithNode(node.ID)
	}
	return map[string]any{"selected": target}, nil
}

// runParallel releases all branches. The real fan-out is the edge marking;
// the node itself just records what it opened.
func runParallel(node *core.Node) (map[string]any, *core.Error) {
	var cfg core.ParallelConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, core.NewError(core.ErrKindValidation,
			"invalid parallel config: %v", err).WithNode(node.ID)
	}
	return map[string]any{"branches": cfg.Branches}, nil
}

// runJoin records which wait-for members had succeeded when the join fired.
// Under wait_any the rest keep running; the join does not cancel them.
func (e *Engine) runJoin(r *run, node *core.Node) (map[string]any, *core.Error) {
	var cfg core.JoinConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, core.NewError(core.ErrKindValidation,
			"invalid join config: %v", err).WithNode(node.ID)
	}
	completed := []string{}
	for _, id := range cfg.WaitFor {
		if rec := r.plan.Record(id); rec != nil && rec.Status == core.NodeSuccess {
			completed = append(completed, id)
		}
	}
	sort.Strings(completed)
	return map[string]any{"completed": completed}, nil
}

// runAggregation combines the source outputs with the configured reducer.
// Sources without a published output (cascade skips) are omitted; a key
// projects each output down to that one field first.
func runAggregation(node *core.Node, snapshot map[string]any) (map[string]any, *core.Error) {
	var cfg core.AggregationConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, core.NewError(core.ErrKindValidation,
			"invalid aggregation config: %v", err).WithNode(node.ID)
	}
	outputs := make([]map[string]any, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		out, ok := nodeOutput(snapshot, src)
		if !ok {
			continue
		}
		if cfg.Key != "" {
			v, ok := out[cfg.Key]
			if !ok {
				continue
			}
			out = map[string]any{cfg.Key: v}
		}
		outputs = append(outputs, out)
	}
	res, err := eval.Reduce(cfg.Reducer, cfg.Sources, outputs)
	if err != nil {
		return nil, core.AsError(err, node.ID)
	}
	return res, nil
}

// runLoop drives a loop node: it re-runs the body nodes per iteration with
// fresh records, a local context overlay, and the current item and index
// exposed at the top level. Body nodes run sequentially in body-local
// topological order; their recovery policies apply per iteration.
func (e *Engine) runLoop(ctx context.Context, r *run, node *core.Node, snapshot map[string]any) (map[string]any, map[string]map[string]any, *core.Error) {
	var cfg core.LoopConfig
	if err := node.DecodeConfig(&cfg); err != nil {
		return nil, nil, core.NewError(core.ErrKindValidation,
			"invalid loop config: %v", err).WithNode(node.ID)
	}
	bound := cfg.Bound()
	bodyOrder := loopBodyOrder(r.workflow, cfg.Body)

	var (
		items []any
		total int
		cond  *eval.Condition
	)
	switch cfg.Mode {
	case core.LoopForEach:
		tpl, err := eval.ParseTemplate(cfg.Items)
		if err != nil {
			return nil, nil, core.AsError(err, node.ID)
		}
		resolved, err := tpl.Resolve(snapshot)
		if err != nil {
			return nil, nil, core.AsError(err, node.ID)
		}
		list, ok := resolved.([]any)
		if !ok {
			return nil, nil, core.NewError(core.ErrKindValidation,
				"loop items must resolve to a list, got %T", resolved).WithNode(node.ID)
		}
		items, total = list, len(list)
	case core.LoopCount:
		total = cfg.Count
	case core.LoopWhile:
		compiled, err := eval.CompileCondition(cfg.Condition)
		if err != nil {
			return nil, nil, core.AsError(err, node.ID)
		}
		cond = compiled
	default:
		return nil, nil, core.NewError(core.ErrKindValidation,
			"unknown loop mode %q", cfg.Mode).WithNode(node.ID)
	}
	if cfg.Mode != core.LoopWhile && total > bound {
		return nil, nil, core.NewError(core.ErrKindValidation,
			"loop would run %d iterations, bound is %d", total, bound).WithNode(node.ID)
	}

	// The snapshot is task-private, so the loop context can accumulate
	// body outputs and the rolling item/index in place.
	loopCtx := eval.FromTree(snapshot)
	latest := map[string]map[string]any{}
	results := []any{}
	iter := 0

	for {
		if cfg.Mode != core.LoopWhile && iter >= total {
			break
		}
		if cfg.Mode == core.LoopWhile {
			ok, err := cond.Eval(loopCtx.Snapshot())
			if err != nil {
				return nil, nil, core.AsError(err, node.ID)
			}
			if !ok {
				break
			}
			if iter >= bound {
				return nil, nil, core.NewError(core.ErrKindValidation,
					"loop exceeded max_iterations %d", bound).WithNode(node.ID)
			}
		}

		var item any
		if items != nil {
			item = items[iter]
		}
		_ = loopCtx.Set("item", item)
		_ = loopCtx.Set("index", iter)

		var iterOut map[string]any
		for _, bodyID := range bodyOrder {
			bodyDef := r.plan.Node(bodyID)
			if bodyDef == nil {
				return nil, nil, core.NewError(core.ErrKindInternal,
					"loop body node %s not found", bodyID).WithNode(node.ID)
			}
			recID := core.IterationID(bodyID, iter)
			rec := core.NewNodeExecution(r.exec.ID, recID)
			r.plan.AppendIteration(rec)
			e.appendRecord(ctx, rec)
			if err := r.plan.Update(recID, func(rec *core.NodeExecution) error {
				return rec.Transition(core.NodeReady)
			}); err != nil {
				return nil, nil, core.AsError(err, recID)
			}

			outcome := e.runAttempts(ctx, r, bodyDef, recID, loopCtx.Snapshot())
			switch outcome.status {
			case core.NodeSuccess:
				latest[bodyID] = outcome.output
				loopCtx.SetNodeOutput(bodyID, outcome.output)
				if bodyDef.CompensationRef != "" {
					r.compLog.Append(recID, bodyDef.CompensationRef, outcome.output)
				}
				iterOut = outcome.output
			case core.NodeSkipped:
				latest[bodyID] = outcome.output
				loopCtx.SetNodeOutput(bodyID, outcome.output)
				iterOut = outcome.output
			default:
				// A failed or cancelled body fails the whole loop; the
				// loop node's own recovery rules take it from there.
				return nil, nil, outcome.err
			}
		}

		results = append(results, anyValue(iterOut))
		iter++
	}

	logger.Debug(ctx, "Loop finished", tag.Node(node.ID), tag.Count(iter))
	return map[string]any{"iterations": iter, "results": results}, latest, nil
}

// loopBodyOrder topologically orders body nodes over the edges internal to
// the body, breaking ties by declaration order.
func loopBodyOrder(w *core.Workflow, body []string) []string {
	inBody := make(map[string]bool, len(body))
	for _, id := range body {
		inBody[id] = true
	}
	indegree := map[string]int{}
	succs := map[string][]string{}
	for _, e := range w.Edges {
		if inBody[e.From] && inBody[e.To] {
			indegree[e.To]++
			succs[e.From] = append(succs[e.From], e.To)
		}
	}

	placed := make(map[string]bool, len(body))
	order := make([]string, 0, len(body))
	for len(order) < len(body) {
		progressed := false
		for _, n := range w.Nodes {
			if !inBody[n.ID] || placed[n.ID] || indegree[n.ID] > 0 {
				continue
			}
			placed[n.ID] = true
			order = append(order, n.ID)
			for _, to := range succs[n.ID] {
				indegree[to]--
			}
			progressed = true
		}
		if !progressed {
			// Validation rules out cycles; keep declaration order if one
			// slips through.
			for _, n := range w.Nodes {
				if inBody[n.ID] && !placed[n.ID] {
					placed[n.ID] = true
					order = append(order, n.ID)
				}
			}
		}
	}
	return order
}

// settleSuccess completes the record and reports the terminal outcome.
func (e *Engine) settleSuccess(ctx context.Context, r *run, node *core.Node, recID string, out map[string]any, bodyOuts map[string]map[string]any, degraded bool) attemptOutcome {
	if err := r.plan.Update(recID, func(rec *core.NodeExecution) error {
		return rec.Complete(out)
	}); err != nil {
		return e.settleFailed(ctx, r, node, recID, core.AsError(err, node.ID))
	}
	e.persistNode(ctx, r, recID)

	rec := r.plan.Record(recID)
	payload := map[string]any{
		"duration_ms": rec.Duration().Milliseconds(),
		"retry_count": rec.RetryCount,
	}
	if degraded {
		payload["degraded"] = true
	}
	e.emitter.Emit(ctx, core.NewEvent(r.exec.ID, core.EventNodeCompleted).
		WithNode(recID).WithPayload(payload))
	e.observeNode(r, node, recID, core.NodeSuccess)
	logger.Debug(ctx, "Node completed",
		tag.Node(recID), tag.Duration(rec.Duration()), tag.Attempt(rec.RetryCount+1))
	return attemptOutcome{status: core.NodeSuccess, output: rec.Output, bodyOutputs: bodyOuts}
}

// settleFailed fails the record and reports the terminal outcome.
func (e *Engine) settleFailed(ctx context.Context, r *run, node *core.Node, recID string, cause *core.Error) attemptOutcome {
	if err := r.plan.Update(recID, func(rec *core.NodeExecution) error {
		return rec.Fail(cause)
	}); err != nil {
		logger.Error(ctx, "Failed to record node failure", tag.Node(recID), tag.Error(err))
	}
	e.persistNode(ctx, r, recID)

	rec := r.plan.Record(recID)
	e.emitter.Emit(ctx, core.NewEvent(r.exec.ID, core.EventNodeFailed).
		WithNode(recID).
		WithPayload(map[string]any{
			"kind":        string(cause.Kind),
			"message":     cause.Message,
			"retryable":   cause.Retryable,
			"retry_count": rec.RetryCount,
		}))
	e.observeNode(r, node, recID, core.NodeFailed)
	logger.Error(ctx, "Node failed", tag.Node(recID), tag.Error(cause))
	return attemptOutcome{status: core.NodeFailed, err: cause}
}

// settleCancelled parks the record in the cancelled status. There is no
// node-level cancellation event; the execution-level one covers it.
func (e *Engine) settleCancelled(ctx context.Context, r *run, node *core.Node, recID string, cause *core.Error) {
	if err := r.plan.Update(recID, func(rec *core.NodeExecution) error {
		rec.Error = cause
		return rec.Cancel()
	}); err != nil {
		logger.Error(ctx, "Failed to record node cancellation", tag.Node(recID), tag.Error(err))
	}
	e.persistNode(context.WithoutCancel(ctx), r, recID)
	e.observeNode(r, node, recID, core.NodeCancelled)
}

// observeNode feeds the node metrics at settle time.
func (e *Engine) observeNode(r *run, node *core.Node, recID string, status core.NodeStatus) {
	var dur time.Duration
	if rec := r.plan.Record(recID); rec != nil {
		dur = rec.Duration()
	}
	e.metrics.NodeExecuted(string(node.Kind), status.String(), dur)
}

// appendRecord persists a freshly created record, typically an iteration.
func (e *Engine) appendRecord(ctx context.Context, rec *core.NodeExecution) {
	if e.repo == nil || rec == nil {
		return
	}
	if err := e.repo.AppendNode(ctx, rec); err != nil {
		logger.Error(ctx, "Failed to persist node execution",
			tag.Execution(rec.ExecutionID), tag.Node(rec.NodeID), tag.Error(err))
	}
}

// nodeOutput reads nodes.<id>.output from a context snapshot.
func nodeOutput(snapshot map[string]any, id string) (map[string]any, bool) {
	nodes, ok := snapshot[eval.BranchNodes].(map[string]any)
	if !ok {
		return nil, false
	}
	entry, ok := nodes[id].(map[string]any)
	if !ok {
		return nil, false
	}
	out, ok := entry["output"].(map[string]any)
	return out, ok
}

// anyValue keeps JSON-persisted payloads free of typed nils.
func anyValue(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// sleepDelay waits out a backoff delay, returning early on cancellation.
func sleepDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
