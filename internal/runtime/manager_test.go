package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/eventbus"
	"github.com/luomaohao/agentRun/internal/runtime/executor"
)

// memFlows is an in-memory core.WorkflowRepo keyed by name:version.
type memFlows struct {
	flows map[string]*core.Workflow
}

func newMemFlows() *memFlows {
	return &memFlows{flows: map[string]*core.Workflow{}}
}

func (r *memFlows) Save(_ context.Context, w *core.Workflow) error {
	r.flows[w.Ref()] = w
	return nil
}

func (r *memFlows) LoadByID(_ context.Context, id string) (*core.Workflow, error) {
	for _, w := range r.flows {
		if w.ID == id {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: id %s", core.ErrWorkflowNotFound, id)
}

func (r *memFlows) LoadByNameVersion(_ context.Context, name, version string) (*core.Workflow, error) {
	if version == "" || version == "latest" {
		for _, w := range r.flows {
			if w.Name == name {
				return w, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, name)
	}
	if w, ok := r.flows[name+":"+version]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("%w: %s:%s", core.ErrWorkflowNotFound, name, version)
}

func (r *memFlows) List(_ context.Context) ([]*core.Workflow, error) {
	out := make([]*core.Workflow, 0, len(r.flows))
	for _, w := range r.flows {
		out = append(out, w)
	}
	return out, nil
}

func (r *memFlows) Delete(_ context.Context, name, version string) error {
	delete(r.flows, name+":"+version)
	return nil
}

// managerHarness wires a manager, engine, and both repos around one shared
// emitter, the same shape the runtime context assembles in production.
type managerHarness struct {
	repo  *memRepo
	flows *memFlows
	reg   *executor.Registry
	eng   *Engine
	mgr   *Manager
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	repo := newMemRepo()
	flows := newMemFlows()
	reg := executor.NewRegistry()
	em := eventbus.NewEmitter(nil, repo)
	eng := New(Config{Executors: reg, Emitter: em, Repo: repo})
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	mgr, err := NewManager(ManagerConfig{
		Workflows:  flows,
		Executions: repo,
		Engine:     eng,
		Emitter:    em,
	})
	require.NoError(t, err)
	return &managerHarness{repo: repo, flows: flows, reg: reg, eng: eng, mgr: mgr}
}

func (h *managerHarness) save(t *testing.T, doc string) *core.Workflow {
	t.Helper()
	w := mustParse(t, doc)
	require.NoError(t, h.flows.Save(context.Background(), w))
	return w
}

func TestManagerSubmitAndWait(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t)
	h.save(t, `
name: greeter
nodes:
  - id: hello
    type: tool
    config: {tool_id: echo}
  - id: reply
    type: tool
    config: {tool_id: echo}
    depends_on: [hello]
    inputs: {note: "${nodes.hello.output.note} there"}
`)
	h.reg.Register(core.NodeTool, executor.Func(func(_ context.Context, req executor.Request) (map[string]any, error) {
		if req.Node.ID == "hello" {
			return map[string]any{"note": "hi"}, nil
		}
		return map[string]any{"note": req.Input["note"]}, nil
	}))

	exec, err := h.mgr.Submit(context.Background(), "greeter", "1.0.0", nil, core.TriggerManual)
	require.NoError(t, err)
	require.NotEmpty(t, exec.ID)

	got, err := h.mgr.Wait(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Completed, got.Status)
	assert.Equal(t, map[string]any{"note": "hi there"}, got.Output)

	record, err := h.mgr.Status(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, record.Nodes, 2)
	for _, rec := range record.Nodes {
		assert.Equal(t, core.NodeSuccess, rec.Status, rec.NodeID)
	}

	events, err := h.mgr.Events(context.Background(), exec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, core.EventExecutionCreated, events[0].Type)
	assert.Equal(t, core.EventExecutionStarted, events[1].Type)
	assert.Equal(t, core.EventExecutionCompleted, events[len(events)-1].Type)
	assert.EqualValues(t, 1, events[0].Seq)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq,
			"manager and engine must share one sequence")
	}

	listed, err := h.mgr.List(context.Background(), "greeter")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, exec.ID, listed[0].ID)
}

func TestManagerSubmitUnknownWorkflow(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t)
	_, err := h.mgr.Submit(context.Background(), "ghost", "1.0.0", nil, core.TriggerAPI)
	require.ErrorIs(t, err, core.ErrWorkflowNotFound)
}

func TestManagerCancelLiveExecution(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t)
	h.save(t, `
name: longhaul
nodes:
  - {id: block, type: tool, config: {tool_id: block}}
`)
	started := make(chan struct{})
	h.reg.Register(core.NodeTool, executor.Func(func(ctx context.Context, _ executor.Request) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	exec, err := h.mgr.Submit(context.Background(), "longhaul", "1.0.0", nil, core.TriggerManual)
	require.NoError(t, err)

	<-started
	require.NoError(t, h.mgr.Cancel(context.Background(), exec.ID))

	got, err := h.mgr.Wait(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Cancelled, got.Status)

	events, err := h.mgr.Events(context.Background(), exec.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, core.EventExecutionCancelled, last.Type)
	assert.Equal(t, "cancelled", last.Payload["reason"])
}

func TestManagerSuspendResumeLifecycle(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t)
	h.save(t, `
name: pausable
nodes:
  - {id: gather, type: tool, config: {tool_id: step}}
  - id: publish
    type: tool
    config: {tool_id: step}
    depends_on: [gather]
    inputs: {seen: "${nodes.gather.output.token}"}
`)
	h.reg.Register(core.NodeTool, executor.Func(func(ctx context.Context, req executor.Request) (map[string]any, error) {
		if req.Node.ID == "gather" {
			// Park the execution from inside a node; the engine drains
			// this attempt before suspending.
			_ = h.mgr.Suspend(ctx, req.ExecutionID)
			return map[string]any{"token": "t-1"}, nil
		}
		return map[string]any{"finished": req.Input["seen"]}, nil
	}))

	exec, err := h.mgr.Submit(context.Background(), "pausable", "1.0.0", nil, core.TriggerManual)
	require.NoError(t, err)

	got, err := h.mgr.Wait(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, core.Suspended, got.Status)

	// Suspending an already-suspended execution is a no-op.
	require.NoError(t, h.mgr.Suspend(context.Background(), exec.ID))

	resumed, err := h.mgr.Resume(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, resumed.ID)

	got, err = h.mgr.Wait(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Completed, got.Status)
	assert.Equal(t, map[string]any{"finished": "t-1"}, got.Output)

	events, err := h.mgr.Events(context.Background(), exec.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, eventIndex(events, core.EventExecutionSuspended, ""), 0)
	require.GreaterOrEqual(t, eventIndex(events, core.EventExecutionResumed, ""), 0)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq,
			"sequence must continue across suspension")
	}

	_, err = h.mgr.Resume(context.Background(), exec.ID)
	require.ErrorIs(t, err, core.ErrExecutionNotSuspended)

	err = h.mgr.Suspend(context.Background(), exec.ID)
	require.ErrorIs(t, err, core.ErrExecutionFinished)
}

func TestManagerCancelSettlesStoredSuspended(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t)
	id, err := core.NewExecutionID()
	require.NoError(t, err)
	exec := &core.Execution{
		ID:          id,
		Workflow:    "parked",
		Version:     "1.0.0",
		Status:      core.Pending,
		Trigger:     core.TriggerManual,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, exec.Transition(core.Running))
	require.NoError(t, exec.Transition(core.Suspended))
	require.NoError(t, h.repo.Create(context.Background(), exec))

	require.NoError(t, h.mgr.Cancel(context.Background(), id))
	assert.Equal(t, core.Cancelled, exec.Status)

	record, err := h.repo.Load(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, record.Events, 1)
	assert.Equal(t, core.EventExecutionCancelled, record.Events[0].Type)

	err = h.mgr.Cancel(context.Background(), id)
	require.ErrorIs(t, err, core.ErrExecutionFinished)
}

func TestManagerLaunchSubWorkflow(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t)
	h.save(t, `
name: parent-flow
nodes:
  - id: delegate
    type: sub_workflow
    config: {workflow: child-flow, version: "1.0.0"}
    inputs: {greeting: "${input.greeting}"}
`)
	h.save(t, `
name: child-flow
nodes:
  - id: echo
    type: tool
    config: {tool_id: echo}
    inputs: {msg: "${input.greeting}"}
`)
	h.reg.Register(core.NodeTool, executor.Func(func(_ context.Context, req executor.Request) (map[string]any, error) {
		return map[string]any{"echo": req.Input["msg"]}, nil
	}))
	h.reg.Register(core.NodeSubWorkflow, executor.NewSubWorkflowExecutor(h.mgr))

	exec, err := h.mgr.Submit(context.Background(), "parent-flow", "1.0.0",
		map[string]any{"greeting": "hi"}, core.TriggerManual)
	require.NoError(t, err)

	got, err := h.mgr.Wait(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Completed, got.Status)
	assert.Equal(t, map[string]any{"echo": "hi"}, got.Output)

	children, err := h.repo.ListByWorkflow(context.Background(), "child-flow")
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, exec.ID, child.ParentID)
	assert.Equal(t, core.Completed, child.Status)
	assert.Equal(t, core.TriggerEvent, child.Trigger)
}

func TestManagerSubWorkflowFailurePropagates(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t)
	h.save(t, `
name: outer
nodes:
  - id: delegate
    type: sub_workflow
    config: {workflow: inner, version: "1.0.0"}
`)
	h.save(t, `
name: inner
nodes:
  - {id: crash, type: tool, config: {tool_id: crash}}
`)
	h.reg.Register(core.NodeTool, executor.Func(func(context.Context, executor.Request) (map[string]any, error) {
		return nil, core.NewError(core.ErrKindTool, "inner tool broke")
	}))
	h.reg.Register(core.NodeSubWorkflow, executor.NewSubWorkflowExecutor(h.mgr))

	exec, err := h.mgr.Submit(context.Background(), "outer", "1.0.0", nil, core.TriggerManual)
	require.NoError(t, err)

	got, err := h.mgr.Wait(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Failed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, core.ErrKindTool, got.Error.Kind)
	// The node id names the failing node inside the child, not the parent
	// delegate, so the cause stays diagnosable from the parent record.
	assert.Equal(t, "crash", got.Error.NodeID)
	assert.Contains(t, got.Error.Message, "inner tool broke")

	record, err := h.mgr.Status(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.NodeFailed, record.NodeByID(exec.ID+"/delegate").Status)
}
