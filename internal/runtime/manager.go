package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/eventbus"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/runtime/executor"
)

// RetentionAuditor records retention sweeps in the audit trail.
type RetentionAuditor interface {
	LogRetention(ctx context.Context, removed int) error
}

// ManagerConfig wires the manager's collaborators. Workflows and Executions
// are required; a nil engine gets a default built on the same repo.
type ManagerConfig struct {
	Workflows  core.WorkflowRepo
	Executions core.ExecutionRepo
	Engine     *Engine
	Emitter    *eventbus.Emitter

	// RetentionSpec is a cron expression for the retention sweep; empty
	// disables it. Retention is the age past which executions are removed.
	RetentionSpec string
	Retention     time.Duration
	// Audit, when set, records what each sweep removed.
	Audit RetentionAuditor
}

// Manager owns execution lifecycles: it submits, watches, cancels, suspends
// and resumes executions, launches sub-workflows for the engine, and runs
// the retention sweep.
type Manager struct {
	flows     core.WorkflowRepo
	repo      core.ExecutionRepo
	engine    *Engine
	emitter   *eventbus.Emitter
	cron      *cron.Cron
	retention time.Duration
	audit     RetentionAuditor

	mu   sync.Mutex
	live map[string]*liveRun
	wg   sync.WaitGroup
}

// liveRun tracks one in-process execution.
type liveRun struct {
	exec   *core.Execution
	cancel context.CancelFunc
	done   chan struct{}
}

var _ executor.Launcher = (*Manager)(nil)

// NewManager builds a manager. It returns an error for a missing repo or an
// invalid retention spec.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Workflows == nil {
		return nil, core.NewError(core.ErrKindValidation, "workflow repository is required")
	}
	if cfg.Executions == nil {
		return nil, core.NewError(core.ErrKindValidation, "execution repository is required")
	}
	m := &Manager{
		flows:     cfg.Workflows,
		repo:      cfg.Executions,
		engine:    cfg.Engine,
		emitter:   cfg.Emitter,
		retention: cfg.Retention,
		audit:     cfg.Audit,
		live:      map[string]*liveRun{},
	}
	if m.emitter == nil {
		m.emitter = eventbus.NewEmitter(nil, cfg.Executions)
	}
	if m.engine == nil {
		m.engine = New(Config{Repo: cfg.Executions, Emitter: m.emitter})
	}
	if cfg.RetentionSpec != "" && cfg.Retention > 0 {
		c := cron.New()
		if _, err := c.AddFunc(cfg.RetentionSpec, m.sweepRetention); err != nil {
			return nil, core.NewError(core.ErrKindValidation,
				"invalid retention spec %q: %v", cfg.RetentionSpec, err)
		}
		m.cron = c
	}
	return m, nil
}

// Start begins background work, currently just the retention sweep.
func (m *Manager) Start(ctx context.Context) {
	if m.cron != nil {
		m.cron.Start()
		logger.Info(ctx, "Retention sweep scheduled", tag.Duration(m.retention))
	}
}

// Stop halts background work and waits for live executions to settle, up to
// the context deadline. Executions still running after that keep running;
// their persistence is crash-consistent either way.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	settled := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit creates an execution for the named workflow version and starts it
// asynchronously. The returned execution is live; use Wait to block on it.
func (m *Manager) Submit(ctx context.Context, name, version string, input map[string]any, trigger core.TriggerType) (*core.Execution, error) {
	w, err := m.flows.LoadByNameVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}
	exec, err := core.NewExecution(w, input, trigger)
	if err != nil {
		return nil, err
	}
	if err := m.repo.Create(ctx, exec); err != nil {
		return nil, err
	}
	m.emitter.Emit(ctx, core.NewEvent(exec.ID, core.EventExecutionCreated).
		WithPayload(map[string]any{
			"workflow": w.Name,
			"version":  w.Version,
			"trigger":  string(trigger),
		}))
	logger.Info(ctx, "Execution submitted",
		tag.Execution(exec.ID), tag.Workflow(w.Name), tag.Version(w.Version))

	m.launch(w, exec, nil)
	return exec, nil
}

// Wait blocks until the execution leaves the manager (terminal or
// suspended) and returns its persisted state.
func (m *Manager) Wait(ctx context.Context, executionID string) (*core.Execution, error) {
	m.mu.Lock()
	lr := m.live[executionID]
	m.mu.Unlock()
	if lr != nil {
		select {
		case <-lr.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	record, err := m.repo.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return record.Execution, nil
}

// Status returns the full persisted record: execution, nodes, and lineage.
func (m *Manager) Status(ctx context.Context, executionID string) (*core.ExecutionRecord, error) {
	return m.repo.Load(ctx, executionID)
}

// Events returns the execution's lineage ordered by sequence number.
func (m *Manager) Events(ctx context.Context, executionID string) ([]*core.Event, error) {
	record, err := m.repo.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	events := record.Events
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// List returns executions for a workflow name, newest first per the repo.
func (m *Manager) List(ctx context.Context, workflow string, opts ...core.ListExecutionsOption) ([]*core.Execution, error) {
	return m.repo.ListByWorkflow(ctx, workflow, opts...)
}

// Cancel stops an execution. A live run is cancelled through its context; a
// suspended or stuck one is settled directly in the store.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	m.mu.Lock()
	lr := m.live[executionID]
	m.mu.Unlock()
	if lr != nil {
		lr.cancel()
		logger.Info(ctx, "Execution cancel requested", tag.Execution(executionID))
		return nil
	}

	record, err := m.repo.Load(ctx, executionID)
	if err != nil {
		return err
	}
	exec := record.Execution
	if exec.Status.IsTerminal() {
		return fmt.Errorf("%w: execution %s is %s", core.ErrExecutionFinished, executionID, exec.Status)
	}
	var lastSeq int64
	for _, ev := range record.Events {
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
	}
	m.emitter.Prime(executionID, lastSeq)
	if err := exec.Transition(core.Cancelled); err != nil {
		return err
	}
	if err := m.repo.Update(ctx, exec); err != nil {
		return err
	}
	m.emitter.Emit(ctx, core.NewEvent(executionID, core.EventExecutionCancelled).
		WithPayload(map[string]any{"reason": "cancelled"}))
	m.emitter.Release(executionID)
	logger.Info(ctx, "Execution cancelled", tag.Execution(executionID), tag.Status(exec.Status.String()))
	return nil
}

// Suspend asks a live execution to drain and park.
func (m *Manager) Suspend(ctx context.Context, executionID string) error {
	if m.engine.Suspend(executionID) {
		logger.Info(ctx, "Execution suspend requested", tag.Execution(executionID))
		return nil
	}
	record, err := m.repo.Load(ctx, executionID)
	if err != nil {
		return err
	}
	switch {
	case record.Execution.Status == core.Suspended:
		return nil
	case record.Execution.Status.IsTerminal():
		return fmt.Errorf("%w: execution %s is %s",
			core.ErrExecutionFinished, executionID, record.Execution.Status)
	case record.Execution.Status == core.Running:
		return core.NewError(core.ErrKindState,
			"execution %s is running outside this process", executionID)
	default:
		return core.NewError(core.ErrKindState,
			"execution %s is %s and cannot suspend", executionID, record.Execution.Status)
	}
}

// Resume restarts a suspended execution asynchronously and returns its
// refreshed record. Resuming anything not suspended is an error, including
// an execution that is already live again.
func (m *Manager) Resume(ctx context.Context, executionID string) (*core.Execution, error) {
	m.mu.Lock()
	_, isLive := m.live[executionID]
	m.mu.Unlock()
	if isLive {
		return nil, fmt.Errorf("%w: execution %s is running", core.ErrExecutionNotSuspended, executionID)
	}

	record, err := m.repo.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if record.Execution.Status != core.Suspended {
		return nil, fmt.Errorf("%w: execution %s is %s",
			core.ErrExecutionNotSuspended, executionID, record.Execution.Status)
	}
	w, err := m.flows.LoadByNameVersion(ctx, record.Execution.Workflow, record.Execution.Version)
	if err != nil {
		return nil, err
	}
	m.launch(w, record.Execution, record)
	return record.Execution, nil
}

// LaunchSubWorkflow runs a child workflow to completion inside a parent
// node's task. It blocks, inherits the parent node's deadline through ctx,
// and maps the child's terminal state onto the parent node's result.
func (m *Manager) LaunchSubWorkflow(ctx context.Context, parentExecutionID string, cfg core.SubWorkflowConfig, input map[string]any) (map[string]any, error) {
	w, err := m.flows.LoadByNameVersion(ctx, cfg.Name, cfg.Version)
	if err != nil {
		return nil, err
	}
	exec, err := core.NewExecution(w, input, core.TriggerEvent)
	if err != nil {
		return nil, err
	}
	exec.ParentID = parentExecutionID
	if err := m.repo.Create(ctx, exec); err != nil {
		return nil, err
	}
	m.emitter.Emit(ctx, core.NewEvent(exec.ID, core.EventExecutionCreated).
		WithPayload(map[string]any{
			"workflow":  w.Name,
			"version":   w.Version,
			"parent_id": parentExecutionID,
		}))
	logger.Info(ctx, "Sub-workflow launched",
		tag.Execution(exec.ID), tag.Workflow(w.Name), "parent", parentExecutionID)

	if err := m.engine.Run(ctx, w, exec); err != nil {
		return nil, err
	}
	switch exec.Status {
	case core.Completed:
		return exec.Output, nil
	case core.Cancelled:
		return nil, core.NewError(core.ErrKindCancelled,
			"sub-workflow %s cancelled", w.Ref())
	default:
		if exec.Error != nil {
			return nil, exec.Error
		}
		return nil, core.NewError(core.ErrKindInternal,
			"sub-workflow %s ended %s", w.Ref(), exec.Status)
	}
}

// launch runs an execution on its own goroutine with panic isolation.
// record is non-nil for resumes.
func (m *Manager) launch(w *core.Workflow, exec *core.Execution, record *core.ExecutionRecord) {
	runCtx, cancel := context.WithCancel(context.Background())
	lr := &liveRun{exec: exec, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.live[exec.ID] = lr
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer func() {
			m.mu.Lock()
			delete(m.live, exec.ID)
			m.mu.Unlock()
			close(lr.done)
		}()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error(runCtx, "Execution run panicked",
					tag.Execution(exec.ID),
					tag.Error(fmt.Errorf("%v", rec)),
					"stack", string(debug.Stack()),
				)
			}
		}()

		var err error
		if record != nil {
			err = m.engine.Resume(runCtx, w, record)
		} else {
			err = m.engine.Run(runCtx, w, exec)
		}
		if err != nil {
			logger.Debug(runCtx, "Execution did not start cleanly",
				tag.Execution(exec.ID), tag.Error(err))
		}
	}()
}

// sweepRetention removes executions older than the retention window.
func (m *Manager) sweepRetention() {
	ctx := context.Background()
	removed, err := m.repo.RemoveOld(ctx, m.retention)
	if err != nil {
		logger.Error(ctx, "Retention sweep failed", tag.Error(err))
		return
	}
	if removed > 0 {
		logger.Info(ctx, "Retention sweep removed executions", tag.Count(removed))
		if m.audit != nil {
			if err := m.audit.LogRetention(ctx, removed); err != nil {
				logger.Warn(ctx, "Failed to audit retention sweep", tag.Error(err))
			}
		}
	}
}
