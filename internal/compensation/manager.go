package compensation

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/eventbus"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/metrics"
)

const (
	// DefaultEntryTimeout bounds compensating actions whose plan names none.
	DefaultEntryTimeout = 30 * time.Second

	// retryDelay is the pause between best-effort retries of one entry.
	retryDelay = 100 * time.Millisecond
)

// Status is the terminal state of one compensation entry.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome records what happened to one log entry during a run.
type Outcome struct {
	NodeID    string         `json:"node_id"`
	ActionRef string         `json:"action_ref"`
	Status    Status         `json:"status"`
	Attempts  int            `json:"attempts,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Result is the overall outcome of a compensation run. Success requires
// every entry to have completed.
type Result struct {
	ExecutionID string                    `json:"execution_id"`
	Strategy    core.CompensationStrategy `json:"strategy"`
	Outcomes    []Outcome                 `json:"outcomes"`
	Success     bool                      `json:"success"`
}

func (r *Result) count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// InvokeFunc runs one compensating action. The engine supplies it, backed by
// the executor registry, so compensation nodes run like any other node.
type InvokeFunc func(ctx context.Context, entry Entry) (map[string]any, error)

// Manager replays compensation logs. One manager serves every execution; all
// per-run state lives in the log and plan passed to Run.
type Manager struct {
	invoke  InvokeFunc
	emitter *eventbus.Emitter
	metrics *metrics.Metrics
}

// NewManager creates a compensation manager. emitter and m may be nil.
func NewManager(invoke InvokeFunc, emitter *eventbus.Emitter, m *metrics.Metrics) *Manager {
	return &Manager{invoke: invoke, emitter: emitter, metrics: m}
}

// Run replays the log against the plan and reports per-entry outcomes.
// A nil plan means sequential_reverse with defaults. Entries that were not
// attempted, because an earlier failure aborted the run or the context was
// cancelled, are reported skipped.
func (m *Manager) Run(ctx context.Context, executionID string, plan *core.CompensationPlan, log *Log) *Result {
	p := effectivePlan(plan)
	entries := orderEntries(p, log.Entries())

	result := &Result{
		ExecutionID: executionID,
		Strategy:    p.Strategy,
		Outcomes:    make([]Outcome, len(entries)),
	}

	logger.Info(ctx, "Compensation started",
		tag.Execution(executionID), tag.Strategy(string(p.Strategy)), tag.Count(len(entries)))
	m.emit(ctx, executionID, core.EventCompensationStarted, map[string]any{
		"strategy": string(p.Strategy),
		"entries":  len(entries),
	})

	if p.Strategy == core.StrategyParallel {
		m.runParallel(ctx, p, entries, result)
	} else {
		m.runSequential(ctx, p, entries, result)
	}

	result.Success = result.count(StatusCompleted) == len(entries)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	m.metrics.CompensationRun(outcome)
	m.emit(ctx, executionID, core.EventCompensationCompleted, map[string]any{
		"success":   result.Success,
		"completed": result.count(StatusCompleted),
		"failed":    result.count(StatusFailed),
		"skipped":   result.count(StatusSkipped),
	})
	logger.Info(ctx, "Compensation finished",
		tag.Execution(executionID), tag.Status(outcome), tag.Count(len(entries)))
	return result
}

func (m *Manager) runSequential(ctx context.Context, plan core.CompensationPlan, entries []Entry, result *Result) {
	aborted := false
	for i, entry := range entries {
		if aborted || ctx.Err() != nil {
			result.Outcomes[i] = Outcome{
				NodeID: entry.NodeID, ActionRef: entry.ActionRef, Status: StatusSkipped,
			}
			continue
		}
		result.Outcomes[i] = m.runEntry(ctx, plan, entry)
		if result.Outcomes[i].Status == StatusFailed && !plan.ContinueOnError {
			aborted = true
		}
	}
}

func (m *Manager) runParallel(ctx context.Context, plan core.CompensationPlan, entries []Entry, result *Result) {
	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range entries {
		g.Go(func() error {
			if gctx.Err() != nil {
				result.Outcomes[i] = Outcome{
					NodeID: entry.NodeID, ActionRef: entry.ActionRef, Status: StatusSkipped,
				}
				return nil
			}
			result.Outcomes[i] = m.runEntry(gctx, plan, entry)
			if result.Outcomes[i].Status == StatusFailed && !plan.ContinueOnError {
				// Cancels the group so unstarted entries are skipped.
				return core.NewError(core.ErrKindCompensation, "entry %s failed", entry.NodeID)
			}
			return nil
		})
	}
	_ = g.Wait() // outcomes carry the per-entry errors
}

// runEntry invokes one compensating action under the plan's entry timeout,
// retrying up to MaxRetries extra times.
func (m *Manager) runEntry(ctx context.Context, plan core.CompensationPlan, entry Entry) Outcome {
	outcome := Outcome{NodeID: entry.NodeID, ActionRef: entry.ActionRef}

	attempts := 1 + plan.MaxRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		outcome.Attempts = attempt

		entryCtx, cancel := context.WithTimeout(ctx, plan.EntryTimeout)
		output, err := m.invoke(entryCtx, entry)
		cancel()

		if err == nil {
			outcome.Status = StatusCompleted
			outcome.Output = output
			return outcome
		}
		lastErr = err
		logger.Warn(ctx, "Compensating action failed",
			tag.Node(entry.ActionRef), tag.Attempt(attempt), tag.Error(err))

		if attempt < attempts && sleep(ctx, retryDelay) != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	outcome.Status = StatusFailed
	outcome.Error = core.AsError(lastErr, entry.ActionRef).Error()
	return outcome
}

// effectivePlan fills plan defaults; a nil plan compensates sequentially in
// reverse with no retries.
func effectivePlan(plan *core.CompensationPlan) core.CompensationPlan {
	p := core.CompensationPlan{}
	if plan != nil {
		p = *plan
	}
	if p.Strategy == "" {
		p.Strategy = core.StrategySequentialReverse
	}
	if p.EntryTimeout <= 0 {
		p.EntryTimeout = DefaultEntryTimeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// orderEntries arranges the log for replay. sequential_reverse walks the log
// newest first. custom_plan follows the plan's order; entries the order does
// not name run afterward, newest first, so nothing is dropped. parallel
// keeps commit order, which the concurrent run does not depend on.
func orderEntries(plan core.CompensationPlan, entries []Entry) []Entry {
	switch plan.Strategy {
	case core.StrategyParallel:
		return entries
	case core.StrategyCustomPlan:
		position := make(map[string]int, len(plan.Order))
		for i, id := range plan.Order {
			position[id] = i
		}
		var named, rest []Entry
		for _, e := range entries {
			if _, ok := position[e.NodeID]; ok {
				named = append(named, e)
			} else {
				rest = append(rest, e)
			}
		}
		slices.SortStableFunc(named, func(a, b Entry) int {
			return position[a.NodeID] - position[b.NodeID]
		})
		slices.Reverse(rest)
		return append(named, rest...)
	default:
		reversed := slices.Clone(entries)
		slices.Reverse(reversed)
		return reversed
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) emit(ctx context.Context, executionID string, typ core.EventType, payload map[string]any) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(ctx, core.NewEvent(executionID, typ).WithPayload(payload))
}
