package compensation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/eventbus"
)

// recorder is an InvokeFunc that tracks invocation order and fails on demand.
type recorder struct {
	mu    sync.Mutex
	order []string
	fail  map[string]error
}

func (r *recorder) invoke(_ context.Context, entry Entry) (map[string]any, error) {
	r.mu.Lock()
	r.order = append(r.order, entry.ActionRef)
	err := r.fail[entry.ActionRef]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return map[string]any{"undone": entry.NodeID}, nil
}

func (r *recorder) invoked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func seededLog() *Log {
	log := NewLog()
	log.Append("a", "undo-a", map[string]any{"id": 1})
	log.Append("b", "undo-b", map[string]any{"id": 2})
	log.Append("c", "undo-c", map[string]any{"id": 3})
	return log
}

func TestLogAppendOrder(t *testing.T) {
	t.Parallel()

	log := seededLog()
	require.Equal(t, 3, log.Len())

	entries := log.Entries()
	assert.Equal(t, "a", entries[0].NodeID)
	assert.Equal(t, "b", entries[1].NodeID)
	assert.Equal(t, "c", entries[2].NodeID)
	assert.Equal(t, map[string]any{"id": 2}, entries[1].Input)

	// The snapshot is detached from later appends.
	log.Append("d", "undo-d", nil)
	assert.Len(t, entries, 3)
}

func TestRunSequentialReverse(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := NewManager(rec.invoke, nil, nil)

	result := m.Run(context.Background(), "exec-1", nil, seededLog())

	assert.Equal(t, []string{"undo-c", "undo-b", "undo-a"}, rec.invoked())
	assert.True(t, result.Success)
	assert.Equal(t, core.StrategySequentialReverse, result.Strategy)
	require.Len(t, result.Outcomes, 3)
	for _, o := range result.Outcomes {
		assert.Equal(t, StatusCompleted, o.Status)
		assert.Equal(t, 1, o.Attempts)
	}
	assert.Equal(t, map[string]any{"undone": "c"}, result.Outcomes[0].Output)
}

func TestRunAbortOnError(t *testing.T) {
	t.Parallel()

	rec := &recorder{fail: map[string]error{
		"undo-b": core.NewError(core.ErrKindTool, "undo failed"),
	}}
	m := NewManager(rec.invoke, nil, nil)

	plan := &core.CompensationPlan{Strategy: core.StrategySequentialReverse}
	result := m.Run(context.Background(), "exec-1", plan, seededLog())

	// Replay order is c, b, a: b fails and a is never attempted.
	assert.Equal(t, []string{"undo-c", "undo-b"}, rec.invoked())
	assert.False(t, result.Success)
	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, StatusCompleted, result.Outcomes[0].Status)
	assert.Equal(t, StatusFailed, result.Outcomes[1].Status)
	assert.Contains(t, result.Outcomes[1].Error, "undo failed")
	assert.Equal(t, StatusSkipped, result.Outcomes[2].Status)
}

func TestRunContinueOnError(t *testing.T) {
	t.Parallel()

	rec := &recorder{fail: map[string]error{
		"undo-b": core.NewError(core.ErrKindTool, "undo failed"),
	}}
	m := NewManager(rec.invoke, nil, nil)

	plan := &core.CompensationPlan{ContinueOnError: true}
	result := m.Run(context.Background(), "exec-1", plan, seededLog())

	assert.Equal(t, []string{"undo-c", "undo-b", "undo-a"}, rec.invoked())
	assert.False(t, result.Success)
	assert.Equal(t, StatusCompleted, result.Outcomes[0].Status)
	assert.Equal(t, StatusFailed, result.Outcomes[1].Status)
	assert.Equal(t, StatusCompleted, result.Outcomes[2].Status)
}

func TestRunParallelRunsConcurrently(t *testing.T) {
	t.Parallel()

	var barrier sync.WaitGroup
	barrier.Add(3)
	invoke := func(_ context.Context, entry Entry) (map[string]any, error) {
		// Every entry must be in flight before any returns.
		barrier.Done()
		barrier.Wait()
		return map[string]any{"undone": entry.NodeID}, nil
	}
	m := NewManager(invoke, nil, nil)

	plan := &core.CompensationPlan{Strategy: core.StrategyParallel}
	result := m.Run(context.Background(), "exec-1", plan, seededLog())

	assert.True(t, result.Success)
	assert.Len(t, result.Outcomes, 3)
}

func TestRunParallelAbortCancelsPeers(t *testing.T) {
	t.Parallel()

	invoke := func(ctx context.Context, entry Entry) (map[string]any, error) {
		if entry.ActionRef == "undo-a" {
			return nil, core.NewError(core.ErrKindTool, "undo failed")
		}
		// Peers block until the group cancels them.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m := NewManager(invoke, nil, nil)

	plan := &core.CompensationPlan{Strategy: core.StrategyParallel}
	result := m.Run(context.Background(), "exec-1", plan, seededLog())

	assert.False(t, result.Success)
	// The failing entry is failed; peers are failed (cancelled mid-flight)
	// or skipped (never started), never completed.
	for _, o := range result.Outcomes {
		if o.NodeID == "a" {
			assert.Equal(t, StatusFailed, o.Status)
			continue
		}
		assert.NotEqual(t, StatusCompleted, o.Status)
	}
}

func TestRunCustomPlanOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := NewManager(rec.invoke, nil, nil)

	plan := &core.CompensationPlan{
		Strategy: core.StrategyCustomPlan,
		Order:    []string{"b", "a"},
	}
	result := m.Run(context.Background(), "exec-1", plan, seededLog())

	// Named entries first in plan order, then the rest newest-first.
	assert.Equal(t, []string{"undo-b", "undo-a", "undo-c"}, rec.invoked())
	assert.True(t, result.Success)
}

func TestRunEntryRetries(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	invoke := func(_ context.Context, _ Entry) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, core.NewError(core.ErrKindTimeout, "flaky")
		}
		return map[string]any{}, nil
	}
	m := NewManager(invoke, nil, nil)

	log := NewLog()
	log.Append("a", "undo-a", nil)
	plan := &core.CompensationPlan{MaxRetries: 2}
	result := m.Run(context.Background(), "exec-1", plan, log)

	assert.True(t, result.Success)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, 3, result.Outcomes[0].Attempts)
}

func TestRunEntryTimeout(t *testing.T) {
	t.Parallel()

	invoke := func(ctx context.Context, _ Entry) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m := NewManager(invoke, nil, nil)

	log := NewLog()
	log.Append("a", "undo-a", nil)
	plan := &core.CompensationPlan{EntryTimeout: 30 * time.Millisecond}
	result := m.Run(context.Background(), "exec-1", plan, log)

	assert.False(t, result.Success)
	assert.Equal(t, StatusFailed, result.Outcomes[0].Status)
	assert.Contains(t, result.Outcomes[0].Error, "deadline")
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	emitter := eventbus.NewEmitter(bus, nil)

	var mu sync.Mutex
	var events []*core.Event
	bus.Subscribe(eventbus.TopicAll, func(_ context.Context, ev *core.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})

	rec := &recorder{}
	m := NewManager(rec.invoke, emitter, nil)
	result := m.Run(context.Background(), "exec-1", nil, seededLog())
	require.True(t, result.Success)

	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	byType := map[core.EventType]*core.Event{}
	for _, ev := range events {
		byType[ev.Type] = ev
	}
	started := byType[core.EventCompensationStarted]
	require.NotNil(t, started)
	assert.Equal(t, 3, started.Payload["entries"])

	completed := byType[core.EventCompensationCompleted]
	require.NotNil(t, completed)
	assert.Equal(t, true, completed.Payload["success"])
	assert.Equal(t, 3, completed.Payload["completed"])
}

func TestRunEmptyLog(t *testing.T) {
	t.Parallel()

	m := NewManager(func(_ context.Context, _ Entry) (map[string]any, error) {
		t.Fatal("invoke must not run for an empty log")
		return nil, nil
	}, nil, nil)

	result := m.Run(context.Background(), "exec-1", nil, NewLog())
	assert.True(t, result.Success)
	assert.Empty(t, result.Outcomes)
}
