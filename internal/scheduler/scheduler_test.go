package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
)

type runLog struct {
	mu    sync.Mutex
	order []string
}

func (r *runLog) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, id)
}

func (r *runLog) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *runLog) contains(id string) bool {
	for _, v := range r.list() {
		if v == id {
			return true
		}
	}
	return false
}

func toolNode(id, toolID string) *core.Node {
	return &core.Node{ID: id, Kind: core.NodeTool, Config: map[string]any{"tool_id": toolID}}
}

func agentNode(id, agentID string) *core.Node {
	return &core.Node{ID: id, Kind: core.NodeAgent, Config: map[string]any{"agent_id": agentID}}
}

func recordTask(log *runLog, execID string, node *core.Node, priority int) *Task {
	return &Task{
		ExecutionID: execID,
		Node:        node,
		Priority:    priority,
		Run:         func(context.Context) { log.add(node.ID) },
	}
}

func TestDispatchOrderByPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{MaxConcurrent: 1}, nil)
	log := &runLog{}

	require.NoError(t, s.Submit(ctx, recordTask(log, "e1", toolNode("low", "t"), 0)))
	require.NoError(t, s.Submit(ctx, recordTask(log, "e1", toolNode("high", "t"), 5)))
	require.NoError(t, s.Submit(ctx, recordTask(log, "e1", toolNode("mid", "t"), 3)))

	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	require.Eventually(t, func() bool { return len(log.list()) == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"high", "mid", "low"}, log.list())
}

func TestDispatchFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{MaxConcurrent: 1}, nil)
	log := &runLog{}

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Submit(ctx, recordTask(log, "e1", toolNode(id, "t"), 0)))
	}

	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	require.Eventually(t, func() bool { return len(log.list()) == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, log.list())
}

func TestGlobalCapEnforced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{MaxConcurrent: 2}, nil)

	gate := make(chan struct{})
	var mu sync.Mutex
	running, peak, done := 0, 0, 0

	for i := 0; i < 5; i++ {
		err := s.Submit(ctx, &Task{
			ExecutionID: "e1",
			Node:        toolNode(string(rune('a'+i)), "t"),
			Run: func(context.Context) {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				<-gate
				mu.Lock()
				running--
				done++
				mu.Unlock()
			},
		})
		require.NoError(t, err)
	}

	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Running == 2 && st.QueueDepth == 3
	}, 2*time.Second, 10*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
}

func TestPerKindCapDoesNotBlockOtherKinds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{
		MaxConcurrent: 10,
		MaxPerKind:    map[core.NodeKind]int{core.NodeAgent: 1},
	}, nil)

	gate := make(chan struct{})
	log := &runLog{}

	require.NoError(t, s.Submit(ctx, &Task{
		ExecutionID: "e1",
		Node:        agentNode("agent-a", "m1"),
		Run: func(context.Context) {
			log.add("agent-a")
			<-gate
		},
	}))
	require.NoError(t, s.Submit(ctx, recordTask(log, "e1", agentNode("agent-b", "m1"), 0)))
	require.NoError(t, s.Submit(ctx, recordTask(log, "e1", toolNode("tool-c", "t"), 0)))

	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	// The second agent is capped out, but the tool proceeds past it.
	require.Eventually(t, func() bool { return log.contains("tool-c") },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, log.contains("agent-b"))
	assert.Equal(t, 1, s.Stats().QueueDepth)

	close(gate)
	require.Eventually(t, func() bool { return log.contains("agent-b") },
		2*time.Second, 10*time.Millisecond)
}

func TestPerAgentCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{
		MaxConcurrent: 10,
		MaxPerAgent:   map[string]int{"gpt4": 1},
	}, nil)

	gate := make(chan struct{})
	log := &runLog{}

	require.NoError(t, s.Submit(ctx, &Task{
		ExecutionID: "e1",
		Node:        agentNode("first", "gpt4"),
		Run: func(context.Context) {
			log.add("first")
			<-gate
		},
	}))
	require.NoError(t, s.Submit(ctx, recordTask(log, "e1", agentNode("second", "gpt4"), 0)))
	require.NoError(t, s.Submit(ctx, recordTask(log, "e1", agentNode("other", "claude"), 0)))

	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	require.Eventually(t, func() bool { return log.contains("other") },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, log.contains("second"))
	assert.Equal(t, 1, s.Stats().RunningPerAgent["gpt4"])

	close(gate)
	require.Eventually(t, func() bool { return log.contains("second") },
		2*time.Second, 10*time.Millisecond)
}

func TestRateLimitWaitDoesNotHoldSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{MaxConcurrent: 1}, nil)
	s.SetRateLimit("tool:limited", RateLimit{Capacity: 1, Refill: 1, Interval: 300 * time.Millisecond})

	log := &runLog{}
	var limitedAt time.Time

	require.NoError(t, s.Submit(ctx, recordTask(log, "e1", toolNode("t1", "limited"), 0)))
	require.NoError(t, s.Submit(ctx, &Task{
		ExecutionID: "e1",
		Node:        toolNode("t2", "limited"),
		Run: func(context.Context) {
			limitedAt = time.Now()
			log.add("t2")
		},
	}))
	require.NoError(t, s.Submit(ctx, recordTask(log, "e1", toolNode("t3", "free"), 0)))

	start := time.Now()
	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	require.Eventually(t, func() bool { return len(log.list()) == 3 },
		2*time.Second, 10*time.Millisecond)

	// t2 waited on its token without holding the single slot, so t3 ran
	// in between even though it was submitted last.
	assert.Equal(t, []string{"t1", "t3", "t2"}, log.list())
	assert.GreaterOrEqual(t, limitedAt.Sub(start), 250*time.Millisecond)
}

func TestCancelExecutionPendingRunsWithCancelledContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{MaxConcurrent: 1}, nil)

	gate := make(chan struct{})
	defer close(gate)

	require.NoError(t, s.Submit(ctx, &Task{
		ExecutionID: "keep",
		Node:        toolNode("blocker", "t"),
		Run:         func(context.Context) { <-gate },
	}))

	var mu sync.Mutex
	sawCancelled := map[string]bool{}
	for _, id := range []string{"p1", "p2"} {
		node := toolNode(id, "t")
		require.NoError(t, s.Submit(ctx, &Task{
			ExecutionID: "victim",
			Node:        node,
			Run: func(runCtx context.Context) {
				mu.Lock()
				sawCancelled[node.ID] = runCtx.Err() != nil
				mu.Unlock()
			},
		}))
	}

	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	require.Eventually(t, func() bool { return s.Stats().Running == 1 },
		2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, s.CancelExecution(ctx, "victim"))

	// The cancelled tasks run with a dead context while the blocker still
	// holds the only slot.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sawCancelled) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.True(t, sawCancelled["p1"])
	assert.True(t, sawCancelled["p2"])
	mu.Unlock()
	assert.Equal(t, 0, s.Stats().QueueDepth)
}

func TestCancelExecutionInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{MaxConcurrent: 1}, nil)

	started := make(chan struct{})
	require.NoError(t, s.Submit(ctx, &Task{
		ExecutionID: "e1",
		Node:        toolNode("n1", "t"),
		Run: func(runCtx context.Context) {
			close(started)
			<-runCtx.Done()
		},
	}))

	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	assert.Equal(t, 1, s.CancelExecution(ctx, "e1"))
	require.Eventually(t, func() bool { return s.Stats().Running == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{}, nil)

	err := s.Submit(ctx, &Task{})
	require.Error(t, err)
	var typed *core.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, core.ErrKindValidation, typed.Kind)
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{}, nil)
	s.Start(ctx)
	require.NoError(t, s.Stop(ctx))

	err := s.Submit(ctx, recordTask(&runLog{}, "e1", toolNode("n1", "t"), 0))
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopWaitsForInflight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{}, nil)
	log := &runLog{}

	require.NoError(t, s.Submit(ctx, &Task{
		ExecutionID: "e1",
		Node:        toolNode("slow", "t"),
		Run: func(context.Context) {
			time.Sleep(50 * time.Millisecond)
			log.add("slow")
		},
	}))

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Stats().Running == 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, []string{"slow"}, log.list())
}

func TestStopHonorsContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{}, nil)
	gate := make(chan struct{})
	defer close(gate)

	require.NoError(t, s.Submit(ctx, &Task{
		ExecutionID: "e1",
		Node:        toolNode("stuck", "t"),
		Run:         func(context.Context) { <-gate },
	}))

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Stats().Running == 1 },
		2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := s.Stop(stopCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatsSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Quota{MaxConcurrent: 3}, nil)
	gate := make(chan struct{})
	defer close(gate)

	require.NoError(t, s.Submit(ctx, &Task{
		ExecutionID: "e1",
		Node:        agentNode("a1", "gpt4"),
		Run:         func(context.Context) { <-gate },
	}))

	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	require.Eventually(t, func() bool { return s.Stats().Running == 1 },
		2*time.Second, 10*time.Millisecond)

	st := s.Stats()
	assert.Equal(t, 3, st.MaxConcurrent)
	assert.Equal(t, 1, st.RunningPerKind[core.NodeAgent])
	assert.Equal(t, 1, st.RunningPerAgent["gpt4"])
	assert.Equal(t, 0, st.QueueDepth)
}
