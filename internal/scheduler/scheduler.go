// Package scheduler dispatches ready node tasks under concurrency quotas and
// per-resource rate limits. A single dispatcher goroutine owns the priority
// queue; launched tasks run in their own goroutines and release their slots
// when they return. Slot acquisition is all-or-nothing under one lock, so a
// blocked task never holds a partial reservation, and rate-limit waits happen
// before acquisition so they never hold a slot.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/metrics"
)

// DefaultMaxConcurrent caps in-flight tasks when the quota leaves it zero.
const DefaultMaxConcurrent = 100

// ErrStopped is returned by Submit after the scheduler has been stopped.
var ErrStopped = errors.New("scheduler is stopped")

// Quota bounds concurrent task execution.
type Quota struct {
	// MaxConcurrent is the global cap on in-flight tasks.
	MaxConcurrent int
	// MaxPerKind caps in-flight tasks per node kind.
	MaxPerKind map[core.NodeKind]int
	// MaxPerAgent caps in-flight tasks per agent id.
	MaxPerAgent map[string]int
}

func (q Quota) withDefaults() Quota {
	if q.MaxConcurrent <= 0 {
		q.MaxConcurrent = DefaultMaxConcurrent
	}
	return q
}

// RateLimit is a token bucket: Refill tokens per Interval, holding at most
// Capacity. A zero Interval means one second; a zero Capacity means Refill.
type RateLimit struct {
	Capacity int           `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	Refill   int           `json:"refill,omitempty" yaml:"refill,omitempty"`
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Task is one unit of schedulable work, typically a ready node.
type Task struct {
	ExecutionID string
	Node        *core.Node
	// Priority overrides the node's declared priority when non-zero.
	// Higher dispatches first; ties dispatch in submission order.
	Priority int
	// Run is called exactly once. A task cancelled before dispatch is
	// still run, with an already-cancelled context and no slots held, so
	// owners observe a cancelled invocation rather than silence.
	Run func(ctx context.Context)
}

// Scheduler owns the ready queue and the slot accounting.
type Scheduler struct {
	quota   Quota
	metrics *metrics.Metrics

	mu       sync.Mutex
	queue    taskHeap
	seq      uint64
	usage    usage
	limiters map[string]*rate.Limiter
	byExec   map[string]map[*item]struct{}
	stopped  bool

	running  atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
	kick     chan struct{}
	wg       sync.WaitGroup
}

type usage struct {
	total    int
	perKind  map[core.NodeKind]int
	perAgent map[string]int
}

// New creates a scheduler with the given quota. metrics may be nil.
func New(quota Quota, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		quota:   quota.withDefaults(),
		metrics: m,
		usage: usage{
			perKind:  make(map[core.NodeKind]int),
			perAgent: make(map[string]int),
		},
		limiters: make(map[string]*rate.Limiter),
		byExec:   make(map[string]map[*item]struct{}),
		stopChan: make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// SetRateLimit installs a token bucket for a resource key such as
// "agent:classifier" or "tool:http_request". A non-positive refill removes
// the bucket.
func (s *Scheduler) SetRateLimit(key string, rl RateLimit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl.Refill <= 0 {
		delete(s.limiters, key)
		return
	}
	if rl.Interval <= 0 {
		rl.Interval = time.Second
	}
	if rl.Capacity <= 0 {
		rl.Capacity = rl.Refill
	}
	s.limiters[key] = rate.NewLimiter(
		rate.Limit(float64(rl.Refill)/rl.Interval.Seconds()), rl.Capacity)
}

// Start launches the dispatcher loop. Tasks submitted before Start wait in
// the queue. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	logger.Info(ctx, "Task scheduler started",
		"max_concurrent", s.quota.MaxConcurrent)
	go s.loop(ctx)
}

// Stop rejects further submissions and waits for in-flight tasks to return,
// or for ctx to end. Queued tasks stay queued; persisted execution state
// re-derives them on restart.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopChan) })
	if alreadyStopped {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info(ctx, "Task scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a task. ctx bounds the task's whole life: queue wait, rate
// wait, and run.
func (s *Scheduler) Submit(ctx context.Context, task *Task) error {
	if task == nil || task.Node == nil || task.Run == nil {
		return core.NewError(core.ErrKindValidation, "task needs a node and a run function")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	priority := task.Priority
	if priority == 0 {
		priority = task.Node.Priority
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.seq++
	taskCtx, cancel := context.WithCancel(ctx)
	it := &item{
		task:     task,
		ctx:      taskCtx,
		cancel:   cancel,
		priority: priority,
		seq:      s.seq,
		enqueued: time.Now(),
		index:    -1,
	}
	heap.Push(&s.queue, it)
	set, ok := s.byExec[task.ExecutionID]
	if !ok {
		set = make(map[*item]struct{})
		s.byExec[task.ExecutionID] = set
	}
	set[it] = struct{}{}
	s.metrics.QueueDepth(s.queue.Len())
	s.mu.Unlock()

	s.kickNow()
	return nil
}

// CancelExecution cancels every task belonging to the execution: queued
// tasks are removed and run with a cancelled context, in-flight tasks see
// their context end. Returns how many tasks were signalled.
func (s *Scheduler) CancelExecution(ctx context.Context, executionID string) int {
	s.mu.Lock()
	items := s.byExec[executionID]
	count := len(items)
	var pending []*item
	for it := range items {
		it.cancel()
		if it.index >= 0 {
			pending = append(pending, it)
		}
	}
	for _, it := range pending {
		s.queue.remove(it)
		s.runLocked(it, false)
	}
	s.metrics.QueueDepth(s.queue.Len())
	s.mu.Unlock()

	if count > 0 {
		logger.Info(ctx, "Cancelled scheduled tasks",
			tag.Execution(executionID), tag.Count(count))
	}
	return count
}

// Stats reports current queue and slot usage.
type Stats struct {
	QueueDepth      int                   `json:"queue_depth"`
	Running         int                   `json:"running"`
	MaxConcurrent   int                   `json:"max_concurrent"`
	RunningPerKind  map[core.NodeKind]int `json:"running_per_kind,omitempty"`
	RunningPerAgent map[string]int        `json:"running_per_agent,omitempty"`
}

// Stats returns a snapshot of queue depth and slot usage.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		QueueDepth:    s.queue.Len(),
		Running:       s.usage.total,
		MaxConcurrent: s.quota.MaxConcurrent,
		RunningPerKind: lo.PickBy(s.usage.perKind,
			func(_ core.NodeKind, n int) bool { return n > 0 }),
		RunningPerAgent: lo.PickBy(s.usage.perAgent,
			func(_ string, n int) bool { return n > 0 }),
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		s.dispatch()
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-s.kick:
		}
	}
}

// dispatch drains the queue in priority order, launching every task whose
// rate token and full slot set are available right now. Tasks blocked on a
// slot go back in the queue unchanged; a blocked task never prevents a
// lower-priority task with free slots from dispatching.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	var blocked []*item
	for s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(*item)

		if it.ctx.Err() != nil {
			s.runLocked(it, false)
			continue
		}

		if !it.cleared {
			lim := s.limiters[it.task.Node.ResourceKey()]
			switch {
			case lim == nil:
				it.cleared = true
			case lim.Allow():
				it.cleared = true
			default:
				s.startRateWaitLocked(it, lim)
				continue
			}
		}

		if !s.canAllocateLocked(it.task.Node) {
			blocked = append(blocked, it)
			continue
		}

		s.allocateLocked(it.task.Node)
		s.metrics.TaskStarted()
		logger.Debug(it.ctx, "Dispatching task",
			tag.Execution(it.task.ExecutionID), tag.Node(it.task.Node.ID),
			"queued_for", time.Since(it.enqueued))
		s.runLocked(it, true)
	}

	for _, it := range blocked {
		heap.Push(&s.queue, it)
	}
	s.metrics.QueueDepth(s.queue.Len())
}

// runLocked launches the task goroutine. Caller holds the lock.
func (s *Scheduler) runLocked(it *item, holdsSlots bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		it.task.Run(it.ctx)

		s.mu.Lock()
		if holdsSlots {
			s.releaseLocked(it.task.Node)
			s.metrics.TaskFinished()
		}
		s.forgetLocked(it)
		s.mu.Unlock()
		s.kickNow()
	}()
}

// startRateWaitLocked parks the task outside the queue until its token
// bucket grants a token, then re-enqueues it with its original position.
// No slot is held during the wait.
func (s *Scheduler) startRateWaitLocked(it *item, lim *rate.Limiter) {
	key := it.task.Node.ResourceKey()
	s.metrics.RateLimitWait(key)
	logger.Debug(it.ctx, "Task rate limited, waiting",
		tag.Node(it.task.Node.ID), tag.Resource(key))
	go func() {
		err := lim.Wait(it.ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.runLocked(it, false)
			return
		}
		it.cleared = true
		if s.stopped {
			return
		}
		heap.Push(&s.queue, it)
		s.metrics.QueueDepth(s.queue.Len())
		s.kickNow()
	}()
}

func (s *Scheduler) canAllocateLocked(node *core.Node) bool {
	if s.usage.total >= s.quota.MaxConcurrent {
		return false
	}
	if limit, ok := s.quota.MaxPerKind[node.Kind]; ok && s.usage.perKind[node.Kind] >= limit {
		return false
	}
	if node.Kind == core.NodeAgent {
		if id := node.AgentID(); id != "" {
			if limit, ok := s.quota.MaxPerAgent[id]; ok && s.usage.perAgent[id] >= limit {
				return false
			}
		}
	}
	return true
}

func (s *Scheduler) allocateLocked(node *core.Node) {
	s.usage.total++
	s.usage.perKind[node.Kind]++
	if node.Kind == core.NodeAgent {
		if id := node.AgentID(); id != "" {
			s.usage.perAgent[id]++
		}
	}
}

func (s *Scheduler) releaseLocked(node *core.Node) {
	s.usage.total--
	s.usage.perKind[node.Kind]--
	if node.Kind == core.NodeAgent {
		if id := node.AgentID(); id != "" {
			s.usage.perAgent[id]--
		}
	}
}

func (s *Scheduler) forgetLocked(it *item) {
	set := s.byExec[it.task.ExecutionID]
	delete(set, it)
	if len(set) == 0 {
		delete(s.byExec, it.task.ExecutionID)
	}
	it.cancel()
}

func (s *Scheduler) kickNow() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
