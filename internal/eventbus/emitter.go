package eventbus

import (
	"context"
	"sync"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
)

// EventSink persists events. core.ExecutionRepo satisfies it.
type EventSink interface {
	AppendEvent(ctx context.Context, ev *core.Event) error
}

// EventCounter observes every emitted event by type. metrics.Metrics
// satisfies it.
type EventCounter interface {
	EventPublished(eventType string)
}

// Emitter stamps each event with its execution's next sequence number, then
// persists and publishes it. One emitter instance owns all counters for the
// engine it serves.
type Emitter struct {
	bus     Bus
	sink    EventSink
	counter EventCounter

	mu   sync.Mutex
	seqs map[string]int64
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithCounter reports every emit to the given counter.
func WithCounter(c EventCounter) EmitterOption {
	return func(e *Emitter) {
		e.counter = c
	}
}

// NewEmitter builds an emitter. Both bus and sink may be nil; a nil side is
// skipped, so tests and tools can emit without wiring everything.
func NewEmitter(bus Bus, sink EventSink, opts ...EmitterOption) *Emitter {
	e := &Emitter{bus: bus, sink: sink, seqs: map[string]int64{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit assigns the sequence number, persists the event, and publishes it.
// Persistence failures are logged and do not stop the publish: the bus
// contract is at-least-once, and an execution must never fail because its
// lineage write hiccupped.
func (e *Emitter) Emit(ctx context.Context, ev *core.Event) {
	if ev == nil {
		return
	}
	ev.Seq = e.next(ev.ExecutionID)

	if e.sink != nil {
		if err := e.sink.AppendEvent(ctx, ev); err != nil {
			logger.Error(ctx, "Failed to persist event",
				tag.Execution(ev.ExecutionID),
				tag.Event(string(ev.Type)),
				tag.Error(err),
			)
		}
	}
	if e.bus != nil {
		e.bus.Publish(ctx, ev)
	}
	if e.counter != nil {
		e.counter.EventPublished(string(ev.Type))
	}
}

// Release drops the sequence counter once an execution reaches a terminal
// status. Emitting again for the same execution restarts at 1, which only a
// misbehaving caller would do.
func (e *Emitter) Release(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.seqs, executionID)
}

// Prime seeds the counter from persisted lineage so a resumed execution
// continues its sequence instead of restarting at 1. An existing counter
// only moves forward.
func (e *Emitter) Prime(executionID string, lastSeq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lastSeq > e.seqs[executionID] {
		e.seqs[executionID] = lastSeq
	}
}

func (e *Emitter) next(executionID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seqs[executionID]++
	return e.seqs[executionID]
}
