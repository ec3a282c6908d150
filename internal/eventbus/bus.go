// Package eventbus fans lifecycle events out to in-process subscribers. It
// is the reference adapter for the bus interface; external transports plug
// in behind the same contract.
package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
)

// TopicAll subscribes to every event regardless of type.
const TopicAll = "*"

// Handler consumes one event. Returned errors are logged and never reach
// the publisher.
type Handler func(ctx context.Context, ev *core.Event) error

// Bus publishes lifecycle events to subscribers. Delivery is asynchronous
// and at-least-once within the process.
type Bus interface {
	Publish(ctx context.Context, ev *core.Event)
	Subscribe(topic string, h Handler) (unsubscribe func())
}

var _ Bus = (*MemoryBus)(nil)

// MemoryBus is the in-process Bus. Each delivery runs on its own goroutine;
// a slow or failing handler never blocks or fails the publisher.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID int64
	closed bool

	inflight sync.WaitGroup
}

type subscription struct {
	id      int64
	handler Handler
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string][]*subscription{}}
}

// Subscribe registers a handler for the topic, or for every event when the
// topic is TopicAll. The returned function removes the subscription.
func (b *MemoryBus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, handler: h}
	b.subs[topic] = append(b.subs[topic], sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber of its topic and of
// TopicAll. It returns immediately; handlers run detached from the
// publisher's cancellation.
func (b *MemoryBus) Publish(ctx context.Context, ev *core.Event) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(b.subs[ev.Topic()])+len(b.subs[TopicAll]))
	targets = append(targets, b.subs[ev.Topic()]...)
	targets = append(targets, b.subs[TopicAll]...)
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, sub := range targets {
		b.inflight.Add(1)
		go func(s *subscription) {
			defer b.inflight.Done()
			b.deliver(ctx, s, ev)
		}(sub)
	}
}

func (b *MemoryBus) deliver(ctx context.Context, s *subscription, ev *core.Event) {
	defer func() {
		if panicObj := recover(); panicObj != nil {
			logger.Error(ctx, "Event handler panicked",
				tag.Topic(ev.Topic()),
				tag.Event(string(ev.Type)),
				tag.Error(fmt.Sprintf("%v", panicObj)),
				"stackTrace", string(debug.Stack()),
			)
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		logger.Error(ctx, "Event handler failed",
			tag.Topic(ev.Topic()),
			tag.Event(string(ev.Type)),
			tag.Execution(ev.ExecutionID),
			tag.Error(err),
		)
	}
}

// Drain blocks until every delivery in flight has finished.
func (b *MemoryBus) Drain() {
	b.inflight.Wait()
}

// Close stops accepting publishes and waits for in-flight deliveries.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.inflight.Wait()
}
