package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event produced by the runtime.
type EventType string

const (
	EventExecutionCreated   EventType = "execution.created"
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionSuspended EventType = "execution.suspended"
	EventExecutionResumed   EventType = "execution.resumed"
	EventExecutionCancelled EventType = "execution.cancelled"

	EventNodeReady     EventType = "node.ready"
	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"
	EventNodeRetrying  EventType = "node.retrying"
	EventNodeSkipped   EventType = "node.skipped"

	EventTransitionFired   EventType = "transition.fired"
	EventTransitionAborted EventType = "transition.aborted"
	EventUnhandled         EventType = "event.unhandled"
	EventOnEnterFailed     EventType = "on_enter.failed"
	EventInstanceCompleted EventType = "instance.completed"

	EventCompensationStarted   EventType = "compensation.started"
	EventCompensationCompleted EventType = "compensation.completed"
)

// Event is one append-only entry in an execution's lineage. Within an
// execution, events are totally ordered by Seq; across executions no order
// is guaranteed.
type Event struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Type        EventType      `json:"type"`
	Seq         int64          `json:"seq"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent builds an event with a fresh time-ordered id. Seq is assigned by
// the emitter owning the execution's counter.
func NewEvent(executionID string, typ EventType) *Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Event{
		ID:          id.String(),
		ExecutionID: executionID,
		Type:        typ,
		Timestamp:   time.Now(),
	}
}

// WithNode attaches the originating node id.
func (e *Event) WithNode(nodeID string) *Event {
	e.NodeID = nodeID
	return e
}

// WithPayload attaches the event payload.
func (e *Event) WithPayload(payload map[string]any) *Event {
	e.Payload = payload
	return e
}

// Topic returns the bus topic the event publishes to, which is its type.
func (e *Event) Topic() string {
	return string(e.Type)
}
