package core

import (
	"encoding/json"
	"fmt"
)

// Status represents the canonical lifecycle phases for a workflow execution.
type Status int

const (
	Pending Status = iota
	Running
	Suspended
	Completed
	Failed
	Cancelled
	Compensating
)

// String returns the canonical lowercase token used across APIs, logs, and
// persisted records.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Compensating:
		return "compensating"
	default:
		return "unknown"
	}
}

// IsActive checks if the execution still owns resources and may progress.
func (s Status) IsActive() bool {
	return s == Pending || s == Running || s == Suspended || s == Compensating
}

// IsTerminal checks if no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// CanTransition reports whether moving to next respects the execution
// lifecycle. Terminal states accept no successor.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}
	switch s {
	case Pending:
		return next == Running || next == Cancelled || next == Failed
	case Running:
		return next == Suspended || next == Completed || next == Failed ||
			next == Cancelled || next == Compensating
	case Suspended:
		return next == Running || next == Cancelled || next == Failed
	case Compensating:
		return next == Failed || next == Cancelled
	default:
		return false
	}
}

// MarshalJSON serializes the status as its canonical token.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes the status from its canonical token.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus maps a canonical token back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return Pending, nil
	case "running":
		return Running, nil
	case "suspended":
		return Suspended, nil
	case "completed":
		return Completed, nil
	case "failed":
		return Failed, nil
	case "cancelled":
		return Cancelled, nil
	case "compensating":
		return Compensating, nil
	default:
		return Pending, fmt.Errorf("unknown execution status: %q", s)
	}
}

// NodeStatus represents the canonical lifecycle phases for a single node
// execution.
type NodeStatus int

const (
	NodeWaiting NodeStatus = iota
	NodeReady
	NodeRunning
	NodeSuccess
	NodeFailed
	NodeSkipped
	NodeRetrying
	NodeCancelled
)

// String returns the canonical lowercase token for the node lifecycle phase.
func (s NodeStatus) String() string {
	switch s {
	case NodeWaiting:
		return "waiting"
	case NodeReady:
		return "ready"
	case NodeRunning:
		return "running"
	case NodeSuccess:
		return "success"
	case NodeFailed:
		return "failed"
	case NodeSkipped:
		return "skipped"
	case NodeRetrying:
		return "retrying"
	case NodeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal checks if the node finished in a state the engine never leaves.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeSuccess || s == NodeFailed || s == NodeSkipped || s == NodeCancelled
}

// IsSettled checks whether downstream readiness may be evaluated against this
// node. Skipped nodes settle their successors the same way successful ones do.
func (s NodeStatus) IsSettled() bool {
	return s == NodeSuccess || s == NodeSkipped
}

// CanTransition reports whether moving to next respects node monotonicity:
// waiting → ready → running → terminal, with running → retrying → running and
// waiting → skipped permitted.
func (s NodeStatus) CanTransition(next NodeStatus) bool {
	switch s {
	case NodeWaiting:
		return next == NodeReady || next == NodeSkipped || next == NodeCancelled
	case NodeReady:
		return next == NodeRunning || next == NodeCancelled || next == NodeSkipped
	case NodeRunning:
		return next == NodeSuccess || next == NodeFailed || next == NodeCancelled ||
			next == NodeRetrying || next == NodeSkipped
	case NodeRetrying:
		return next == NodeRunning || next == NodeCancelled || next == NodeFailed
	default:
		return false
	}
}

// MarshalJSON serializes the node status as its canonical token.
func (s NodeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes the node status from its canonical token.
func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseNodeStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseNodeStatus maps a canonical token back to a NodeStatus.
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch s {
	case "waiting":
		return NodeWaiting, nil
	case "ready":
		return NodeReady, nil
	case "running":
		return NodeRunning, nil
	case "success":
		return NodeSuccess, nil
	case "failed":
		return NodeFailed, nil
	case "skipped":
		return NodeSkipped, nil
	case "retrying":
		return NodeRetrying, nil
	case "cancelled":
		return NodeCancelled, nil
	default:
		return NodeWaiting, fmt.Errorf("unknown node status: %q", s)
	}
}

// TriggerType records how an execution was started.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerAPI      TriggerType = "api"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerResume   TriggerType = "resume"
)
