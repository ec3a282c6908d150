package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Execution is the mutable record of one workflow invocation. It is created
// on submission, mutated exclusively by the engine coordinating it, and never
// deleted except by the retention job.
type Execution struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Workflow    string         `json:"workflow"`
	Version     string         `json:"version"`
	ParentID    string         `json:"parent_id,omitempty"`
	Status      Status         `json:"status"`
	Trigger     TriggerType    `json:"trigger"`
	Input       map[string]any `json:"input,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *Error         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// NewExecutionID returns a time-ordered unique execution id.
func NewExecutionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate execution ID: %w", err)
	}
	return id.String(), nil
}

// NewExecution builds a pending execution for the given workflow.
func NewExecution(w *Workflow, input map[string]any, trigger TriggerType) (*Execution, error) {
	id, err := NewExecutionID()
	if err != nil {
		return nil, err
	}
	return &Execution{
		ID:          id,
		WorkflowID:  w.ID,
		Workflow:    w.Name,
		Version:     w.Version,
		Status:      Pending,
		Trigger:     trigger,
		Input:       input,
		Context:     map[string]any{},
		SubmittedAt: time.Now(),
	}, nil
}

// Transition moves the execution to next, enforcing lifecycle monotonicity.
func (e *Execution) Transition(next Status) error {
	if !e.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusChange, e.Status, next)
	}
	e.Status = next
	switch next {
	case Running:
		if e.StartedAt.IsZero() {
			e.StartedAt = time.Now()
		}
	case Completed, Failed, Cancelled:
		e.FinishedAt = time.Now()
	}
	return nil
}

// Duration returns the wall-clock execution time so far, or total when done.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt.IsZero() {
		return 0
	}
	if e.FinishedAt.IsZero() {
		return time.Since(e.StartedAt)
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Attempt records one invocation of a node, successful or not.
type Attempt struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      *Error    `json:"error,omitempty"`
}

// NodeExecution is the mutable record of one node within an execution. Loop
// iterations carry distinct records keyed "<node-id>[<index>]".
type NodeExecution struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Status      NodeStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *Error         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
	Attempts    []*Attempt     `json:"attempts,omitempty"`
}

// NewNodeExecution builds a waiting node execution record.
func NewNodeExecution(executionID, nodeID string) *NodeExecution {
	return &NodeExecution{
		ID:          fmt.Sprintf("%s/%s", executionID, nodeID),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      NodeWaiting,
	}
}

// IterationID keys one loop iteration's node execution.
func IterationID(nodeID string, index int) string {
	return fmt.Sprintf("%s[%d]", nodeID, index)
}

// Transition moves the node to next, enforcing node-status monotonicity.
func (n *NodeExecution) Transition(next NodeStatus) error {
	if !n.Status.CanTransition(next) {
		return fmt.Errorf("%w: node %s: %s -> %s", ErrInvalidStatusChange, n.NodeID, n.Status, next)
	}
	n.Status = next
	return nil
}

// Start marks the node running and opens a new attempt.
func (n *NodeExecution) Start(input map[string]any) error {
	if err := n.Transition(NodeRunning); err != nil {
		return err
	}
	now := time.Now()
	if n.StartedAt.IsZero() {
		n.StartedAt = now
	}
	n.Input = input
	n.Attempts = append(n.Attempts, &Attempt{
		Number:    len(n.Attempts) + 1,
		StartedAt: now,
	})
	return nil
}

// Complete records the output and marks the node successful. Output is
// written before the status flips so a success state always carries one.
func (n *NodeExecution) Complete(output map[string]any) error {
	if output == nil {
		output = map[string]any{}
	}
	n.Output = output
	if err := n.Transition(NodeSuccess); err != nil {
		return err
	}
	n.FinishedAt = time.Now()
	n.closeAttempt(nil)
	return nil
}

// Fail records the error and marks the node failed.
func (n *NodeExecution) Fail(cause *Error) error {
	n.Error = cause
	if err := n.Transition(NodeFailed); err != nil {
		return err
	}
	n.FinishedAt = time.Now()
	n.closeAttempt(cause)
	return nil
}

// Retrying closes the failing attempt and parks the node until the backoff
// delay elapses. The retry counter is what the policy's max_attempts bounds.
func (n *NodeExecution) Retrying(cause *Error) error {
	if err := n.Transition(NodeRetrying); err != nil {
		return err
	}
	n.RetryCount++
	n.closeAttempt(cause)
	return nil
}

// Skip marks the node skipped without running it.
func (n *NodeExecution) Skip() error {
	if err := n.Transition(NodeSkipped); err != nil {
		return err
	}
	n.FinishedAt = time.Now()
	return nil
}

// Cancel marks the node cancelled; a non-failure terminal state.
func (n *NodeExecution) Cancel() error {
	if err := n.Transition(NodeCancelled); err != nil {
		return err
	}
	n.FinishedAt = time.Now()
	return nil
}

// Duration returns the node's wall-clock time across all attempts.
func (n *NodeExecution) Duration() time.Duration {
	if n.StartedAt.IsZero() {
		return 0
	}
	if n.FinishedAt.IsZero() {
		return time.Since(n.StartedAt)
	}
	return n.FinishedAt.Sub(n.StartedAt)
}

func (n *NodeExecution) closeAttempt(cause *Error) {
	if len(n.Attempts) == 0 {
		return
	}
	last := n.Attempts[len(n.Attempts)-1]
	last.FinishedAt = time.Now()
	last.Error = cause
}
