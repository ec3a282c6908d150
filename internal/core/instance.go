package core

import (
	"time"
)

// TransitionRecord is one entry of a state-machine instance's history.
type TransitionRecord struct {
	From      string         `json:"from"`
	Event     string         `json:"event"`
	To        string         `json:"to"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Instance is the mutable record of one state-machine execution. Events for
// the same instance are serialized; the engine owns all mutation.
type Instance struct {
	ID           string              `json:"id"`
	WorkflowID   string              `json:"workflow_id"`
	Workflow     string              `json:"workflow"`
	Version      string              `json:"version"`
	CurrentState string              `json:"current_state"`
	Context      map[string]any      `json:"context,omitempty"`
	History      []*TransitionRecord `json:"history,omitempty"`
	IsFinal      bool                `json:"is_final"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// NewInstance builds an instance positioned at the workflow's initial state.
func NewInstance(w *Workflow, ctx map[string]any) (*Instance, error) {
	id, err := NewExecutionID()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = map[string]any{}
	}
	now := time.Now()
	return &Instance{
		ID:           id,
		WorkflowID:   w.ID,
		Workflow:     w.Name,
		Version:      w.Version,
		CurrentState: w.InitialState,
		Context:      ctx,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Clone returns a deep enough copy for speculative mutation: context and
// history containers are copied, records are shared. History records are
// append-only by convention, so sharing them is safe.
func (i *Instance) Clone() *Instance {
	dup := *i
	dup.Context = make(map[string]any, len(i.Context))
	for k, v := range i.Context {
		dup.Context[k] = v
	}
	dup.History = append([]*TransitionRecord(nil), i.History...)
	return &dup
}

// Commit atomically applies a fired transition: the state pointer moves and
// the history entry is appended together.
func (i *Instance) Commit(from, event, to string, payload map[string]any) {
	i.CurrentState = to
	i.History = append(i.History, &TransitionRecord{
		From:      from,
		Event:     event,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	i.UpdatedAt = time.Now()
}
