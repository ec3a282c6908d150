package core

import (
	"context"
	"time"
)

// WorkflowRepo persists immutable workflow definitions. Implementations must
// treat (name, version) as unique.
type WorkflowRepo interface {
	Save(ctx context.Context, w *Workflow) error
	LoadByID(ctx context.Context, id string) (*Workflow, error)
	// LoadByNameVersion resolves version as an exact semver, a constraint
	// such as "^1.2", or "latest" (empty means latest).
	LoadByNameVersion(ctx context.Context, name, version string) (*Workflow, error)
	List(ctx context.Context) ([]*Workflow, error)
	Delete(ctx context.Context, name, version string) error
}

// ExecutionRecord bundles everything persisted for one execution: the record
// itself, its node executions, and its ordered event lineage.
type ExecutionRecord struct {
	Execution *Execution       `json:"execution"`
	Nodes     []*NodeExecution `json:"nodes,omitempty"`
	Events    []*Event         `json:"events,omitempty"`
}

// NodeByID returns the node execution with the given record id, or nil.
func (r *ExecutionRecord) NodeByID(id string) *NodeExecution {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// ListExecutionsOptions filters execution listings.
type ListExecutionsOptions struct {
	Statuses []Status
	From     time.Time
	To       time.Time
	Limit    int
}

// ListExecutionsOption mutates ListExecutionsOptions.
type ListExecutionsOption func(*ListExecutionsOptions)

// WithStatuses filters listings to the given statuses.
func WithStatuses(statuses ...Status) ListExecutionsOption {
	return func(o *ListExecutionsOptions) {
		o.Statuses = statuses
	}
}

// WithFrom filters out executions submitted before the given time.
func WithFrom(from time.Time) ListExecutionsOption {
	return func(o *ListExecutionsOptions) {
		o.From = from
	}
}

// WithTo filters out executions submitted at or after the given time.
func WithTo(to time.Time) ListExecutionsOption {
	return func(o *ListExecutionsOptions) {
		o.To = to
	}
}

// WithLimit caps the number of returned executions.
func WithLimit(limit int) ListExecutionsOption {
	return func(o *ListExecutionsOptions) {
		o.Limit = limit
	}
}

// ExecutionRepo persists execution lineage. The engine requires
// read-after-write consistency within a single execution's records.
type ExecutionRepo interface {
	Create(ctx context.Context, e *Execution) error
	Update(ctx context.Context, e *Execution) error
	AppendNode(ctx context.Context, n *NodeExecution) error
	UpdateNode(ctx context.Context, n *NodeExecution) error
	AppendEvent(ctx context.Context, ev *Event) error
	Load(ctx context.Context, executionID string) (*ExecutionRecord, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Execution, error)
	ListByWorkflow(ctx context.Context, name string, opts ...ListExecutionsOption) ([]*Execution, error)
	// RemoveOld deletes executions older than the retention window and
	// returns how many were removed. The retention job is the only deleter.
	RemoveOld(ctx context.Context, retention time.Duration) (int, error)
}

// InstanceRepo persists state-machine instances.
type InstanceRepo interface {
	Save(ctx context.Context, inst *Instance) error
	Load(ctx context.Context, instanceID string) (*Instance, error)
	List(ctx context.Context, workflow string) ([]*Instance, error)
}
