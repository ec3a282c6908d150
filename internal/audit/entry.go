// Package audit records what the runtime did and why, independent of the
// event bus: bus subscribers may come and go, the audit trail stays.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Category groups audit entries by the subsystem that produced them.
type Category string

const (
	CategoryWorkflow     Category = "workflow"
	CategoryExecution    Category = "execution"
	CategoryNode         Category = "node"
	CategoryState        Category = "state"
	CategoryCompensation Category = "compensation"
	CategoryScheduler    Category = "scheduler"
)

// Entry is a single audit record.
type Entry struct {
	// ID is a unique identifier for this entry.
	ID string `json:"id"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Category identifies the subsystem (e.g. "execution", "scheduler").
	Category Category `json:"category"`
	// Action describes what happened (e.g. "created", "quota_rejected").
	Action string `json:"action"`
	// ExecutionID ties the entry to an execution, when one exists.
	ExecutionID string `json:"execution_id,omitempty"`
	// NodeID ties the entry to a node execution, when one exists.
	NodeID string `json:"node_id,omitempty"`
	// Details carries action-specific data as a JSON string.
	Details string `json:"details,omitempty"`
	// Seq is the event sequence number for entries derived from lifecycle
	// events, zero otherwise.
	Seq int64 `json:"seq,omitempty"`
}

// NewEntry creates an audit entry with a generated ID and current timestamp.
func NewEntry(category Category, action string) *Entry {
	return &Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Category:  category,
		Action:    action,
	}
}

// WithExecution ties the entry to an execution.
func (e *Entry) WithExecution(executionID string) *Entry {
	e.ExecutionID = executionID
	return e
}

// WithNode ties the entry to a node.
func (e *Entry) WithNode(nodeID string) *Entry {
	e.NodeID = nodeID
	return e
}

// WithDetails attaches action-specific data.
func (e *Entry) WithDetails(details string) *Entry {
	e.Details = details
	return e
}

// WithSeq attaches the lifecycle event sequence number.
func (e *Entry) WithSeq(seq int64) *Entry {
	e.Seq = seq
	return e
}

// QueryFilter defines filters for querying audit entries.
type QueryFilter struct {
	// Category filters by audit category.
	Category Category
	// ExecutionID filters by execution.
	ExecutionID string
	// StartTime filters entries after this time (inclusive).
	StartTime time.Time
	// EndTime filters entries before this time (inclusive).
	EndTime time.Time
	// Limit is the maximum number of entries to return.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
}

// QueryResult contains the result of a query.
type QueryResult struct {
	// Entries is the list of audit entries matching the filter, newest
	// first.
	Entries []*Entry `json:"entries"`
	// Total is the number of entries matching the filter before pagination.
	Total int `json:"total"`
}
